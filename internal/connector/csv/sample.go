package csv

import (
	"context"
	"embed"
	"path"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
)

//go:embed sampledata/*.csv
var sampleFS embed.FS

// SampleHandler loads the bundled sample data set.
type SampleHandler struct {
	src config.Source
	env handler.Env
}

// NewSampleHandler builds a SAMPLE_CSV handler. It takes no settings.
func NewSampleHandler(src config.Source, env handler.Env) (handler.Handler, error) {
	return &SampleHandler{src: src, env: env}, nil
}

func (h *SampleHandler) SourceType() collection.SourceType { return collection.SourceSampleCSV }

func (h *SampleHandler) Read(ctx context.Context, cs []collection.Collection) (map[collection.Collection]*handler.Result, error) {
	out := make(map[collection.Collection]*handler.Result, len(cs))
	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := path.Join("sampledata", c.StageRef()+".csv")
		out[c] = h.load(ctx, c, name)
	}
	return out, nil
}

func (h *SampleHandler) load(ctx context.Context, c collection.Collection, name string) *handler.Result {
	f, err := sampleFS.Open(name)
	if err != nil {
		return handler.Failed(c, err)
	}
	defer f.Close()

	rows, err := readRows(f, ',')
	if err != nil {
		return handler.Failed(c, err)
	}
	n, err := h.env.Stage(ctx, h.src, collection.SourceSampleCSV, c, name, rows)
	if err != nil {
		return handler.Failed(c, err)
	}
	return handler.Loaded(c, n)
}

func (h *SampleHandler) Close() error { return nil }
