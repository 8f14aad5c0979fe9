package csv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
)

// Settings configures a CSV source.
type Settings struct {
	Dir string `mapstructure:"dir"`
	// Files overrides the default <collection>.csv file name per collection.
	Files     map[string]string `mapstructure:"files"`
	Delimiter string            `mapstructure:"delimiter"`
}

// DirHandler loads collections from files in a directory.
type DirHandler struct {
	src       config.Source
	env       handler.Env
	dir       string
	files     map[collection.Collection]string
	delimiter rune
}

// NewDirHandler builds a CSV handler from the source settings.
func NewDirHandler(src config.Source, env handler.Env) (handler.Handler, error) {
	var s Settings
	if err := mapstructure.Decode(src.Settings, &s); err != nil {
		return nil, collection.InvalidArgument(fmt.Errorf("decode csv settings: %w", err))
	}
	if strings.TrimSpace(s.Dir) == "" {
		return nil, collection.InvalidArgument(fmt.Errorf("csv source %s: dir is required", src.Name))
	}
	delim, err := parseDelimiter(s.Delimiter)
	if err != nil {
		return nil, collection.InvalidArgument(err)
	}
	files := make(map[collection.Collection]string, len(s.Files))
	for label, file := range s.Files {
		c, err := collection.Parse(label)
		if err != nil {
			return nil, err
		}
		files[c] = file
	}
	return &DirHandler{src: src, env: env, dir: s.Dir, files: files, delimiter: delim}, nil
}

func (h *DirHandler) SourceType() collection.SourceType { return collection.SourceCSV }

// Path returns the file a collection is read from.
func (h *DirHandler) Path(c collection.Collection) string {
	name, ok := h.files[c]
	if !ok {
		name = c.StageRef() + ".csv"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(h.dir, name)
}

func (h *DirHandler) Read(ctx context.Context, cs []collection.Collection) (map[collection.Collection]*handler.Result, error) {
	info, err := os.Stat(h.dir)
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", h.src.Name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("csv source %s: %s is not a directory", h.src.Name, h.dir)
	}

	out := make(map[collection.Collection]*handler.Result, len(cs))
	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[c] = h.load(ctx, c)
	}
	return out, nil
}

func (h *DirHandler) load(ctx context.Context, c collection.Collection) *handler.Result {
	path := h.Path(c)
	f, err := os.Open(path)
	if err != nil {
		return handler.Failed(c, err)
	}
	defer f.Close()

	rows, err := readRows(f, h.delimiter)
	if err != nil {
		return handler.Failed(c, fmt.Errorf("%s: %w", path, err))
	}
	n, err := h.env.Stage(ctx, h.src, collection.SourceCSV, c, path, rows)
	if err != nil {
		return handler.Failed(c, err)
	}
	return handler.Loaded(c, n)
}

func (h *DirHandler) Close() error { return nil }
