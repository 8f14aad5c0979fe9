package csv

import (
	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/handler"
)

// init registers the CSV handlers with the default registry.
func init() {
	registry := handler.DefaultRegistry()
	registry.Register(collection.SourceSampleCSV, NewSampleHandler)
	registry.Register(collection.SourceCSV, NewDirHandler)
}
