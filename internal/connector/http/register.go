package http

import (
	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/handler"
)

// init registers the HTTP handler with the default registry.
func init() {
	handler.DefaultRegistry().Register(collection.SourceHTTP, NewHandler)
}
