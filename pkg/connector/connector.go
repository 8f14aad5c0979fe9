// Package connector registers every built-in handler with the default
// handler registry. Import it for side effects.
package connector

import (
	_ "github.com/nucleus/lap-ingest/internal/connector/csv"
	_ "github.com/nucleus/lap-ingest/internal/connector/http"
	_ "github.com/nucleus/lap-ingest/internal/connector/jdbc"
)
