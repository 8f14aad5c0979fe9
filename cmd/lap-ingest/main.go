// Command lap-ingest loads learning-analytics collections into a temporary store.
package main

import (
	"os"

	"github.com/nucleus/lap-ingest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
