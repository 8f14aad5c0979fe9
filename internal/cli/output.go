package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// outputFormat is the -o flag value. It rejects unknown formats at parse time.
type outputFormat string

const (
	outputYAML outputFormat = "yaml"
	outputJSON outputFormat = "json"
)

var _ pflag.Value = (*outputFormat)(nil)

func (f *outputFormat) String() string { return string(*f) }

func (f *outputFormat) Set(v string) error {
	switch format := outputFormat(strings.ToLower(strings.TrimSpace(v))); format {
	case outputYAML, outputJSON:
		*f = format
		return nil
	default:
		return fmt.Errorf("must be one of yaml or json, got %q", v)
	}
}

func (f *outputFormat) Type() string { return "format" }
