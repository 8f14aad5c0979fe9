// Package cli implements the lap-ingest command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nucleus/lap-ingest/internal/app"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/logger"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

// options are the persistent flags plus what PersistentPreRunE builds from them.
type options struct {
	configPath string
	envFiles   []string
	logLevel   string
	output     outputFormat

	cfg *config.Config
	log *logger.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "lap-ingest",
		Short: "Learning-analytics collection loader",
		Long: `lap-ingest loads the PERSONAL, COURSE, ENROLLMENT, GRADE and ACTIVITY
collections from their configured sources into a temporary store.

Quick start:
  lap-ingest load --all              # Load every collection once
  lap-ingest serve                   # Run the gRPC and REST services
  lap-ingest status --addr :50061    # Ask a running server what is loaded`,
		SilenceUsage: true,
		Version:      Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFiles...)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = log
			log.Debug().Str("version", Version).Str("config", opts.configPath).Msg("lap-ingest starting")
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load before reading LAP_* variables (default .env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override log.level")
	opts.output = outputYAML
	flags.VarP(&opts.output, "output", "o", "Output format: yaml or json")
	root.SetVersionTemplate(fmt.Sprintf("lap-ingest %s (commit: %s)\n", Version, Commit))

	root.AddCommand(
		newServeCommand(opts),
		newLoadCommand(opts),
		newStatusCommand(opts),
		newResetCommand(opts),
		newExportCommand(opts),
		newWorkerCommand(opts),
	)
	return root
}

// Execute runs the CLI with OS signal handling.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) newApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, o.cfg, o.log.Logger)
}

// print writes v as YAML or indented JSON. YAML goes through the JSON form so
// both formats share field names.
func (o *options) print(w io.Writer, v any) error {
	switch o.output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML, "":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}
