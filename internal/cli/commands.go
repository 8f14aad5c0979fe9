package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/export"
	"github.com/nucleus/lap-ingest/internal/gateway"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
	"github.com/nucleus/lap-ingest/internal/worker"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and REST services (and the refresh schedule, if set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd.Context())
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
}

type loadFlags struct {
	all    bool
	reload bool
	reset  bool
	addr   string
}

func newLoadCommand(opts *options) *cobra.Command {
	flags := &loadFlags{}
	cmd := &cobra.Command{
		Use:   "load [COLLECTION...]",
		Short: "Load collections into the temporary store",
		Long: `Loads the named collections, or every collection with --all.
With neither, nothing is loaded.

Examples:
  lap-ingest load --all
  lap-ingest load enrollment grade --reload
  lap-ingest load --all --reset --addr localhost:50061`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.all && len(args) > 0 {
				return collection.InvalidArgument(errors.New("--all cannot be combined with collection names"))
			}
			var set collection.Set
			switch {
			case flags.all:
				set = collection.NewSet()
			case len(args) > 0:
				parsed, err := collection.ParseSet(args)
				if err != nil {
					return err
				}
				set = parsed
			}
			req := orchestrator.Request{ReloadData: flags.reload, ResetStore: flags.reset, Collections: set}

			if flags.addr != "" {
				return remoteLoad(cmd, opts, flags.addr, req)
			}
			a, err := opts.newApp(cmd.Context())
			if err != nil {
				return err
			}
			report, loadErr := a.Orchestrator.LoadCollections(cmd.Context(), req)
			var partial *orchestrator.PartialLoadError
			if loadErr != nil && !errors.As(loadErr, &partial) {
				return loadErr
			}
			if err := opts.print(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return loadErr
		},
	}
	cmd.Flags().BoolVar(&flags.all, "all", false, "Load every collection")
	cmd.Flags().BoolVar(&flags.reload, "reload", false, "Reload collections that are already loaded")
	cmd.Flags().BoolVar(&flags.reset, "reset", false, "Wipe the temporary store first")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "Send the request to a running server instead of loading in-process")
	return cmd
}

func remoteLoad(cmd *cobra.Command, opts *options, addr string, req orchestrator.Request) error {
	fields := map[string]any{
		"reloadData":  req.ReloadData,
		"resetStore":  req.ResetStore,
		"collections": nil,
	}
	if req.Collections != nil {
		labels := make([]any, 0, len(req.Collections))
		for _, label := range req.Collections.Strings() {
			labels = append(labels, label)
		}
		fields["collections"] = labels
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return withClient(addr, func(client *gateway.LoaderClient) error {
		out, err := client.LoadCollections(cmd.Context(), in)
		if err != nil {
			return err
		}
		if err := opts.print(cmd.OutOrStdout(), out.AsMap()); err != nil {
			return err
		}
		if out.GetFields()["partial"].GetBoolValue() {
			return fmt.Errorf("%s: some collections failed to load", collection.CodePartialLoad)
		}
		return nil
	})
}

func newStatusCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what a running server has loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(serverAddr(opts, addr), func(client *gateway.LoaderClient) error {
				out, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), out.AsMap())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the server (default server.grpc_addr)")
	return cmd
}

func newResetCommand(opts *options) *cobra.Command {
	var (
		addr  string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the temporary store and forget loaded collections",
		Long: `Resets a running server's store and load state. With --local the
configured store is wiped directly, which is useful for the object and
MinIO stores that outlive the process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				a, err := opts.newApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.Orchestrator.Reset(cmd.Context()); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]any{"reset": true, "store": a.Store.ID()})
			}
			return withClient(serverAddr(opts, addr), func(client *gateway.LoaderClient) error {
				out, err := client.Reset(cmd.Context())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), out.AsMap())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the server (default server.grpc_addr)")
	cmd.Flags().BoolVar(&local, "local", false, "Reset the configured store in-process")
	return cmd
}

func newExportCommand(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export COLLECTION...",
		Short: "Load collections and write each one to a Parquet file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := collection.ParseSet(args)
			if err != nil {
				return err
			}
			a, err := opts.newApp(cmd.Context())
			if err != nil {
				return err
			}
			// Failed collections are reported by the exporter as not loaded.
			if _, err := a.Orchestrator.LoadCollections(cmd.Context(), orchestrator.Request{Collections: set}); err != nil {
				opts.log.Warn().Err(err).Msg("load before export finished with errors")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			exporter := export.New(a.Orchestrator)
			var results []*export.Stats
			var errs []error
			for _, c := range set.Sorted() {
				path := filepath.Join(dir, c.StageRef()+".parquet")
				stats, err := exporter.WriteFile(cmd.Context(), c, path)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", c, err))
					continue
				}
				opts.log.Info().Str("collection", c.String()).Int64("rows", stats.Rows).Str("path", path).Msg("exported")
				results = append(results, stats)
			}
			if err := opts.print(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "export", "Directory for the Parquet files")
	return cmd
}

func newWorkerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the load activities on the configured Temporal task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd.Context())
			if err != nil {
				return err
			}
			return worker.Run(cmd.Context(), opts.cfg.Temporal, a.Orchestrator, opts.log.Logger)
		},
	}
}

func serverAddr(opts *options, addr string) string {
	if addr != "" {
		return addr
	}
	return opts.cfg.Server.GRPCAddr
}

func withClient(addr string, fn func(*gateway.LoaderClient) error) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	return fn(gateway.NewLoaderClient(conn))
}
