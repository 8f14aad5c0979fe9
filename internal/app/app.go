// Package app wires configuration into a running loader: the temporary store,
// the orchestrator and the optional network surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/lap-ingest/internal/api"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/connector/minio"
	"github.com/nucleus/lap-ingest/internal/gateway"
	"github.com/nucleus/lap-ingest/internal/handler"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
	"github.com/nucleus/lap-ingest/internal/scheduler"
	"github.com/nucleus/lap-ingest/pkg/staging"

	// Register built-in handlers.
	_ "github.com/nucleus/lap-ingest/pkg/connector"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired components.
type App struct {
	Config       *config.Config
	Log          zerolog.Logger
	Store        staging.Store
	Orchestrator *orchestrator.Orchestrator
}

// New builds the store and orchestrator described by cfg.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	store, err := NewStore(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	bindings, err := orchestrator.BindingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Registry:           handler.DefaultRegistry(),
		Store:              store,
		Bindings:           bindings,
		Logger:             log,
		MaxParallelSources: cfg.Orchestrator.MaxParallelSources,
		HandlerTimeout:     cfg.Orchestrator.HandlerTimeout,
		BatchSize:          cfg.Staging.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("store", store.ID()).
		Int("sources", len(bindings)).
		Msg("loader ready")
	return &App{Config: cfg, Log: log, Store: store, Orchestrator: orch}, nil
}

// NewStore builds the configured temporary store. Only the selected provider
// is constructed.
func NewStore(ctx context.Context, cfg config.StagingConfig) (staging.Store, error) {
	registry := staging.NewRegistry()
	switch cfg.Provider {
	case "", staging.ProviderMemory:
		registry.Register(staging.NewMemoryStore(cfg.MemoryCapBytes))
	case staging.ProviderObjectStore:
		registry.Register(staging.NewObjectStore(cfg.ObjectRoot))
	case staging.ProviderMinIO:
		mcfg, err := minio.ParseConfig(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := mcfg.Validate(); err != nil {
			return nil, err
		}
		store, err := minio.NewStagingStore(ctx, mcfg, nil)
		if err != nil {
			return nil, err
		}
		registry.Register(store)
	}
	return registry.Select(cfg.Provider)
}

// Serve runs the gRPC server, the REST API and, when configured, the refresh
// scheduler until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.Config.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.Config.Server.GRPCAddr, err)
	}
	grpcSrv := gateway.NewServer(a.Orchestrator, a.Log)
	httpSrv := &http.Server{
		Addr:              a.Config.Server.HTTPAddr,
		Handler:           api.NewRouter(a.Orchestrator, a.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *scheduler.Scheduler
	if a.Config.Schedule.RefreshCron != "" {
		sched, err = scheduler.New(a.Config.Schedule.RefreshCron, a.Orchestrator, a.Log)
		if err != nil {
			_ = grpcLis.Close()
			return err
		}
		if err := sched.Start(); err != nil {
			_ = grpcLis.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info().Str("addr", a.Config.Server.GRPCAddr).Msg("grpc listening")
		return grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		a.Log.Info().Str("addr", a.Config.Server.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sched != nil {
			_ = sched.Stop(shutdownCtx)
		}
		grpcSrv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
