package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/lap-ingest/internal/config"
)

// Registry is satisfied by a worker.Worker and by the SDK test environments.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the loader workflow and activities to r.
func Register(r Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(LoadWorkflow, workflow.RegisterOptions{Name: WorkflowLoad})
	r.RegisterActivityWithOptions(acts.LoadCollections, activity.RegisterOptions{Name: ActivityLoadCollections})
	r.RegisterActivityWithOptions(acts.Status, activity.RegisterOptions{Name: ActivityStatus})
}

// Run dials Temporal and serves the task queue until ctx is cancelled.
func Run(ctx context.Context, cfg config.TemporalConfig, loader Loader, log zerolog.Logger) error {
	log = log.With().Str("component", "worker").Logger()
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    temporalLogger{log: log},
	})
	if err != nil {
		return fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	Register(w, NewActivities(loader))
	log.Info().
		Str("address", cfg.HostPort).
		Str("namespace", cfg.Namespace).
		Str("queue", cfg.TaskQueue).
		Msg("starting temporal worker")

	stop := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	if err := w.Run(stop); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// temporalLogger adapts zerolog to the Temporal SDK logger.
type temporalLogger struct {
	log zerolog.Logger
}

func (l temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.log.Debug().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.log.Info().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.log.Warn().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.log.Error().Fields(keyvals).Msg(msg)
}
