// Package scheduler triggers periodic full reloads on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
)

// Loader is the part of the orchestrator the scheduler drives.
type Loader interface {
	LoadCollections(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
}

// Parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as "@hourly" or "@every 10m".
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler reloads every collection each time its schedule fires. A run
// that is still going when the next one is due causes that one to be skipped.
type Scheduler struct {
	spec   string
	loader Loader
	log    zerolog.Logger

	cron  *cron.Cron
	job   cron.Job
	entry cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New validates spec and prepares a scheduler. Call Start to begin.
func New(spec string, loader Loader, log zerolog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, collection.InvalidArgument(errors.New("refresh cron expression is empty"))
	}
	if _, err := Parser.Parse(spec); err != nil {
		return nil, collection.InvalidArgument(fmt.Errorf("refresh cron %q: %w", spec, err))
	}
	log = log.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		spec:   spec,
		loader: loader,
		log:    log,
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		_, _ = s.RunOnce(s.ctx)
	}))
	return s, nil
}

// Start registers the refresh job and starts the cron runner.
func (s *Scheduler) Start() error {
	id, err := s.cron.AddJob(s.spec, s.job)
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.log.Info().Str("cron", s.spec).Time("next", s.cron.Entry(id).Next).Msg("refresh scheduled")
	return nil
}

// Stop halts the schedule, cancels a running refresh, and waits for it to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	var done context.Context
	s.once.Do(func() {
		s.cancel()
		done = s.cron.Stop()
	})
	if done == nil {
		return nil
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries exposes the cron entries, mainly for status output.
func (s *Scheduler) Entries() []cron.Entry { return s.cron.Entries() }

// RunOnce performs one full reload immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (*orchestrator.Report, error) {
	report, err := s.loader.LoadCollections(ctx, orchestrator.Request{
		ReloadData:  true,
		Collections: collection.NewSet(),
	})
	event := s.log.Info()
	if err != nil {
		event = s.log.Error().Err(err)
	}
	if report != nil {
		event = event.Str("run_id", report.RunID).
			Int("loaded", len(report.Loaded)).
			Int("failed", len(report.Failed))
	}
	event.Str("op", "refresh").Msg("scheduled refresh finished")
	return report, err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
