package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/announce"
	"github.com/stake-plus/govsignal/src/config"
	"github.com/stake-plus/govsignal/src/gate"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/scanner"
	"github.com/stake-plus/govsignal/src/scheduler"
)

// Jobs are the periodic components. A nil job is not scheduled.
type Jobs struct {
	Scanner   *scanner.Scanner
	Scheduler *scheduler.Scheduler
	Gate      *gate.Gate
	Announcer *announce.Announcer
}

// Runner schedules the jobs on one cron. Each job is skipped while its
// previous run is still going; different jobs may overlap and rely on the
// store's per-record serialization.
type Runner struct {
	jobs      Jobs
	intervals config.SchedulerConfig
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func New(jobs Jobs, intervals config.SchedulerConfig, m *metrics.Metrics) *Runner {
	return &Runner{
		jobs:      jobs,
		intervals: intervals,
		metrics:   m,
		log:       logging.For("runner"),
		now:       time.Now,
	}
}

// Name implements core.Module.
func (r *Runner) Name() string { return "runner" }

// Start runs one announce and scheduler pass to pick up work left by a
// previous process, then starts the cron.
func (r *Runner) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("runner already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	c := cron.New(
		cron.WithLogger(cronLogger{r.log}),
		cron.WithChain(cron.Recover(cronLogger{r.log}), cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	schedule := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
		on    bool
	}{
		{"scan", r.intervals.ScanInterval, r.Scan, r.jobs.Scanner != nil},
		{"tick", r.intervals.TickInterval, r.Tick, r.jobs.Scheduler != nil || r.jobs.Announcer != nil},
		{"gate", r.intervals.GateInterval, r.Gate, r.jobs.Gate != nil},
	}
	for _, job := range schedule {
		if !job.on || job.every <= 0 {
			continue
		}
		run := job.run
		name := job.name
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", job.every), func() {
			if err := run(r.ctx); err != nil {
				logging.Err(r.log.With().Str("job", name).Logger(), err, "job failed")
			}
		}); err != nil {
			r.cancel()
			return fmt.Errorf("scheduling %s: %w", name, err)
		}
	}

	if err := r.Tick(r.ctx); err != nil {
		logging.Err(r.log, err, "startup tick failed")
	}
	c.Start()
	r.cron = c
	r.log.Info().Dur("scan", r.intervals.ScanInterval).Dur("tick", r.intervals.TickInterval).
		Dur("gate", r.intervals.GateInterval).Msg("jobs scheduled")
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	r.cancel()
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.log.Warn().Msg("jobs still running at shutdown")
	}
	r.cron = nil
}

// Scan discovers new proposals, refreshes on-chain states and announces the
// new polls.
func (r *Runner) Scan(ctx context.Context) error {
	if r.jobs.Scanner == nil {
		return nil
	}
	if _, err := r.jobs.Scanner.RunOnce(ctx); err != nil {
		return err
	}
	if _, err := r.jobs.Scanner.RefreshStates(ctx); err != nil {
		logging.Err(r.log, err, "state refresh failed")
	}
	return r.announce(ctx)
}

// Tick announces pending polls and closes due ones.
func (r *Runner) Tick(ctx context.Context) error {
	if err := r.announce(ctx); err != nil {
		logging.Err(r.log, err, "announce failed")
	}
	if r.jobs.Scheduler == nil {
		return nil
	}
	started := time.Now()
	defer r.metrics.ObserveJob("tick", started)
	rep, err := r.jobs.Scheduler.Tick(ctx, r.now())
	if err != nil {
		return err
	}
	if rep.Closed+rep.Exported+rep.Failed > 0 {
		r.log.Info().Int("closed", rep.Closed).Int("exported", rep.Exported).Int("failed", rep.Failed).Msg("tick")
	}
	return nil
}

// Gate runs one submission pass.
func (r *Runner) Gate(ctx context.Context) error {
	if r.jobs.Gate == nil {
		return nil
	}
	started := time.Now()
	defer r.metrics.ObserveJob("gate", started)
	rep, err := r.jobs.Gate.Run(ctx)
	if err != nil {
		return err
	}
	r.log.Debug().Interface("report", rep).Msg("gate run")
	return nil
}

func (r *Runner) announce(ctx context.Context) error {
	if r.jobs.Announcer == nil {
		return nil
	}
	_, err := r.jobs.Announcer.AnnouncePending(ctx)
	return err
}

// cronLogger adapts zerolog to cron's logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
