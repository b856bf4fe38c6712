// Package jobs runs the worker's periodic tasks on cron schedules. Each run
// holds a cluster-wide lease so that only one worker instance executes a
// given job per tick.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campusattend/internal/metrics"
)

// Locker hands out leases. A nil release means the lease was not taken.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

// Func is one unit of scheduled work.
type Func func(ctx context.Context) error

type job struct {
	name    string
	timeout time.Duration
	fn      Func
}

// Scheduler wraps a cron runner. Overlapping ticks of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]job
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Scheduler evaluating specs in loc. locker may be nil for a
// single-instance deployment.
func New(loc *time.Location, locker Locker, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{log: logger}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker: locker,
		log:    logger,
		jobs:   map[string]job{},
		ctx:    ctx,
		stop:   stop,
	}
}

// Add registers fn under name on a standard five-field cron spec. An empty
// spec leaves the job registered for Run but unscheduled.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("jobs: name and func required")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s.mu.Lock()
	if _, dup := s.jobs[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("jobs: %q already registered", name)
	}
	s.jobs[name] = job{name: name, timeout: timeout, fn: fn}
	s.mu.Unlock()

	if spec == "" {
		s.log.Info("job registered without schedule", "job", name)
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { _ = s.Run(s.ctx, name) }); err != nil {
		return fmt.Errorf("jobs: schedule %q (%s): %w", name, spec, err)
	}
	s.log.Info("job scheduled", "job", name, "spec", spec, "timeout", timeout)
	return nil
}

// Run executes the named job once, under its lease when a Locker is set.
// Losing the lease is not an error.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("jobs: unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "attendance:job:"+name, j.timeout)
		if err != nil {
			metrics.JobRuns.WithLabelValues(name, "lock_error").Inc()
			s.log.Error("job lease failed", "job", name, "error", err)
			return err
		}
		if !acquired {
			metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
			s.log.Debug("job held by another instance", "job", name)
			return nil
		}
		defer release()
	}

	started := time.Now()
	err := j.fn(ctx)
	metrics.JobRuns.WithLabelValues(name, metrics.Result(err)).Inc()
	if err != nil {
		s.log.Error("job failed", "job", name, "duration", time.Since(started), "error", err)
		return err
	}
	s.log.Debug("job finished", "job", name, "duration", time.Since(started))
	return nil
}

// Start begins firing scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
