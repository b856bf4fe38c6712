package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"campusattend/internal/app"
	"campusattend/internal/attendance"
	"campusattend/internal/config"
	"campusattend/internal/jobs"
	"campusattend/internal/notify"
	"campusattend/internal/store"
)

// Worker runs the late-alert sweep, close-of-day reconciliation and
// retention on cron schedules, and drains the notification outbox.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if w, ok := a.Delivery.(*notify.Webhook); ok {
		if err := w.Health(ctx); err != nil {
			logger.Warn("notification webhook not reachable, deliveries will retry", "error", err)
		}
	}

	var locker jobs.Locker
	if a.Redis != nil {
		host, _ := os.Hostname()
		locker = store.NewRedisLocker(a.Redis.Client, fmt.Sprintf("%s-%s", host, uuid.NewString()))
	}
	sched := jobs.New(cfg.Location, locker, logger.With("component", "jobs"))
	if err := register(sched, a, cfg); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Queue != nil {
		d := &notify.Deliverer{
			Queue:       a.Queue,
			Gateway:     a.Delivery,
			MaxAttempts: cfg.NotifyMaxAttempts,
			Timeout:     cfg.NotifyTimeout,
			Backoff:     2 * time.Second,
			Logger:      logger.With("component", "deliverer"),
		}
		g.Go(func() error {
			if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	sched.Start()
	logger.Info("worker started", "sweep", cfg.SweepSchedule, "close_day", cfg.CloseDaySchedule,
		"retention", cfg.RetentionSchedule)

	<-gctx.Done()
	logger.Info("shutdown signal received")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("jobs did not finish before shutdown", "error", err)
	}
	return g.Wait()
}

func register(s *jobs.Scheduler, a *app.App, cfg config.App) error {
	if err := s.Add("late-alert-sweep", cfg.SweepSchedule, 2*time.Minute, func(ctx context.Context) error {
		_, err := a.Sweeper.RunOnce(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := s.Add("close-day", cfg.CloseDaySchedule, 20*time.Minute, func(ctx context.Context) error {
		res, err := a.Engine.CloseDay(ctx, attendance.DateOf(a.Clock.Now()))
		if err != nil {
			return err
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("close day: %d subjects failed", len(res.Failures))
		}
		return nil
	}); err != nil {
		return err
	}

	return s.Add("retention", cfg.RetentionSchedule, 10*time.Minute, func(ctx context.Context) error {
		if cfg.RetentionDays <= 0 {
			return nil
		}
		cutoff := attendance.DateOf(a.Clock.Now().AddDate(0, 0, -cfg.RetentionDays))
		n, err := a.Store.PurgeMorningMarks(ctx, cutoff)
		if err != nil {
			return err
		}
		a.Logger.Info("morning marks purged", "before", cutoff, "rows", n)
		return nil
	})
}
