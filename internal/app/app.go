// Package app assembles the engine's components from configuration. Both
// binaries build the same graph; the worker additionally runs schedules.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"campusattend/internal/alerts"
	"campusattend/internal/attendance"
	"campusattend/internal/codes"
	"campusattend/internal/config"
	"campusattend/internal/intake"
	"campusattend/internal/notify"
	"campusattend/internal/queue"
	"campusattend/internal/reconcile"
	"campusattend/internal/scan"
	"campusattend/internal/staging"
	"campusattend/internal/store"
)

const queueKey = "attendance:notifications"

// App is the wired component graph.
type App struct {
	Config config.App
	Logger *slog.Logger
	Clock  attendance.Clock

	DB    *store.DB // nil with the memory backend
	Redis *store.Redis
	Store attendance.Store
	Queue queue.Queue // nil when notifications are sent directly

	// Notifier is what components send through; Delivery is the real
	// transport the outbox worker drains into.
	Notifier notify.Gateway
	Delivery notify.Gateway

	Codes   *codes.Manager
	Engine  *reconcile.Engine
	Sweeper *alerts.Sweeper
	Scans   *scan.Service
}

// NewLogger returns a JSON logger in production and a text logger otherwise.
func NewLogger(cfg config.App) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if !cfg.Production() {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// New connects to the configured backends and wires every component.
func New(ctx context.Context, cfg config.App, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  attendance.SystemClock{Loc: cfg.Location},
	}

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		a.Store = store.NewMemory()
	case "postgres", "":
		db, err := store.NewDB(ctx, cfg.DatabaseURL, 20)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Store = store.NewPostgres(db.Client)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	delivery, err := newDelivery(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Delivery = delivery

	switch cfg.QueueBackend {
	case "memory":
		a.Notifier = delivery
	case "redis", "":
		a.Redis = store.NewRedis(cfg.RedisAddr)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, queueKey, logger)
		a.Notifier = notify.NewOutbox(a.Queue)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	ids := attendance.RandomIDs{}
	a.Codes = codes.NewManager(a.Store, a.Notifier, cfg.Rules,
		codes.WithClock(a.Clock),
		codes.WithLogger(logger.With("component", "codes")),
		codes.WithNotifyTimeout(cfg.NotifyTimeout),
	)
	a.Sweeper = alerts.NewSweeper(a.Store, a.Notifier, alerts.Config{
		Rules:         cfg.Rules,
		Clock:         a.Clock,
		IDs:           ids,
		Logger:        logger.With("component", "alerts"),
		AdminEmail:    cfg.AdminEmail,
		Concurrency:   cfg.SweepConcurrency,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	a.Engine = reconcile.NewEngine(a.Store, reconcile.Config{
		Rules:    cfg.Rules,
		IDs:      ids,
		Clock:    a.Clock,
		Reviewer: a.Sweeper,
		Logger:   logger.With("component", "reconcile"),
	})
	a.Scans = scan.NewService(
		intake.NewNormalizer(a.Store, cfg.Rules, cfg.Location),
		staging.NewRecorder(a.Store, cfg.Rules, ids),
		a.Codes,
		a.Engine,
		logger.With("component", "scan"),
	)
	return a, nil
}

func newDelivery(cfg config.App, logger *slog.Logger) (notify.Gateway, error) {
	switch cfg.NotifyBackend {
	case "log", "":
		return notify.LogSender{Logger: logger.With("component", "notify")}, nil
	case "webhook":
		if cfg.WebhookURL == "" && !cfg.WebhookSkip {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL required for webhook notifications")
		}
		return notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookSkip), nil
	case "smtp":
		return notify.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom), nil
	default:
		return nil, fmt.Errorf("unknown NOTIFY_BACKEND %q", cfg.NotifyBackend)
	}
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
