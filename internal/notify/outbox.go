package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"campusattend/internal/metrics"
	"campusattend/internal/queue"
)

const messageType = "notification"

// Outbox is a Gateway that enqueues messages for the worker to deliver, so
// request handlers never wait on the mail relay.
type Outbox struct {
	q queue.Queue
}

// NewOutbox wraps q.
func NewOutbox(q queue.Queue) *Outbox {
	return &Outbox{q: q}
}

func (o *Outbox) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return o.q.Publish(ctx, queue.Message{ID: msg.ID, Type: messageType, Body: body})
}

// Deliverer drains the outbox into a real Gateway. Failed messages are
// re-published until MaxAttempts deliveries have been tried.
type Deliverer struct {
	Queue       queue.Queue
	Gateway     Gateway
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
	Logger      *slog.Logger
}

// Run consumes until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	messages, err := d.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume outbox: %w", err)
	}
	for qm := range messages {
		if qm.Type != messageType {
			d.Logger.Warn("skipping unknown queue message", "type", qm.Type, "id", qm.ID)
			continue
		}
		d.handle(ctx, qm)
	}
	return ctx.Err()
}

func (d *Deliverer) handle(ctx context.Context, qm queue.Message) {
	var msg Message
	if err := json.Unmarshal(qm.Body, &msg); err != nil {
		d.Logger.Error("dropping malformed notification", "id", qm.ID, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	err := d.Gateway.Send(sendCtx, msg)
	cancel()
	metrics.Notifications.WithLabelValues(string(msg.Kind), metrics.Result(err)).Inc()
	if err == nil {
		d.Logger.Info("notification delivered", "id", msg.ID, "kind", msg.Kind, "to", msg.To)
		return
	}

	qm.Attempts++
	if qm.Attempts >= d.MaxAttempts {
		d.Logger.Error("notification abandoned", "id", msg.ID, "kind", msg.Kind, "to", msg.To,
			"attempts", qm.Attempts, "error", err)
		return
	}
	d.Logger.Warn("notification failed, requeueing", "id", msg.ID, "attempts", qm.Attempts, "error", err)
	if d.Backoff > 0 {
		select {
		case <-time.After(d.Backoff * time.Duration(qm.Attempts)):
		case <-ctx.Done():
			return
		}
	}
	if err := d.Queue.Publish(ctx, qm); err != nil {
		d.Logger.Error("requeue notification failed", "id", msg.ID, "error", err)
	}
}
