// Package notify delivers attendance codes and alerts to people.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Kind distinguishes the two outbound message types.
type Kind string

const (
	KindCode  Kind = "attendance_code"
	KindAlert Kind = "attendance_alert"
)

// Message is one e-mail-like notification.
type Message struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Gateway sends notifications. Callers never depend on delivery for
// correctness; errors are logged and counted.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// ErrNoRecipient is returned for messages without an address.
var ErrNoRecipient = errors.New("notify: message has no recipient")

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", msg.ID, "kind", msg.Kind, "to", msg.To, "subject", msg.Subject)
	return nil
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Message) error

func (f GatewayFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
