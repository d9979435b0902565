// Package notify delivers "you have a showing offer" signals to handlers. Delivery is
// fire-and-forget: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sink receives one notification per (handler, request) offer.
type Sink interface {
	Notify(ctx context.Context, handlerID, requestID string) error
}

// Notification is the wire shape shared by every transport.
type Notification struct {
	HandlerID string    `json:"handler_id"`
	RequestID string    `json:"request_id"`
	At        time.Time `json:"at"`
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, handlerID, requestID string) error

func (f Func) Notify(ctx context.Context, handlerID, requestID string) error {
	return f(ctx, handlerID, requestID)
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, handlerID, requestID string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, handlerID, requestID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink only records the offer. It is the fallback when no transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Notify(ctx context.Context, handlerID, requestID string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "handler notified", "handler_id", handlerID, "request_id", requestID)
	return nil
}
