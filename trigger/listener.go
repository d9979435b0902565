package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"showingflow/showing"
)

// Channel is the pg_notify channel written by the showing_requests_notify trigger.
const Channel = "showing_request_changes"

// Handler receives decoded change events. *escalation.Engine satisfies it.
type Handler interface {
	OnRequestCreated(ctx context.Context, requestID string) error
	OnStatusChanged(ctx context.Context, requestID string, prev, next showing.Status) error
}

// Change is the payload of a single notification.
type Change struct {
	Op           string         `json:"op"`
	ID           string         `json:"id"`
	RequesterID  string         `json:"requester_id"`
	BeforeStatus showing.Status `json:"before_status,omitempty"`
	AfterStatus  showing.Status `json:"after_status"`
	Version      int64          `json:"version"`
}

var ErrMalformedChange = errors.New("trigger: malformed change")

// Decode parses a notification payload.
func Decode(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if c.ID == "" || c.Op == "" {
		return Change{}, fmt.Errorf("%w: missing op or id", ErrMalformedChange)
	}
	return c, nil
}

// Dispatch routes one change to the handler. Updates that leave status untouched, which
// includes every patch the engine itself writes, are ignored.
func Dispatch(ctx context.Context, h Handler, c Change) error {
	switch c.Op {
	case "INSERT":
		return h.OnRequestCreated(ctx, c.ID)
	case "UPDATE":
		if c.BeforeStatus == c.AfterStatus {
			return nil
		}
		return h.OnStatusChanged(ctx, c.ID, c.BeforeStatus, c.AfterStatus)
	default:
		return nil
	}
}

// Listener holds one pooled connection in LISTEN mode and fans notifications out to the
// handler with bounded concurrency.
type Listener struct {
	pool        *pgxpool.Pool
	handler     Handler
	logger      *slog.Logger
	concurrency int
	backoff     time.Duration
	maxBackoff  time.Duration
}

func NewListener(pool *pgxpool.Pool, handler Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:        pool,
		handler:     handler,
		logger:      logger,
		concurrency: 8,
		backoff:     time.Second,
		maxBackoff:  30 * time.Second,
	}
}

func (l *Listener) WithConcurrency(n int) *Listener {
	if n > 0 {
		l.concurrency = n
	}
	return l
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff when the
// connection drops. Notifications sent while disconnected are lost; the Reconciler
// picks those requests up.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.backoff
	for {
		err := l.listen(ctx, func() { delay = l.backoff })
		if ctx.Err() != nil {
			l.logger.Info("change listener stopped")
			return ctx.Err()
		}
		l.logger.Warn("change listener disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.maxBackoff {
			delay = l.maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("trigger: acquire conn: %w", err)
	}
	// A listening connection never goes back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("trigger: listen: %w", err)
	}
	l.logger.Info("change listener started", "channel", Channel)
	connected()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	defer g.Wait()

	for {
		n, err := conn.WaitForNotification(gctx)
		if err != nil {
			return fmt.Errorf("trigger: wait: %w", err)
		}
		change, err := Decode(n.Payload)
		if err != nil {
			l.logger.Warn("dropping change notification", "payload", n.Payload, "error", err)
			continue
		}
		g.Go(func() error {
			if err := Dispatch(gctx, l.handler, change); err != nil {
				l.logger.Warn("change dispatch failed",
					"request_id", change.ID,
					"op", change.Op,
					"error", err)
			}
			return nil
		})
	}
}
