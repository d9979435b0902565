package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Lister finds pending requests that have not been touched since the given instant.
// *showing.PGRepository satisfies it.
type Lister interface {
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]string, error)
}

// Starter is the part of the engine the reconciler redelivers to.
type Starter interface {
	OnRequestCreated(ctx context.Context, requestID string) error
}

// Reconciler redelivers the intake trigger for pending requests that have gone quiet for
// longer than the grace period. That covers lost NOTIFY messages and lost timers alike,
// since OnRequestCreated re-arms an escalation that already started.
type Reconciler struct {
	lister    Lister
	starter   Starter
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration
	grace     time.Duration
	batchSize int
}

func NewReconciler(lister Lister, starter Starter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		lister:    lister,
		starter:   starter,
		logger:    logger,
		now:       time.Now,
		interval:  time.Minute,
		grace:     10 * time.Minute,
		batchSize: 100,
	}
}

func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithGrace sets how long a pending request may sit untouched before it is swept. It should
// exceed the longest expected response timeout, or healthy requests get re-armed early.
func (r *Reconciler) WithGrace(d time.Duration) *Reconciler {
	if d > 0 {
		r.grace = d
	}
	return r
}

func (r *Reconciler) WithNow(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "grace", r.grace)
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reconcile sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass and returns how many requests were redelivered successfully.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	ids, err := r.lister.ListStalled(ctx, r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("trigger: list stalled: %w", err)
	}
	delivered := 0
	for _, id := range ids {
		if err := r.starter.OnRequestCreated(ctx, id); err != nil {
			r.logger.Warn("reconcile redelivery failed", "request_id", id, "error", err)
			continue
		}
		delivered++
	}
	if len(ids) > 0 {
		r.logger.Info("reconciled stalled requests", "found", len(ids), "delivered", delivered)
	}
	return delivered, nil
}
