package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGScheduler stores timers in escalation_timers so they survive restarts and can be
// consumed by any replica.
type PGScheduler struct {
	pool  *pgxpool.Pool
	clock Clock
}

func NewPGScheduler(pool *pgxpool.Pool, clock Clock) *PGScheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &PGScheduler{pool: pool, clock: clock}
}

func (s *PGScheduler) Schedule(ctx context.Context, t Timer, delay time.Duration) error {
	const query = `
		INSERT INTO escalation_timers (request_id, mode, idx, fire_at)
		VALUES ($1::uuid, $2, $3, $4)
		ON CONFLICT (request_id, mode, idx) DO NOTHING
	`
	fireAt := s.clock.Now().Add(delay).UTC()
	if _, err := s.pool.Exec(ctx, query, t.RequestID, string(t.Mode), t.Index, fireAt); err != nil {
		return fmt.Errorf("escalation: insert timer: %w", err)
	}
	return nil
}

func (s *PGScheduler) Cancel(ctx context.Context, requestID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM escalation_timers WHERE request_id = $1::uuid`, requestID); err != nil {
		return fmt.Errorf("escalation: delete timers: %w", err)
	}
	return nil
}

// TimerWorker polls due timers with SKIP LOCKED and hands them to the engine. A failed
// delivery stays in the table with a backoff, which gives at-least-once semantics.
type TimerWorker struct {
	pool      *pgxpool.Pool
	handler   TimerHandler
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

func NewTimerWorker(pool *pgxpool.Pool, handler TimerHandler, logger *slog.Logger) *TimerWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerWorker{
		pool:      pool,
		handler:   handler,
		logger:    logger,
		interval:  time.Second,
		batchSize: 20,
		backoff:   5 * time.Second,
	}
}

func (w *TimerWorker) WithInterval(d time.Duration) *TimerWorker {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *TimerWorker) WithBackoff(d time.Duration) *TimerWorker {
	if d > 0 {
		w.backoff = d
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *TimerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("timer worker started", "interval", w.interval)
	for {
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("timer poll failed", "error", err)
				}
				break
			}
			if n < w.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info("timer worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type dueTimer struct {
	timer    Timer
	attempts int
}

// RunOnce delivers one batch of due timers and returns how many it claimed.
func (w *TimerWorker) RunOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escalation: begin timer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	due, err := claimDue(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for _, d := range due {
		if err := w.handler(ctx, d.timer); err != nil {
			w.logger.Warn("timer delivery failed, will retry",
				"request_id", d.timer.RequestID,
				"mode", d.timer.Mode,
				"index", d.timer.Index,
				"attempts", d.attempts+1,
				"error", err)
			const retrySQL = `
				UPDATE escalation_timers
				SET attempts = attempts + 1,
				    last_error = $4,
				    fire_at = now() + make_interval(secs => $5)
				WHERE request_id = $1::uuid AND mode = $2 AND idx = $3
			`
			backoff := w.backoff.Seconds() * float64(d.attempts+1)
			if _, err := tx.Exec(ctx, retrySQL, d.timer.RequestID, string(d.timer.Mode), d.timer.Index, err.Error(), backoff); err != nil {
				return 0, fmt.Errorf("escalation: reschedule timer: %w", err)
			}
			continue
		}
		const deleteSQL = `DELETE FROM escalation_timers WHERE request_id = $1::uuid AND mode = $2 AND idx = $3`
		if _, err := tx.Exec(ctx, deleteSQL, d.timer.RequestID, string(d.timer.Mode), d.timer.Index); err != nil {
			return 0, fmt.Errorf("escalation: delete fired timer: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escalation: commit timer tx: %w", err)
	}
	return len(due), nil
}

func claimDue(ctx context.Context, tx pgx.Tx, limit int) ([]dueTimer, error) {
	const query = `
		SELECT request_id::text, mode, idx, attempts
		FROM escalation_timers
		WHERE fire_at <= now()
		ORDER BY fire_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("escalation: claim timers: %w", err)
	}
	defer rows.Close()

	out := make([]dueTimer, 0, limit)
	for rows.Next() {
		var (
			d    dueTimer
			mode string
		)
		if err := rows.Scan(&d.timer.RequestID, &mode, &d.timer.Index, &d.attempts); err != nil {
			return nil, fmt.Errorf("escalation: scan timer: %w", err)
		}
		d.timer.Mode = Mode(mode)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escalation: iterate timers: %w", err)
	}
	return out, nil
}
