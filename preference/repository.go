package preference

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCandidateNotFound  = errors.New("preference: candidate not found")
	ErrDuplicateCandidate = errors.New("preference: candidate already listed")
)

// Repository persists preference lists.
type Repository interface {
	Get(ctx context.Context, requesterID string) (List, error)
	Replace(ctx context.Context, list List) error
	AddCandidate(ctx context.Context, requesterID string, c Candidate) (Candidate, error)
	RemoveCandidate(ctx context.Context, requesterID, handlerID string) error
	UpdateDefaultTimeout(ctx context.Context, requesterID string, seconds int) error
	UpdateMaxEscalation(ctx context.Context, requesterID string, seconds int) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Get returns the stored list. A requester without preferences gets an empty list, not an error.
func (r *PGRepository) Get(ctx context.Context, requesterID string) (List, error) {
	list := List{RequesterID: requesterID, Candidates: []Candidate{}}

	const settingsSQL = `
		SELECT default_response_timeout_seconds, max_escalation_seconds
		FROM agent_preferences
		WHERE requester_id = $1
	`
	err := r.pool.QueryRow(ctx, settingsSQL, requesterID).Scan(&list.DefaultResponseTimeoutSeconds, &list.MaxEscalationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return list, nil
		}
		return List{}, fmt.Errorf("preference: query settings: %w", err)
	}

	const candidatesSQL = `
		SELECT handler_id, display_name, contact_ref, response_timeout_seconds, rank, position
		FROM preferred_agents
		WHERE requester_id = $1
		ORDER BY rank, position
	`
	rows, err := r.pool.Query(ctx, candidatesSQL, requesterID)
	if err != nil {
		return List{}, fmt.Errorf("preference: query candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.HandlerID, &c.DisplayName, &c.ContactRef, &c.ResponseTimeoutSeconds, &c.Rank, &c.Position); err != nil {
			return List{}, fmt.Errorf("preference: scan candidate: %w", err)
		}
		list.Candidates = append(list.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return List{}, fmt.Errorf("preference: iterate candidates: %w", err)
	}

	return list, nil
}

// Replace overwrites settings and candidates in one transaction.
func (r *PGRepository) Replace(ctx context.Context, list List) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("preference: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
		INSERT INTO agent_preferences (requester_id, default_response_timeout_seconds, max_escalation_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (requester_id) DO UPDATE
		SET default_response_timeout_seconds = EXCLUDED.default_response_timeout_seconds,
		    max_escalation_seconds = EXCLUDED.max_escalation_seconds,
		    updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, list.RequesterID, list.DefaultResponseTimeoutSeconds, list.MaxEscalationSeconds); err != nil {
		return fmt.Errorf("preference: upsert settings: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM preferred_agents WHERE requester_id = $1`, list.RequesterID); err != nil {
		return fmt.Errorf("preference: clear candidates: %w", err)
	}

	for _, c := range list.Candidates {
		if err := insertCandidate(ctx, tx, list.RequesterID, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("preference: commit tx: %w", err)
	}
	return nil
}

// AddCandidate appends c after the last stored position.
func (r *PGRepository) AddCandidate(ctx context.Context, requesterID string, c Candidate) (Candidate, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Candidate{}, fmt.Errorf("preference: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO agent_preferences (requester_id) VALUES ($1) ON CONFLICT DO NOTHING`, requesterID); err != nil {
		return Candidate{}, fmt.Errorf("preference: ensure settings: %w", err)
	}

	// Lock the settings row so concurrent appends get distinct positions.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM agent_preferences WHERE requester_id = $1 FOR UPDATE`, requesterID); err != nil {
		return Candidate{}, fmt.Errorf("preference: lock settings: %w", err)
	}

	const nextSQL = `SELECT COALESCE(MAX(position) + 1, 0) FROM preferred_agents WHERE requester_id = $1`
	if err := tx.QueryRow(ctx, nextSQL, requesterID).Scan(&c.Position); err != nil {
		return Candidate{}, fmt.Errorf("preference: next position: %w", err)
	}

	if err := insertCandidate(ctx, tx, requesterID, c); err != nil {
		return Candidate{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Candidate{}, fmt.Errorf("preference: commit tx: %w", err)
	}
	return c, nil
}

func (r *PGRepository) RemoveCandidate(ctx context.Context, requesterID, handlerID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM preferred_agents WHERE requester_id = $1 AND handler_id = $2`, requesterID, handlerID)
	if err != nil {
		return fmt.Errorf("preference: remove candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCandidateNotFound
	}
	return nil
}

func (r *PGRepository) UpdateDefaultTimeout(ctx context.Context, requesterID string, seconds int) error {
	const query = `
		INSERT INTO agent_preferences (requester_id, default_response_timeout_seconds)
		VALUES ($1, $2)
		ON CONFLICT (requester_id) DO UPDATE
		SET default_response_timeout_seconds = EXCLUDED.default_response_timeout_seconds,
		    updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, requesterID, seconds); err != nil {
		return fmt.Errorf("preference: update default timeout: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateMaxEscalation(ctx context.Context, requesterID string, seconds int) error {
	const query = `
		INSERT INTO agent_preferences (requester_id, max_escalation_seconds)
		VALUES ($1, $2)
		ON CONFLICT (requester_id) DO UPDATE
		SET max_escalation_seconds = EXCLUDED.max_escalation_seconds,
		    updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, requesterID, seconds); err != nil {
		return fmt.Errorf("preference: update max escalation: %w", err)
	}
	return nil
}

func insertCandidate(ctx context.Context, tx pgx.Tx, requesterID string, c Candidate) error {
	const query = `
		INSERT INTO preferred_agents (requester_id, handler_id, display_name, contact_ref, response_timeout_seconds, rank, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query, requesterID, c.HandlerID, c.DisplayName, c.ContactRef, c.ResponseTimeoutSeconds, c.Rank, c.Position)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCandidate
		}
		return fmt.Errorf("preference: insert candidate: %w", err)
	}
	return nil
}
