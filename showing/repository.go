package showing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("showing: not found")
	// ErrConflict means the guard of a conditional patch no longer held.
	ErrConflict   = errors.New("showing: record changed concurrently")
	ErrEmptyPatch = errors.New("showing: empty patch")
)

// Store is the conditional-update contract the escalation engine relies on.
type Store interface {
	Get(ctx context.Context, id string) (Request, error)
	CompareAndPatch(ctx context.Context, id string, expect Expect, patch Patch) (Request, error)
}

type Repository interface {
	Store
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, id, handlerID string, at time.Time) (Request, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time, feedback *string) (Request, error)
	Events(ctx context.Context, id string) ([]Event, error)
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]string, error)
}

const requestColumns = `id::text, requester_id, payload, status, current_candidate_index, assigned_handler_id,
       assigned_at, escalation_started_at, is_public, exhausted_at, notified_handlers, accepted_by, accepted_at,
       completed_at, feedback, version, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Request{}, fmt.Errorf("showing: marshal payload: %w", err)
	}

	query := `
		INSERT INTO showing_requests (id, requester_id, payload, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3::jsonb, $4)
		RETURNING ` + requestColumns

	return scanRequest(tx.QueryRow(ctx, query, req.ID, req.RequesterID, payload, req.Status))
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM showing_requests WHERE id = $1::uuid`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("showing: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM showing_requests WHERE id = $1::uuid FOR UPDATE`

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("showing: get for update: %w", err)
	}
	return req, nil
}

// CompareAndPatch applies patch only while expect still holds, in a single UPDATE. The
// optional escalation event is appended in the same transaction.
func (r *PGRepository) CompareAndPatch(ctx context.Context, id string, expect Expect, patch Patch) (Request, error) {
	query, args, err := buildPatch(id, expect, patch)
	if err != nil {
		return Request{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("showing: begin patch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := scanRequest(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("showing: patch: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM showing_requests WHERE id = $1::uuid)`, id).Scan(&exists); err != nil {
			return Request{}, fmt.Errorf("showing: check existence: %w", err)
		}
		if !exists {
			return Request{}, ErrNotFound
		}
		return Request{}, ErrConflict
	}

	if patch.Event != nil {
		if err := insertEvent(ctx, tx, updated.ID, *patch.Event); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("showing: commit patch: %w", err)
	}
	return updated, nil
}

func buildPatch(id string, expect Expect, patch Patch) (string, []any, error) {
	if expect.Status == "" {
		return "", nil, fmt.Errorf("showing: patch requires an expected status")
	}

	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := make([]string, 0, 6)
	if patch.CandidateIndex != nil {
		sets = append(sets, "current_candidate_index = "+next(*patch.CandidateIndex)+"::int")
	}
	if patch.AssignedHandlerID != nil {
		sets = append(sets, "assigned_handler_id = "+next(*patch.AssignedHandlerID))
	}
	if patch.AssignedAt != nil {
		sets = append(sets, "assigned_at = "+next(*patch.AssignedAt)+"::timestamptz")
	}
	if patch.EscalationStartedAt != nil {
		sets = append(sets, "escalation_started_at = COALESCE(escalation_started_at, "+next(*patch.EscalationStartedAt)+"::timestamptz)")
	}
	if patch.IsPublic != nil {
		sets = append(sets, "is_public = "+next(*patch.IsPublic))
	}
	if patch.Exhausted != nil {
		if *patch.Exhausted {
			sets = append(sets, "exhausted_at = COALESCE(exhausted_at, now())")
		} else {
			sets = append(sets, "exhausted_at = NULL")
		}
	}
	if len(patch.AddNotified) > 0 {
		sets = append(sets, `notified_handlers = ARRAY(
			SELECT h FROM unnest(notified_handlers || `+next(patch.AddNotified)+`::text[]) WITH ORDINALITY AS t(h, ord)
			GROUP BY h ORDER BY min(ord))`)
	}
	if len(sets) == 0 {
		return "", nil, ErrEmptyPatch
	}

	where := []string{"id = $1::uuid", "status = " + next(expect.Status)}
	if expect.IsPublic != nil {
		where = append(where, "is_public = "+next(*expect.IsPublic))
	}
	if expect.IndexSet {
		where = append(where, "current_candidate_index IS NOT DISTINCT FROM "+next(expect.CandidateIndex)+"::int")
	}
	if expect.NotStarted {
		where = append(where, "escalation_started_at IS NULL")
	}

	query := fmt.Sprintf(`UPDATE showing_requests SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(where, " AND "), requestColumns)
	return query, args, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, requestID string, ev Event) error {
	const q = `
		INSERT INTO showing_events (request_id, seq, type, from_handler, to_handler, candidate_index, is_public)
		SELECT $1::uuid, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM showing_events
		WHERE request_id = $1::uuid
	`
	if _, err := tx.Exec(ctx, q, requestID, ev.Type, ev.FromHandler, ev.ToHandler, ev.CandidateIndex, ev.IsPublic); err != nil {
		return fmt.Errorf("showing: insert event: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, id, handlerID string, at time.Time) (Request, error) {
	query := `
		UPDATE showing_requests
		SET status = 'accepted',
		    accepted_by = $2,
		    accepted_at = $3
		WHERE id = $1::uuid AND status = 'pending'
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, handlerID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrConflict
		}
		return Request{}, fmt.Errorf("showing: mark accepted: %w", err)
	}
	return req, nil
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time, feedback *string) (Request, error) {
	query := `
		UPDATE showing_requests
		SET status = 'completed',
		    completed_at = $2,
		    feedback = COALESCE($3, feedback)
		WHERE id = $1::uuid AND status = 'accepted'
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, at, feedback))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrConflict
		}
		return Request{}, fmt.Errorf("showing: mark completed: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.HandlerID != "" {
		args = append(args, filters.HandlerID)
		where = append(where, fmt.Sprintf("$%d = ANY(notified_handlers)", len(args)))
	}
	if filters.OnlyPublic {
		where = append(where, "is_public")
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM showing_requests%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		requestColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("showing: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("showing: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("showing: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM showing_requests"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("showing: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Events(ctx context.Context, id string) ([]Event, error) {
	const query = `
		SELECT id, request_id::text, seq, type, from_handler, to_handler, candidate_index, is_public, created_at
		FROM showing_events
		WHERE request_id = $1::uuid
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("showing: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Seq, &ev.Type, &ev.FromHandler, &ev.ToHandler,
			&ev.CandidateIndex, &ev.IsPublic, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("showing: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("showing: iterate events: %w", err)
	}
	return out, nil
}

// ListStalled returns pending requests untouched since updatedBefore, oldest first. It
// covers records whose intake notification was lost as well as those whose timer was.
// Requests with a scheduled timer belong to the timer worker and exhausted public requests
// need no further work, so neither is returned.
func (r *PGRepository) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT r.id::text
		FROM showing_requests r
		WHERE r.status = 'pending'
		  AND r.exhausted_at IS NULL
		  AND r.updated_at < $1
		  AND NOT EXISTS (SELECT 1 FROM escalation_timers t WHERE t.request_id = r.id)
		ORDER BY r.updated_at, r.id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("showing: list stalled: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("showing: scan stalled: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("showing: iterate stalled: %w", err)
	}
	return ids, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req     Request
		payload []byte
	)
	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&payload,
		&req.Status,
		&req.CurrentCandidateIndex,
		&req.AssignedHandlerID,
		&req.AssignedAt,
		&req.EscalationStartedAt,
		&req.IsPublic,
		&req.ExhaustedAt,
		&req.NotifiedHandlers,
		&req.AcceptedBy,
		&req.AcceptedAt,
		&req.CompletedAt,
		&req.Feedback,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return Request{}, fmt.Errorf("showing: decode payload: %w", err)
		}
	}
	return req, nil
}
