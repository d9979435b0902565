package showing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrInvalidInput = errors.New("showing: invalid input")
	// ErrAcceptForbidden is returned when a handler that was never offered a private request tries to take it.
	ErrAcceptForbidden = errors.New("showing: handler was not offered this request")
	ErrAlreadyAccepted = errors.New("showing: request already accepted by another handler")
	ErrNotAcceptor     = errors.New("showing: only the accepting handler can complete the request")
	ErrNotAccepted     = errors.New("showing: request is not accepted")
)

const (
	TopicAccepted  = "showing.accepted"
	TopicCompleted = "showing.completed"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Outbox stages a message inside the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, q pgx.Tx, topic string, payload any) error
}

// Lifecycle is the slice of Repository the service drives.
type Lifecycle interface {
	Get(ctx context.Context, id string) (Request, error)
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, id, handlerID string, at time.Time) (Request, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time, feedback *string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	Events(ctx context.Context, id string) ([]Event, error)
}

type Service struct {
	pool   TxBeginner
	repo   Lifecycle
	outbox Outbox
	now    func() time.Time
	newID  func() string
}

func NewService(pool TxBeginner, repo Lifecycle, outbox Outbox) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.newID = gen
	}
	return s
}

type CreateInput struct {
	RequesterID string
	Payload     Payload
}

// Create inserts a pending request. Escalation starts when the intake trigger observes the row.
func (s *Service) Create(ctx context.Context, in CreateInput) (Request, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.Payload.PropertyAddress = strings.TrimSpace(in.Payload.PropertyAddress)
	if in.RequesterID == "" {
		return Request{}, fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	if in.Payload.PropertyAddress == "" {
		return Request{}, fmt.Errorf("%w: property address required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("showing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Create(ctx, tx, Request{
		ID:          s.newID(),
		RequesterID: in.RequesterID,
		Payload:     in.Payload,
		Status:      StatusPending,
	})
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("showing: commit tx: %w", err)
	}
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

// Accept moves a pending request to accepted for handlerID. Replays by the same handler
// return the stored record unchanged.
func (s *Service) Accept(ctx context.Context, id, handlerID string) (Request, error) {
	if id == "" || handlerID == "" {
		return Request{}, fmt.Errorf("%w: request and handler required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("showing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}

	switch current.Status {
	case StatusAccepted, StatusCompleted:
		if current.AcceptedBy != nil && *current.AcceptedBy == handlerID {
			return current, nil
		}
		return Request{}, ErrAlreadyAccepted
	case StatusPending:
	default:
		return Request{}, fmt.Errorf("showing: unexpected status %q", current.Status)
	}

	if !current.IsPublic && !current.WasNotified(handlerID) {
		return Request{}, ErrAcceptForbidden
	}

	updated, err := s.repo.MarkAccepted(ctx, tx, id, handlerID, s.now().UTC())
	if err != nil {
		return Request{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":   updated.ID,
			"requester_id": updated.RequesterID,
			"accepted_by":  handlerID,
			"accepted_at":  updated.AcceptedAt,
			"was_public":   updated.IsPublic,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicAccepted, payload); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("showing: commit tx: %w", err)
	}
	return updated, nil
}

// Complete closes an accepted request. Only the acceptor may complete it.
func (s *Service) Complete(ctx context.Context, id, handlerID string, feedback string) (Request, error) {
	if id == "" || handlerID == "" {
		return Request{}, fmt.Errorf("%w: request and handler required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("showing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}

	if current.Status == StatusPending {
		return Request{}, ErrNotAccepted
	}
	if current.AcceptedBy == nil || *current.AcceptedBy != handlerID {
		return Request{}, ErrNotAcceptor
	}
	if current.Status == StatusCompleted {
		return current, nil
	}

	var fb *string
	if trimmed := strings.TrimSpace(feedback); trimmed != "" {
		fb = &trimmed
	}

	updated, err := s.repo.MarkCompleted(ctx, tx, id, s.now().UTC(), fb)
	if err != nil {
		return Request{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":   updated.ID,
			"requester_id": updated.RequesterID,
			"completed_by": handlerID,
			"completed_at": updated.CompletedAt,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicCompleted, payload); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("showing: commit tx: %w", err)
	}
	return updated, nil
}

// ListForHandler returns requests that were offered to handlerID at some point.
func (s *Service) ListForHandler(ctx context.Context, handlerID string, status Status, page, pageSize int) ([]Request, int, error) {
	if handlerID == "" {
		return nil, 0, fmt.Errorf("%w: handler required", ErrInvalidInput)
	}
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.repo.List(ctx, Filters{HandlerID: handlerID, Status: status, Page: page, PageSize: pageSize})
}

// ListPublic returns pending requests that fell back to the public pool.
func (s *Service) ListPublic(ctx context.Context, page, pageSize int) ([]Request, int, error) {
	return s.repo.List(ctx, Filters{OnlyPublic: true, Status: StatusPending, Page: page, PageSize: pageSize})
}
