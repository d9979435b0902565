package preference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidInput = errors.New("preference: invalid input")

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetCandidates returns the requester's list ordered by rank, ties kept in list position order.
func (s *Service) GetCandidates(ctx context.Context, requesterID string) (List, error) {
	if strings.TrimSpace(requesterID) == "" {
		return List{}, fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	list, err := s.repo.Get(ctx, requesterID)
	if err != nil {
		return List{}, err
	}
	sortCandidates(list.Candidates)
	return list, nil
}

// Set replaces the whole list. Positions follow the order of list.Candidates.
func (s *Service) Set(ctx context.Context, list List) (List, error) {
	list.RequesterID = strings.TrimSpace(list.RequesterID)
	if list.RequesterID == "" {
		return List{}, fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	if list.DefaultResponseTimeoutSeconds < 0 || list.MaxEscalationSeconds < 0 {
		return List{}, fmt.Errorf("%w: durations must be non-negative", ErrInvalidInput)
	}

	seen := make(map[string]struct{}, len(list.Candidates))
	for i := range list.Candidates {
		c := &list.Candidates[i]
		c.HandlerID = strings.TrimSpace(c.HandlerID)
		if err := validateCandidate(*c); err != nil {
			return List{}, err
		}
		if _, dup := seen[c.HandlerID]; dup {
			return List{}, fmt.Errorf("%w: %s", ErrDuplicateCandidate, c.HandlerID)
		}
		seen[c.HandlerID] = struct{}{}
		c.Position = i
	}

	if err := s.repo.Replace(ctx, list); err != nil {
		return List{}, err
	}
	sortCandidates(list.Candidates)
	return list, nil
}

func (s *Service) AddCandidate(ctx context.Context, requesterID string, c Candidate) (Candidate, error) {
	if strings.TrimSpace(requesterID) == "" {
		return Candidate{}, fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	c.HandlerID = strings.TrimSpace(c.HandlerID)
	if err := validateCandidate(c); err != nil {
		return Candidate{}, err
	}
	return s.repo.AddCandidate(ctx, requesterID, c)
}

func (s *Service) RemoveCandidate(ctx context.Context, requesterID, handlerID string) error {
	if requesterID == "" || handlerID == "" {
		return fmt.Errorf("%w: requester and handler required", ErrInvalidInput)
	}
	return s.repo.RemoveCandidate(ctx, requesterID, handlerID)
}

func (s *Service) UpdateResponseTimeout(ctx context.Context, requesterID string, seconds int) error {
	if requesterID == "" {
		return fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	if seconds < 0 {
		return fmt.Errorf("%w: timeout must be non-negative", ErrInvalidInput)
	}
	return s.repo.UpdateDefaultTimeout(ctx, requesterID, seconds)
}

func (s *Service) UpdateMaxEscalation(ctx context.Context, requesterID string, seconds int) error {
	if requesterID == "" {
		return fmt.Errorf("%w: requester required", ErrInvalidInput)
	}
	if seconds < 0 {
		return fmt.Errorf("%w: max escalation must be non-negative", ErrInvalidInput)
	}
	return s.repo.UpdateMaxEscalation(ctx, requesterID, seconds)
}

func validateCandidate(c Candidate) error {
	if c.HandlerID == "" {
		return fmt.Errorf("%w: handler id required", ErrInvalidInput)
	}
	if c.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("%w: candidate timeout must be non-negative", ErrInvalidInput)
	}
	return nil
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Rank != cs[j].Rank {
			return cs[i].Rank < cs[j].Rank
		}
		return cs[i].Position < cs[j].Position
	})
}
