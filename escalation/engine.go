// Package escalation drives a showing request from its requester's preferred candidates
// to the public pool until a handler accepts.
//
// Every entry point re-reads the record, decides, and writes at most one guarded patch.
// Losing a race shows up as showing.ErrConflict and ends the invocation quietly.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"showingflow/directory"
	"showingflow/notify"
	"showingflow/preference"
	"showingflow/showing"
)

// ErrUpstreamUnavailable wraps preference and directory read failures. The triggering
// event is safe to redeliver.
var ErrUpstreamUnavailable = errors.New("escalation: upstream unavailable")

// Outcome names what one engine invocation did.
type Outcome string

const (
	OutcomeAssigned       Outcome = "assigned"
	OutcomeEscalated      Outcome = "escalated"
	OutcomeWentPublic     Outcome = "went_public"
	OutcomePublicAdvanced Outcome = "public_advanced"
	OutcomeExhausted      Outcome = "exhausted"
	OutcomeNotPending     Outcome = "not_pending"
	OutcomeStale          Outcome = "stale"
	OutcomeRearmed        Outcome = "rearmed"
)

// Preferences is the read side of the preference store.
type Preferences interface {
	GetCandidates(ctx context.Context, requesterID string) (preference.List, error)
}

type Engine struct {
	store   showing.Store
	prefs   Preferences
	dir     directory.Directory
	sink    notify.Sink
	sched   Scheduler
	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
}

func NewEngine(store showing.Store, prefs Preferences, dir directory.Directory, sink notify.Sink, sched Scheduler, cfg Config) *Engine {
	if sink == nil {
		sink = notify.Multi{}
	}
	return &Engine{
		store:  store,
		prefs:  prefs,
		dir:    dir,
		sink:   sink,
		sched:  sched,
		cfg:    cfg,
		clock:  RealClock(),
		logger: slog.Default(),
	}
}

func (e *Engine) WithClock(c Clock) *Engine {
	if c != nil {
		e.clock = c
	}
	return e
}

func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// OnRequestCreated starts escalation for a new request. Duplicate deliveries re-arm the
// current step's timer instead of reinitialising.
func (e *Engine) OnRequestCreated(ctx context.Context, requestID string) error {
	_, err := e.start(ctx, requestID)
	return err
}

func (e *Engine) start(ctx context.Context, requestID string) (Outcome, error) {
	req, ok, err := e.load(ctx, requestID)
	if err != nil || !ok {
		return OutcomeStale, err
	}
	if req.Status != showing.StatusPending {
		e.skip(req.ID, "not_pending")
		return OutcomeNotPending, nil
	}
	if req.EscalationStarted() {
		return e.rearm(ctx, req)
	}

	list, err := e.candidates(ctx, req)
	if err != nil {
		return "", err
	}
	if len(list.Candidates) == 0 {
		return e.goPublic(ctx, req)
	}

	first := list.Candidates[0].HandlerID
	now := e.clock.Now().UTC()
	zero := 0
	notPublic := false

	expect := showing.Expect{
		Status:     showing.StatusPending,
		IsPublic:   &notPublic,
		IndexSet:   true,
		NotStarted: true,
	}
	patch := showing.Patch{
		CandidateIndex:      &zero,
		AssignedHandlerID:   &first,
		AssignedAt:          &now,
		EscalationStartedAt: &now,
		AddNotified:         []string{first},
		Event: &showing.Event{
			Type:           showing.EventAssigned,
			ToHandler:      &first,
			CandidateIndex: &zero,
		},
	}
	if _, applied, err := e.apply(ctx, req.ID, expect, patch); err != nil || !applied {
		return OutcomeStale, err
	}

	e.notify(ctx, first, req.ID)
	e.metrics.transition(OutcomeAssigned)
	e.logger.Info("showing request assigned", "request_id", req.ID, "handler_id", first, "candidate_index", 0)

	delay := stepDelay(responseTimeout(list, 0, e.cfg.DefaultResponseTimeout), now, &now, maxDuration(list, e.cfg.MaxEscalationDuration), now)
	if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModeCandidate, Index: 0}, delay); err != nil {
		return OutcomeAssigned, err
	}
	return OutcomeAssigned, nil
}

// OnTimerFired re-evaluates the step captured in t. Timers for superseded steps are no-ops.
func (e *Engine) OnTimerFired(ctx context.Context, t Timer) error {
	e.metrics.timerFired(t.Mode)

	req, ok, err := e.load(ctx, t.RequestID)
	if err != nil || !ok {
		return err
	}
	if req.Status != showing.StatusPending {
		e.skip(req.ID, "not_pending")
		return nil
	}

	current, hasIndex := index(req)
	switch t.Mode {
	case ModeCandidate:
		if req.IsPublic || !hasIndex || current != t.Index {
			e.skip(req.ID, "stale_timer")
			return nil
		}
		_, err = e.advanceCandidate(ctx, req)
	case ModePublic:
		if !req.IsPublic || current != t.Index {
			e.skip(req.ID, "stale_timer")
			return nil
		}
		_, err = e.advancePublic(ctx, req)
	default:
		return fmt.Errorf("escalation: unknown timer mode %q", t.Mode)
	}
	return err
}

// OnStatusChanged reacts to external writes. Acceptance or completion drops pending
// timers; every other change is ignored, including the engine's own patches.
func (e *Engine) OnStatusChanged(ctx context.Context, requestID string, prev, next showing.Status) error {
	if prev != showing.StatusPending || next == showing.StatusPending {
		return nil
	}
	if err := e.sched.Cancel(ctx, requestID); err != nil {
		e.logger.Warn("cancel escalation timers failed", "request_id", requestID, "error", err)
		return nil
	}
	e.logger.Debug("escalation stopped", "request_id", requestID, "status", next)
	return nil
}

// EscalateNow advances the request one step regardless of pending timers. Only the
// pending guard applies.
func (e *Engine) EscalateNow(ctx context.Context, requestID string) (Outcome, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, showing.ErrNotFound) {
			return "", showing.ErrNotFound
		}
		return "", fmt.Errorf("escalation: load request: %w", err)
	}
	if req.Status != showing.StatusPending {
		return OutcomeNotPending, nil
	}

	var outcome Outcome
	switch {
	case !req.EscalationStarted():
		outcome, err = e.start(ctx, requestID)
	case req.IsPublic:
		outcome, err = e.advancePublic(ctx, req)
	default:
		outcome, err = e.advanceCandidate(ctx, req)
	}
	if err == nil {
		e.logger.Info("manual escalation", "request_id", requestID, "outcome", outcome)
	}
	return outcome, err
}

func (e *Engine) advanceCandidate(ctx context.Context, req showing.Request) (Outcome, error) {
	current, _ := index(req)

	list, err := e.candidates(ctx, req)
	if err != nil {
		return "", err
	}
	now := e.clock.Now().UTC()
	limit := maxDuration(list, e.cfg.MaxEscalationDuration)

	if deadlineReached(req.EscalationStartedAt, limit, now) || current+1 >= len(list.Candidates) {
		return e.goPublic(ctx, req)
	}

	nextIndex := current + 1
	next := list.Candidates[nextIndex].HandlerID
	notPublic := false

	expect := showing.Expect{
		Status:         showing.StatusPending,
		IsPublic:       &notPublic,
		CandidateIndex: &current,
		IndexSet:       true,
	}
	patch := showing.Patch{
		CandidateIndex:    &nextIndex,
		AssignedHandlerID: &next,
		AssignedAt:        &now,
		AddNotified:       []string{next},
		Event: &showing.Event{
			Type:           showing.EventEscalated,
			FromHandler:    req.AssignedHandlerID,
			ToHandler:      &next,
			CandidateIndex: &nextIndex,
		},
	}
	if req.ExhaustedAt != nil {
		resumed := false
		patch.Exhausted = &resumed
	}
	if _, applied, err := e.apply(ctx, req.ID, expect, patch); err != nil || !applied {
		return OutcomeStale, err
	}

	if !req.WasNotified(next) {
		e.notify(ctx, next, req.ID)
	}
	e.metrics.transition(OutcomeEscalated)
	e.logger.Info("showing request escalated", "request_id", req.ID, "handler_id", next, "candidate_index", nextIndex)

	delay := stepDelay(responseTimeout(list, nextIndex, e.cfg.DefaultResponseTimeout), now, req.EscalationStartedAt, limit, now)
	if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModeCandidate, Index: nextIndex}, delay); err != nil {
		return OutcomeEscalated, err
	}
	return OutcomeEscalated, nil
}

func (e *Engine) goPublic(ctx context.Context, req showing.Request) (Outcome, error) {
	handlers, err := e.handlers(ctx)
	if err != nil {
		return "", err
	}
	now := e.clock.Now().UTC()
	zero := 0
	public := true
	notPublic := false

	expect := showing.Expect{
		Status:   showing.StatusPending,
		IsPublic: &notPublic,
		IndexSet: true,
	}
	if current, ok := index(req); ok {
		expect.CandidateIndex = &current
	} else {
		expect.NotStarted = true
	}

	patch := showing.Patch{
		CandidateIndex:      &zero,
		IsPublic:            &public,
		EscalationStartedAt: &now,
		Event: &showing.Event{
			Type:           showing.EventWentPublic,
			FromHandler:    req.AssignedHandlerID,
			CandidateIndex: &zero,
			IsPublic:       true,
		},
	}
	var first string
	if len(handlers) > 0 {
		first = handlers[0].ID
		patch.AssignedHandlerID = &first
		patch.AssignedAt = &now
		patch.AddNotified = []string{first}
		patch.Event.ToHandler = &first
	}

	if _, applied, err := e.apply(ctx, req.ID, expect, patch); err != nil || !applied {
		return OutcomeStale, err
	}

	switch {
	case first == "":
		e.logger.Info("showing request public with empty directory", "request_id", req.ID)
	case !req.WasNotified(first):
		e.notify(ctx, first, req.ID)
	}
	e.metrics.transition(OutcomeWentPublic)
	e.logger.Info("showing request went public", "request_id", req.ID, "handler_id", first)

	if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModePublic, Index: 0}, e.cfg.PublicReevaluationInterval); err != nil {
		return OutcomeWentPublic, err
	}
	return OutcomeWentPublic, nil
}

func (e *Engine) advancePublic(ctx context.Context, req showing.Request) (Outcome, error) {
	current, _ := index(req)

	handlers, err := e.handlers(ctx)
	if err != nil {
		return "", err
	}
	if current+1 >= len(handlers) {
		return e.exhaust(ctx, req, current, len(handlers))
	}

	now := e.clock.Now().UTC()
	nextIndex := current + 1
	next := handlers[nextIndex].ID
	public := true

	expect := showing.Expect{
		Status:         showing.StatusPending,
		IsPublic:       &public,
		CandidateIndex: &current,
		IndexSet:       true,
	}
	patch := showing.Patch{
		CandidateIndex:    &nextIndex,
		AssignedHandlerID: &next,
		AssignedAt:        &now,
		AddNotified:       []string{next},
		Event: &showing.Event{
			Type:           showing.EventPublicAdvanced,
			FromHandler:    req.AssignedHandlerID,
			ToHandler:      &next,
			CandidateIndex: &nextIndex,
			IsPublic:       true,
		},
	}
	if _, applied, err := e.apply(ctx, req.ID, expect, patch); err != nil || !applied {
		return OutcomeStale, err
	}

	if !req.WasNotified(next) {
		e.notify(ctx, next, req.ID)
	}
	e.metrics.transition(OutcomePublicAdvanced)
	e.logger.Info("public offer advanced", "request_id", req.ID, "handler_id", next, "directory_index", nextIndex)

	if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModePublic, Index: nextIndex}, e.cfg.PublicReevaluationInterval); err != nil {
		return OutcomePublicAdvanced, err
	}
	return OutcomePublicAdvanced, nil
}

// rearm schedules the timer for the step the record is already in. UpdatedAt marks the
// start of that step because only engine patches touch a pending record.
func (e *Engine) rearm(ctx context.Context, req showing.Request) (Outcome, error) {
	now := e.clock.Now().UTC()
	current, _ := index(req)

	if req.IsPublic {
		handlers, err := e.handlers(ctx)
		if err != nil {
			return "", err
		}
		elapsed := now.Sub(req.UpdatedAt)
		if current+1 >= len(handlers) && elapsed >= e.cfg.PublicReevaluationInterval {
			return e.exhaust(ctx, req, current, len(handlers))
		}
		delay := stepDelay(e.cfg.PublicReevaluationInterval, req.UpdatedAt, nil, 0, now)
		if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModePublic, Index: current}, delay); err != nil {
			return "", err
		}
		e.logger.Debug("public timer re-armed", "request_id", req.ID, "index", current, "delay", delay)
		return OutcomeRearmed, nil
	}

	list, err := e.candidates(ctx, req)
	if err != nil {
		return "", err
	}
	timeout := responseTimeout(list, current, e.cfg.DefaultResponseTimeout)
	delay := stepDelay(timeout, req.UpdatedAt, req.EscalationStartedAt, maxDuration(list, e.cfg.MaxEscalationDuration), now)
	if err := e.schedule(ctx, Timer{RequestID: req.ID, Mode: ModeCandidate, Index: current}, delay); err != nil {
		return "", err
	}
	e.logger.Debug("candidate timer re-armed", "request_id", req.ID, "index", current, "delay", delay)
	return OutcomeRearmed, nil
}

// exhaust marks a public request whose last directory handler has had its turn. The
// record stays pending and open to any handler, but the engine schedules nothing more.
func (e *Engine) exhaust(ctx context.Context, req showing.Request, current, directorySize int) (Outcome, error) {
	if req.ExhaustedAt != nil {
		e.skip(req.ID, "exhausted")
		return OutcomeExhausted, nil
	}
	public := true
	done := true
	expect := showing.Expect{
		Status:         showing.StatusPending,
		IsPublic:       &public,
		CandidateIndex: &current,
		IndexSet:       true,
	}
	patch := showing.Patch{
		Exhausted: &done,
		Event: &showing.Event{
			Type:           showing.EventExhausted,
			FromHandler:    req.AssignedHandlerID,
			CandidateIndex: &current,
			IsPublic:       true,
		},
	}
	if _, applied, err := e.apply(ctx, req.ID, expect, patch); err != nil || !applied {
		return OutcomeStale, err
	}
	e.metrics.transition(OutcomeExhausted)
	e.logger.Info("public pool exhausted", "request_id", req.ID, "directory_size", directorySize)
	return OutcomeExhausted, nil
}

// load returns ok=false for a vanished record, which every trigger treats as terminal.
func (e *Engine) load(ctx context.Context, requestID string) (showing.Request, bool, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, showing.ErrNotFound) {
			e.skip(requestID, "not_found")
			return showing.Request{}, false, nil
		}
		return showing.Request{}, false, fmt.Errorf("escalation: load request: %w", err)
	}
	return req, true, nil
}

func (e *Engine) apply(ctx context.Context, requestID string, expect showing.Expect, patch showing.Patch) (showing.Request, bool, error) {
	updated, err := e.store.CompareAndPatch(ctx, requestID, expect, patch)
	switch {
	case err == nil:
		return updated, true, nil
	case errors.Is(err, showing.ErrConflict):
		e.skip(requestID, "conflict")
		return showing.Request{}, false, nil
	case errors.Is(err, showing.ErrNotFound):
		e.skip(requestID, "not_found")
		return showing.Request{}, false, nil
	default:
		return showing.Request{}, false, fmt.Errorf("escalation: patch request: %w", err)
	}
}

func (e *Engine) candidates(ctx context.Context, req showing.Request) (preference.List, error) {
	list, err := e.prefs.GetCandidates(ctx, req.RequesterID)
	if err != nil {
		e.logger.Warn("preference lookup failed", "request_id", req.ID, "requester_id", req.RequesterID, "error", err)
		return preference.List{}, fmt.Errorf("%w: preferences: %w", ErrUpstreamUnavailable, err)
	}
	return list, nil
}

func (e *Engine) handlers(ctx context.Context) ([]directory.Handler, error) {
	hs, err := e.dir.ListAllHandlers(ctx)
	if err != nil {
		e.logger.Warn("directory lookup failed", "error", err)
		return nil, fmt.Errorf("%w: directory: %w", ErrUpstreamUnavailable, err)
	}
	return hs, nil
}

func (e *Engine) notify(ctx context.Context, handlerID, requestID string) {
	if err := e.sink.Notify(ctx, handlerID, requestID); err != nil {
		e.metrics.notifyFailed()
		e.logger.Warn("notification failed", "request_id", requestID, "handler_id", handlerID, "error", err)
	}
}

func (e *Engine) schedule(ctx context.Context, t Timer, delay time.Duration) error {
	if err := e.sched.Schedule(ctx, t, delay); err != nil {
		return fmt.Errorf("escalation: schedule %s timer %d: %w", t.Mode, t.Index, err)
	}
	return nil
}

func (e *Engine) skip(requestID, reason string) {
	e.metrics.skipped(reason)
	e.logger.Debug("escalation step skipped", "request_id", requestID, "reason", reason)
}

func index(req showing.Request) (int, bool) {
	if req.CurrentCandidateIndex == nil {
		return 0, false
	}
	return *req.CurrentCandidateIndex, true
}
