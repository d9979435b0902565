package escalation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"showingflow/directory"
	"showingflow/preference"
	"showingflow/showing"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires AfterFunc callbacks synchronously from Advance, in deadline order.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at   time.Time
	f    func()
	done bool
}

type fakeStop struct {
	c *fakeClock
	w *fakeWaiter
}

func (s fakeStop) Stop() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.w.done {
		return false
	}
	s.w.done = true
	return true
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{at: c.now.Add(d), f: f}
	c.waiters = append(c.waiters, w)
	return fakeStop{c: c, w: w}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeWaiter
		for _, w := range c.waiters {
			if w.done || w.at.After(target) {
				continue
			}
			if next == nil || w.at.Before(next.at) {
				next = w
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.done = true
		c.mu.Unlock()
		next.f()
	}
}

// memStore applies Expect/Patch the way the Postgres repository does.
type memStore struct {
	mu     sync.Mutex
	clock  Clock
	recs   map[string]showing.Request
	events map[string][]showing.Event
	writes int
	getErr error
}

func newMemStore(clock Clock) *memStore {
	return &memStore{
		clock:  clock,
		recs:   map[string]showing.Request{},
		events: map[string][]showing.Event{},
	}
}

func (s *memStore) add(id, requesterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.recs[id] = showing.Request{
		ID:          id,
		RequesterID: requesterID,
		Status:      showing.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *memStore) Get(ctx context.Context, id string) (showing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return showing.Request{}, s.getErr
	}
	r, ok := s.recs[id]
	if !ok {
		return showing.Request{}, showing.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *memStore) CompareAndPatch(ctx context.Context, id string, ex showing.Expect, p showing.Patch) (showing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[id]
	if !ok {
		return showing.Request{}, showing.ErrNotFound
	}
	if r.Status != ex.Status {
		return showing.Request{}, showing.ErrConflict
	}
	if ex.IsPublic != nil && r.IsPublic != *ex.IsPublic {
		return showing.Request{}, showing.ErrConflict
	}
	if ex.IndexSet && !sameIndex(r.CurrentCandidateIndex, ex.CandidateIndex) {
		return showing.Request{}, showing.ErrConflict
	}
	if ex.NotStarted && r.EscalationStartedAt != nil {
		return showing.Request{}, showing.ErrConflict
	}

	r = cloneRequest(r)
	if p.CandidateIndex != nil {
		v := *p.CandidateIndex
		r.CurrentCandidateIndex = &v
	}
	if p.AssignedHandlerID != nil {
		v := *p.AssignedHandlerID
		r.AssignedHandlerID = &v
	}
	if p.AssignedAt != nil {
		v := *p.AssignedAt
		r.AssignedAt = &v
	}
	if p.EscalationStartedAt != nil && r.EscalationStartedAt == nil {
		v := *p.EscalationStartedAt
		r.EscalationStartedAt = &v
	}
	if p.IsPublic != nil {
		r.IsPublic = *p.IsPublic
	}
	if p.Exhausted != nil {
		switch {
		case !*p.Exhausted:
			r.ExhaustedAt = nil
		case r.ExhaustedAt == nil:
			v := s.clock.Now()
			r.ExhaustedAt = &v
		}
	}
	for _, h := range p.AddNotified {
		if !slices.Contains(r.NotifiedHandlers, h) {
			r.NotifiedHandlers = append(r.NotifiedHandlers, h)
		}
	}
	r.Version++
	r.UpdatedAt = s.clock.Now()
	s.recs[id] = r
	s.writes++

	if p.Event != nil {
		ev := *p.Event
		ev.RequestID = id
		ev.Seq = len(s.events[id]) + 1
		ev.CreatedAt = r.UpdatedAt
		s.events[id] = append(s.events[id], ev)
	}
	return cloneRequest(r), nil
}

// accept mimics a handler accepting outside the engine.
func (s *memStore) accept(id, handlerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return showing.ErrNotFound
	}
	if r.Status != showing.StatusPending {
		return showing.ErrAlreadyAccepted
	}
	if !r.IsPublic && !slices.Contains(r.NotifiedHandlers, handlerID) {
		return showing.ErrAcceptForbidden
	}
	r = cloneRequest(r)
	r.Status = showing.StatusAccepted
	r.AcceptedBy = &handlerID
	now := s.clock.Now()
	r.AcceptedAt = &now
	r.Version++
	r.UpdatedAt = now
	s.recs[id] = r
	return nil
}

func (s *memStore) get(id string) showing.Request {
	r, _ := s.Get(context.Background(), id)
	return r
}

func (s *memStore) eventTypes(id string) []showing.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []showing.EventType{}
	for _, ev := range s.events[id] {
		out = append(out, ev.Type)
	}
	return out
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneRequest(r showing.Request) showing.Request {
	r.NotifiedHandlers = append([]string(nil), r.NotifiedHandlers...)
	return r
}

type fakePrefs struct {
	mu    sync.Mutex
	lists map[string]preference.List
	err   error
}

func (f *fakePrefs) GetCandidates(ctx context.Context, requesterID string) (preference.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return preference.List{}, f.err
	}
	l, ok := f.lists[requesterID]
	if !ok {
		return preference.List{RequesterID: requesterID}, nil
	}
	return l, nil
}

func (f *fakePrefs) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingSink) Notify(ctx context.Context, handlerID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, handlerID)
	return r.err
}

func (r *recordingSink) handlers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// growingDirectory lets a test add handlers between engine invocations.
type growingDirectory struct {
	mu sync.Mutex
	hs directory.Static
}

func (g *growingDirectory) ListAllHandlers(ctx context.Context) ([]directory.Handler, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hs.ListAllHandlers(ctx)
}

func (g *growingDirectory) set(hs directory.Static) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hs = hs
}

type failingDirectory struct{}

func (failingDirectory) ListAllHandlers(context.Context) ([]directory.Handler, error) {
	return nil, errors.New("directory offline")
}

func candidates(timeoutSeconds int, ids ...string) []preference.Candidate {
	out := make([]preference.Candidate, len(ids))
	for i, id := range ids {
		out[i] = preference.Candidate{HandlerID: id, ResponseTimeoutSeconds: timeoutSeconds, Rank: i, Position: i}
	}
	return out
}

func handlers(ids ...string) directory.Static {
	out := make(directory.Static, len(ids))
	for i, id := range ids {
		out[i] = directory.Handler{ID: id, Role: directory.RoleShowingAgent, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

// harness wires an engine to in-memory collaborators and a MemoryScheduler on a fake clock.
type harness struct {
	clock *fakeClock
	store *memStore
	prefs *fakePrefs
	sink  *recordingSink
	sched *MemoryScheduler
	eng   *Engine
}

func newHarness(list preference.List, dir directory.Directory, cfg Config) *harness {
	clock := newFakeClock(t0)
	store := newMemStore(clock)
	prefs := &fakePrefs{lists: map[string]preference.List{list.RequesterID: list}}
	sink := &recordingSink{}
	sched := NewMemoryScheduler(clock, discardLogger())
	eng := NewEngine(store, prefs, dir, sink, sched, cfg).WithClock(clock).WithLogger(discardLogger())
	sched.Bind(eng.OnTimerFired)
	return &harness{clock: clock, store: store, prefs: prefs, sink: sink, sched: sched, eng: eng}
}

func testConfig() Config {
	return Config{
		DefaultResponseTimeout:     30 * time.Second,
		PublicReevaluationInterval: 60 * time.Second,
	}
}
