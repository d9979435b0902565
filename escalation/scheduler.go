package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Mode says which index space a timer's Index addresses.
type Mode string

const (
	ModeCandidate Mode = "candidate"
	ModePublic    Mode = "public"
)

// Timer captures the step a re-evaluation was scheduled for. A timer whose step has
// been superseded by the time it fires is a no-op.
type Timer struct {
	RequestID string
	Mode      Mode
	Index     int
}

func (t Timer) key() string {
	return fmt.Sprintf("%s/%s/%d", t.RequestID, t.Mode, t.Index)
}

// TimerHandler receives due timers.
type TimerHandler func(ctx context.Context, t Timer) error

// Scheduler defers engine re-invocation. Scheduling an already pending timer is a no-op.
type Scheduler interface {
	Schedule(ctx context.Context, t Timer, delay time.Duration) error
	Cancel(ctx context.Context, requestID string) error
}

// MemoryScheduler keeps timers in process. Pending timers are lost on restart; the
// reconciler re-arms them from the stored records.
type MemoryScheduler struct {
	mu      sync.Mutex
	clock   Clock
	logger  *slog.Logger
	handler TimerHandler
	pending map[string]*memoryEntry
}

type memoryEntry struct {
	timer Timer
	stop  Stopper
}

func NewMemoryScheduler(clock Clock, logger *slog.Logger) *MemoryScheduler {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryScheduler{
		clock:   clock,
		logger:  logger,
		pending: make(map[string]*memoryEntry),
	}
}

// Bind sets the callback for due timers. It must be called before the first Schedule.
func (s *MemoryScheduler) Bind(h TimerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *MemoryScheduler) Schedule(ctx context.Context, t Timer, delay time.Duration) error {
	key := t.key()

	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return fmt.Errorf("escalation: scheduler has no handler bound")
	}
	if _, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return nil
	}
	entry := &memoryEntry{timer: t}
	s.pending[key] = entry
	s.mu.Unlock()

	// AfterFunc may run the callback synchronously, so no lock is held here.
	stop := s.clock.AfterFunc(delay, func() { s.fire(key, entry) })

	s.mu.Lock()
	if s.pending[key] == entry {
		entry.stop = stop
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryScheduler) fire(key string, entry *memoryEntry) {
	s.mu.Lock()
	if s.pending[key] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	handler := s.handler
	s.mu.Unlock()

	if err := handler(context.Background(), entry.timer); err != nil {
		s.logger.Warn("escalation timer failed",
			"request_id", entry.timer.RequestID,
			"mode", entry.timer.Mode,
			"index", entry.timer.Index,
			"error", err)
	}
}

func (s *MemoryScheduler) Cancel(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.pending {
		if entry.timer.RequestID != requestID {
			continue
		}
		if entry.stop != nil {
			entry.stop.Stop()
		}
		delete(s.pending, key)
	}
	return nil
}

// Pending lists scheduled timers ordered by request, mode, and index.
func (s *MemoryScheduler) Pending() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timer, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.timer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key() < out[j].key()
	})
	return out
}
