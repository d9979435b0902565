package showing

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusCompleted:
		return true
	default:
		return false
	}
}

// Payload is the client-facing detail of a showing. The escalation engine never reads it.
type Payload struct {
	PropertyAddress string     `json:"propertyAddress"`
	ScheduledFor    *time.Time `json:"scheduledFor,omitempty"`
	ClientName      string     `json:"clientName,omitempty"`
	ClientEmail     string     `json:"clientEmail,omitempty"`
	ClientPhone     string     `json:"clientPhone,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Request mirrors a showing_requests row.
type Request struct {
	ID                    string
	RequesterID           string
	Payload               Payload
	Status                Status
	CurrentCandidateIndex *int
	AssignedHandlerID     *string
	AssignedAt            *time.Time
	EscalationStartedAt   *time.Time
	IsPublic              bool
	ExhaustedAt           *time.Time
	NotifiedHandlers      []string
	AcceptedBy            *string
	AcceptedAt            *time.Time
	CompletedAt           *time.Time
	Feedback              *string
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WasNotified reports whether handlerID already received an offer for this request.
func (r Request) WasNotified(handlerID string) bool {
	return slices.Contains(r.NotifiedHandlers, handlerID)
}

// EscalationStarted reports whether the engine has initialised this request.
func (r Request) EscalationStarted() bool {
	return r.EscalationStartedAt != nil || r.IsPublic
}

// Expect is the guard evaluated atomically with a Patch. A Patch applies only when every
// populated condition still holds.
type Expect struct {
	Status   Status
	IsPublic *bool
	// CandidateIndex compares with IS NOT DISTINCT FROM, so a nil pointer together with
	// IndexSet requires the index to be absent.
	CandidateIndex *int
	IndexSet       bool
	// NotStarted requires escalation_started_at to still be NULL.
	NotStarted bool
}

// Patch lists the fields an escalation step writes. Nil fields are left untouched.
type Patch struct {
	CandidateIndex      *int
	AssignedHandlerID   *string
	AssignedAt          *time.Time
	EscalationStartedAt *time.Time
	IsPublic            *bool
	// Exhausted true stamps exhausted_at once; false clears it.
	Exhausted   *bool
	AddNotified []string
	Event       *Event
}

type EventType string

const (
	EventAssigned       EventType = "ASSIGNED"
	EventEscalated      EventType = "ESCALATED"
	EventWentPublic     EventType = "WENT_PUBLIC"
	EventPublicAdvanced EventType = "PUBLIC_ADVANCED"
	EventExhausted      EventType = "EXHAUSTED"
)

// Event is an append-only record of one escalation step.
type Event struct {
	ID             int64
	RequestID      string
	Seq            int
	Type           EventType
	FromHandler    *string
	ToHandler      *string
	CandidateIndex *int
	IsPublic       bool
	CreatedAt      time.Time
}

type Filters struct {
	HandlerID  string
	OnlyPublic bool
	Status     Status
	Page       int
	PageSize   int
}
