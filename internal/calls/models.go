package calls

import "time"

// Session is the authoritative record of one call.
//
// Invariants:
// - ID, OwnerUserID and CounterpartAddress never change after creation.
// - State is mutated only by Machine, one transition at a time per call.
// - Milestone timestamps are set at most once and never go backwards:
//   RequestedAt <= StartedAt <= AnsweredAt <= EndedAt.
// - Terminal states (completed, failed, missed) are absorbing.
type Session struct {
	ID                 string `json:"call_id" db:"id"`
	OwnerUserID        string `json:"owner_user_id" db:"owner_user_id"`
	CounterpartAddress string `json:"counterpart_address" db:"counterpart_address"`

	// ProviderCallRef is the provider's identifier for the call leg (Twilio CallSid).
	ProviderCallRef string `json:"provider_call_ref,omitempty" db:"provider_call_ref"`

	State State `json:"state" db:"state"`

	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is EndedAt - AnsweredAt, cached on the terminal transition.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	QualityScore *float64 `json:"quality_score,omitempty" db:"quality_score"`

	ProviderRecordingID string `json:"-" db:"provider_recording_id"`
	RecordingRef        string `json:"recording_ref,omitempty" db:"recording_ref"`

	// ProviderEventSeq is the highest provider sequence number already applied.
	ProviderEventSeq int64 `json:"-" db:"provider_event_seq"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateRequested  State = "requested"
	StateRinging    State = "ringing"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateMissed     State = "missed"
)

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateMissed:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StateRequested, StateRinging, StateInProgress, StateCompleted, StateFailed, StateMissed:
		return true
	default:
		return false
	}
}

// EventType names what happened to a call, independent of who reported it.
type EventType string

const (
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventNoAnswer  EventType = "no-answer"
	EventError     EventType = "error"

	// EventEnd is an explicit end request from the caller or an agent.
	EventEnd EventType = "end"

	// Timeout events are raised by the machine's own timers. They only apply
	// in the state that armed them and are stale no-ops anywhere else.
	EventRingTimeout   EventType = "ring-timeout"
	EventAnswerTimeout EventType = "answer-timeout"
)

func (t EventType) Valid() bool {
	switch t {
	case EventRinging, EventAnswered, EventCompleted, EventNoAnswer, EventError,
		EventEnd, EventRingTimeout, EventAnswerTimeout:
		return true
	default:
		return false
	}
}

// Source tags who delivered an event. All sources share the same Apply path.
type Source string

const (
	SourceProvider Source = "provider"
	SourceClient   Source = "client"
	SourceAgent    Source = "agent"
	SourceSystem   Source = "system"
)

// Event is one inbound state-change request.
type Event struct {
	Type   EventType `json:"type"`
	Source Source    `json:"source"`

	// Seq is the provider's monotonic marker. Zero means "no sequence"
	// (client, agent and system events).
	Seq int64 `json:"seq,omitempty"`

	// OccurredAt is the reporter's event time; zero means "now".
	OccurredAt time.Time `json:"occurred_at,omitempty"`

	// ReportedDurationSeconds is the duration claimed by an end request.
	ReportedDurationSeconds *int `json:"reported_duration_seconds,omitempty"`

	// RecordingID is the provider recording identifier, when the event carries one.
	RecordingID string `json:"recording_id,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Transition describes an applied state change. Listeners receive it after
// the per-call lock has been released.
type Transition struct {
	From    State
	To      State
	Event   Event
	Session Session
}
