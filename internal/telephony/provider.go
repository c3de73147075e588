package telephony

import (
	"context"
	"time"

	"callcore/internal/calls"
)

// Provider is the provider-agnostic surface used by the call machine and enrichment.
//
// Rules:
// - No provider calls outside telephony adapters.
// - Request/response types stay provider-agnostic; raw payloads are only logged.
type Provider interface {
	calls.Dialer

	Name() string
	HealthCheck(ctx context.Context) error

	// LatestRecordingID returns the newest finished recording of a call leg.
	LatestRecordingID(ctx context.Context, providerCallRef string) (string, error)
	// FetchRecording resolves a provider recording to a durable media reference.
	FetchRecording(ctx context.Context, providerRecordingID string) (string, error)
}

// StatusEvent is a provider status callback normalized for the call machine.
type StatusEvent struct {
	// CallID is set when the callback URL carries our own identifier.
	CallID string `json:"call_id,omitempty"`

	// ProviderCallRef is the provider's unique identifier for this call leg.
	ProviderCallRef string `json:"provider_call_ref"`

	// Status is the provider's raw status value.
	Status string `json:"status"`

	Seq        int64     `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`

	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	RecordingID     string `json:"recording_id,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
}

// Event maps the callback onto a call event. ok=false means the status
// carries no lifecycle information and should only be acknowledged.
func (e StatusEvent) Event() (calls.Event, bool) {
	ev := calls.Event{
		Source:      calls.SourceProvider,
		Seq:         e.Seq,
		OccurredAt:  e.OccurredAt,
		RecordingID: e.RecordingID,
	}
	switch e.Status {
	case "ringing":
		ev.Type = calls.EventRinging
	case "in-progress", "answered":
		ev.Type = calls.EventAnswered
	case "completed":
		ev.Type = calls.EventCompleted
		ev.ReportedDurationSeconds = e.DurationSeconds
	case "busy", "no-answer", "canceled":
		ev.Type = calls.EventNoAnswer
	case "failed":
		ev.Type = calls.EventError
		ev.Reason = "provider failed"
		if e.ErrorCode != "" {
			ev.Reason = "provider error " + e.ErrorCode
		}
	default:
		return calls.Event{}, false
	}
	return ev, true
}
