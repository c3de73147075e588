package calls

import (
	"fmt"
	"time"

	"callcore/internal/apperr"
)

// allowed lists every legal edge. Anything absent is rejected.
var allowed = map[State]map[State]bool{
	StateRequested:  {StateRinging: true, StateFailed: true},
	StateRinging:    {StateInProgress: true, StateMissed: true, StateFailed: true},
	StateInProgress: {StateCompleted: true, StateFailed: true},
}

// target resolves the state an event asks for from the current state.
// ok=false means the event is a stale timer and should be ignored.
func target(from State, t EventType) (State, bool) {
	switch t {
	case EventRinging:
		return StateRinging, true
	case EventAnswered:
		return StateInProgress, true
	case EventCompleted, EventEnd:
		return StateCompleted, true
	case EventNoAnswer:
		return StateMissed, true
	case EventError:
		return StateFailed, true
	case EventRingTimeout:
		return StateFailed, from == StateRequested
	case EventAnswerTimeout:
		return StateMissed, from == StateRinging
	default:
		return "", false
	}
}

// transition is the pure state function behind Machine.Apply.
// It returns the updated session and whether anything changed.
// On error the input session is returned untouched.
func transition(s Session, ev Event, now time.Time) (Session, bool, error) {
	if ev.Source == SourceProvider && ev.Seq > 0 && ev.Seq <= s.ProviderEventSeq {
		return s, false, nil
	}

	to, ok := target(s.State, ev.Type)
	if !ok {
		return s, false, nil
	}
	if to == s.State {
		// Already there: keep only new provider metadata, no transition.
		out, changed := absorbMetadata(s, ev)
		if changed {
			out.UpdatedAt = now
		}
		return out, changed, nil
	}
	if !allowed[s.State][to] {
		return s, false, fmt.Errorf("calls: %s -> %s via %q: %w", s.State, to, ev.Type, apperr.ErrInvalidTransition)
	}

	at := now
	if !ev.OccurredAt.IsZero() {
		at = ev.OccurredAt.UTC()
	}

	out := s
	switch to {
	case StateRinging:
		started := notBefore(at, out.RequestedAt)
		out.StartedAt = &started
	case StateInProgress:
		answered := notBefore(at, milestone(out))
		out.AnsweredAt = &answered
	case StateCompleted, StateFailed, StateMissed:
		ended := notBefore(at, milestone(out))
		if to == StateCompleted && out.AnsweredAt != nil && ev.ReportedDurationSeconds != nil {
			if d := *ev.ReportedDurationSeconds; d >= 0 {
				claimed := out.AnsweredAt.Add(time.Duration(d) * time.Second)
				if !claimed.After(ended) {
					ended = claimed
				}
			}
		}
		out.EndedAt = &ended
		out.DurationSeconds = durationSeconds(out.AnsweredAt, out.EndedAt)
		if to == StateFailed {
			out.FailureReason = ev.Reason
		}
	}

	out, _ = absorbMetadata(out, ev)
	out.State = to
	out.UpdatedAt = now
	return out, true, nil
}

func absorbMetadata(s Session, ev Event) (Session, bool) {
	changed := false
	if ev.RecordingID != "" && s.ProviderRecordingID == "" {
		s.ProviderRecordingID = ev.RecordingID
		changed = true
	}
	if ev.Source == SourceProvider && ev.Seq > s.ProviderEventSeq {
		s.ProviderEventSeq = ev.Seq
		changed = true
	}
	return s, changed
}

// milestone returns the latest timestamp already recorded on s.
func milestone(s Session) time.Time {
	switch {
	case s.AnsweredAt != nil:
		return *s.AnsweredAt
	case s.StartedAt != nil:
		return *s.StartedAt
	default:
		return s.RequestedAt
	}
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func durationSeconds(answered, ended *time.Time) int {
	if answered == nil || ended == nil {
		return 0
	}
	d := int(ended.Sub(*answered) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}
