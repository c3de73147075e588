package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callcore/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// Events are append-only; there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to callers by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// OnTransition records every applied call transition. It never fails the caller.
func (s *Service) OnTransition(ctx context.Context, t calls.Transition) {
	meta := map[string]any{
		"from":   t.From,
		"to":     t.To,
		"event":  t.Event.Type,
		"source": t.Event.Source,
	}
	if t.Event.Seq > 0 {
		meta["seq"] = t.Event.Seq
	}
	if t.To.Terminal() {
		meta["duration_seconds"] = t.Session.DurationSeconds
	}
	err := s.Append(ctx, Event{
		CallID:   t.Session.ID,
		Type:     EventTypeCallTransition,
		Message:  fmt.Sprintf("%s -> %s", t.From, t.To),
		Metadata: metadata(meta),
	})
	if err != nil {
		s.log.Warn("audit transition failed", "call_id", t.Session.ID, "err", err)
	}
}

// LogQualityScore records a quality score write by an agent or supervisor.
func (s *Service) LogQualityScore(ctx context.Context, callID, actorUserID, actorRole, ip string, score float64) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeQualityScore,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     "quality score set",
		Metadata:    metadata(map[string]any{"score": score}),
	})
}

// EnrichmentFailed records a post-call enrichment step that gave up.
func (s *Service) EnrichmentFailed(ctx context.Context, callID, step string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.Append(ctx, Event{
		CallID:   callID,
		Type:     EventTypeEnrichmentFailed,
		Message:  "enrichment failed at " + step,
		Metadata: metadata(map[string]any{"step": step, "error": msg}),
	})
	if err != nil {
		s.log.Warn("audit enrichment failure failed", "call_id", callID, "err", err)
	}
}

// LogAdminAction records a privileged action on a call (e.g. re-running enrichment).
func (s *Service) LogAdminAction(ctx context.Context, callID, actorUserID, actorRole, ip, message string) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
	})
}

func metadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
