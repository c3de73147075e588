package reporting

import (
	"context"
	"errors"
	"time"

	"callcore/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. calls.Store satisfies it.
type Repository interface {
	List(ctx context.Context, from, to time.Time) ([]calls.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{OwnerUserID: req.OwnerUserID, Range: req.Range}
	var (
		answered, ended int
		qualitySum      float64
	)
	for _, c := range rows {
		if req.OwnerUserID != "" && c.OwnerUserID != req.OwnerUserID {
			continue
		}
		out.TotalCalls++
		if c.RecordingRef != "" {
			out.RecordedCalls++
		}
		if c.QualityScore != nil {
			out.ScoredCalls++
			qualitySum += *c.QualityScore
		}
		switch c.State {
		case calls.StateRequested, calls.StateRinging:
			out.OpenCalls++
		case calls.StateInProgress:
			out.InProgressCalls++
		case calls.StateCompleted:
			out.CompletedCalls++
			out.TotalDurationSeconds += c.DurationSeconds
		case calls.StateFailed:
			out.FailedCalls++
		case calls.StateMissed:
			out.MissedCalls++
		}
		if c.State.Terminal() {
			ended++
			if c.AnsweredAt != nil {
				answered++
			}
		}
	}

	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	if out.ScoredCalls > 0 {
		out.AverageQualityScore = qualitySum / float64(out.ScoredCalls)
	}
	if ended > 0 {
		out.AnswerRate = float64(answered) / float64(ended)
	}
	return out, nil
}
