package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"
	"callcore/pkg/logger"
)

// CallAccess is the part of calls.Machine enrichment reads and writes through.
// AttachRecording runs under the same per-call lock as transitions.
type CallAccess interface {
	Get(ctx context.Context, callID string) (calls.Session, error)
	AttachRecording(ctx context.Context, callID, ref string) (calls.Session, bool, error)
}

// RecordingLocator finds the provider recording for a call that did not
// report one in its status events.
type RecordingLocator interface {
	LatestRecordingID(ctx context.Context, providerCallRef string) (string, error)
}

// RecordingStore resolves a provider recording id to a durable reference.
type RecordingStore interface {
	FetchRecording(ctx context.Context, providerRecordingID string) (string, error)
}

// FailureRecorder is notified when a run gives up.
type FailureRecorder interface {
	EnrichmentFailed(ctx context.Context, callID, step string, err error)
}

const (
	StepLocate = "locate"
	StepFetch  = "fetch"
	StepAttach = "attach"
)

type Config struct {
	// MaxAttempts bounds tries per step, including the first.
	MaxAttempts int
	// Backoff is the wait before each retry; the last entry repeats.
	Backoff []time.Duration
	// StepTimeout bounds one attempt.
	StepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if len(out.Backoff) == 0 {
		out.Backoff = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = 15 * time.Second
	}
	return out
}

// Service attaches the provider recording to completed calls.
//
// A run never changes call state. Failures are logged and recorded;
// the call stays completed without a recording.
type Service struct {
	calls    CallAccess
	locator  RecordingLocator
	store    RecordingStore
	failures FailureRecorder
	cfg      Config
	log      *slog.Logger

	// sleep is injectable so tests do not wait out the backoff.
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

func NewService(callAccess CallAccess, locator RecordingLocator, store RecordingStore, failures FailureRecorder, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		calls:    callAccess,
		locator:  locator,
		store:    store,
		failures: failures,
		cfg:      cfg.withDefaults(),
		log:      log,
		sleep:    sleepCtx,
	}
}

// OnTransition starts one background run when a call enters completed.
func (s *Service) OnTransition(ctx context.Context, t calls.Transition) {
	if t.To != calls.StateCompleted {
		return
	}
	callID := t.Session.ID
	runCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Run(runCtx, callID); err != nil {
			s.log.Debug("enrichment run ended with error", "call_id", callID, "err", err)
		}
	}()
}

// Wait blocks until all background runs have returned.
func (s *Service) Wait() { s.wg.Wait() }

// Run enriches one completed call. It is a no-op for a call that already
// carries a recording.
func (s *Service) Run(ctx context.Context, callID string) (calls.Session, error) {
	sess, err := s.calls.Get(ctx, callID)
	if err != nil {
		return calls.Session{}, err
	}
	if sess.State != calls.StateCompleted {
		return sess, fmt.Errorf("enrichment: call %s is %s: %w", callID, sess.State, apperr.ErrInvalidState)
	}
	if sess.RecordingRef != "" {
		return sess, nil
	}
	log := logger.ForCall(s.log, callID)

	recordingID := sess.ProviderRecordingID
	if recordingID == "" {
		if s.locator == nil || sess.ProviderCallRef == "" {
			return sess, s.fail(ctx, log, callID, StepLocate, fmt.Errorf("enrichment: no recording for %s: %w", callID, apperr.ErrNotFound))
		}
		err := s.retry(ctx, log, StepLocate, func(ctx context.Context) error {
			id, err := s.locator.LatestRecordingID(ctx, sess.ProviderCallRef)
			recordingID = id
			return err
		})
		if err != nil {
			return sess, s.fail(ctx, log, callID, StepLocate, err)
		}
	}

	var ref string
	err = s.retry(ctx, log, StepFetch, func(ctx context.Context) error {
		r, err := s.store.FetchRecording(ctx, recordingID)
		ref = r
		return err
	})
	if err != nil {
		return sess, s.fail(ctx, log, callID, StepFetch, err)
	}

	var attached bool
	err = s.retry(ctx, log, StepAttach, func(ctx context.Context) error {
		out, ok, err := s.calls.AttachRecording(ctx, callID, ref)
		if err == nil {
			sess, attached = out, ok
		}
		return err
	})
	if err != nil {
		return sess, s.fail(ctx, log, callID, StepAttach, err)
	}

	if attached {
		log.Info("recording attached", "recording_id", recordingID)
	}
	return sess, nil
}

// retry runs fn until it succeeds, fails with a non-upstream error, or
// MaxAttempts is reached.
func (s *Service) retry(ctx context.Context, log *slog.Logger, step string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := s.backoff(attempt - 1)
			log.Warn("enrichment step retry", "step", step, "attempt", attempt+1, "wait", wait, "err", err)
			if serr := s.sleep(ctx, wait); serr != nil {
				return errors.Join(err, serr)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
		err = fn(stepCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !apperr.IsUpstream(err) {
			return err
		}
	}
	return err
}

func (s *Service) backoff(retry int) time.Duration {
	if retry >= len(s.cfg.Backoff) {
		return s.cfg.Backoff[len(s.cfg.Backoff)-1]
	}
	return s.cfg.Backoff[retry]
}

func (s *Service) fail(ctx context.Context, log *slog.Logger, callID, step string, err error) error {
	log.Error("enrichment failed", "step", step, "err", err)
	if s.failures != nil {
		s.failures.EnrichmentFailed(ctx, callID, step, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
