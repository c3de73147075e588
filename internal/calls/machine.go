package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"callcore/internal/apperr"

	"github.com/google/uuid"
)

// Options configures a Machine. Zero timeouts disable the matching timer.
type Options struct {
	Dialer Dialer
	Gate   Gate
	Logger *slog.Logger

	// RingTimeout fails a call that never reports ringing.
	RingTimeout time.Duration
	// AnswerTimeout marks a ringing call as missed.
	AnswerTimeout time.Duration
	// UpstreamTimeout bounds Dialer.PlaceCall.
	UpstreamTimeout time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Machine owns the lifecycle of every call session.
//
// Concurrency:
//   - All read-modify-write cycles on one call run under a per-call lock.
//   - Calls never share a lock; they proceed in parallel.
//   - The lock is held only around Store access. Provider calls and
//     listeners run outside it.
type Machine struct {
	store  Store
	refs   RefIndex
	dialer Dialer
	gate   Gate
	log    *slog.Logger
	opts   Options

	locks *keyedLocks

	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu         sync.Mutex
	listeners  []Listener
	closeHooks []func(callID string)
	timers     map[string]*time.Timer
	gated      map[string]string // callID -> owner holding a gate slot
}

func NewMachine(store Store, refs RefIndex, opts Options) *Machine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Machine{
		store:  store,
		refs:   refs,
		dialer: opts.Dialer,
		gate:   opts.Gate,
		log:    log,
		opts:   opts,
		locks:  newKeyedLocks(),
		clock:  clock,
		timers: make(map[string]*time.Timer),
		gated:  make(map[string]string),
	}
}

// AddCloseHook registers fn to run when a call reaches a terminal state.
// Hooks run before the call's lock is released, so no reader sees the
// terminal state ahead of them. A hook must not call back into the Machine.
func (m *Machine) AddCloseHook(fn func(callID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHooks = append(m.closeHooks, fn)
}

// AddListener registers l for every applied transition.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

type CreateRequest struct {
	OwnerUserID        string `json:"owner_user_id"`
	CounterpartAddress string `json:"counterpart_address"`
}

// Create persists a new requested session and arms the ring timeout.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (Session, error) {
	owner := strings.TrimSpace(req.OwnerUserID)
	to := strings.TrimSpace(req.CounterpartAddress)
	if owner == "" || to == "" {
		return Session{}, fmt.Errorf("calls: owner and counterpart are required: %w", apperr.ErrInvalidArgument)
	}

	now := m.clock().UTC()
	s := Session{
		ID:                 uuid.NewString(),
		OwnerUserID:        owner,
		CounterpartAddress: to,
		State:              StateRequested,
		RequestedAt:        now,
		UpdatedAt:          now,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	m.arm(s.ID, m.opts.RingTimeout, EventRingTimeout)
	return s, nil
}

// Initiate creates a session and places the provider call leg.
// Without a Dialer the session is left in requested for the client to dial.
func (m *Machine) Initiate(ctx context.Context, req CreateRequest) (Session, error) {
	if m.gate != nil {
		ok, err := m.gate.Acquire(ctx, req.OwnerUserID)
		if err != nil {
			return Session{}, apperr.Upstream("calls: concurrency gate", err)
		}
		if !ok {
			return Session{}, apperr.ErrConcurrencyLimit
		}
	}

	s, err := m.Create(ctx, req)
	if err != nil {
		m.releaseOwner(ctx, req.OwnerUserID)
		return Session{}, err
	}
	if m.gate != nil {
		m.mu.Lock()
		m.gated[s.ID] = s.OwnerUserID
		m.mu.Unlock()
	}
	if m.dialer == nil {
		return s, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.UpstreamTimeout)
	ref, err := m.dialer.PlaceCall(dialCtx, PlaceCallRequest{
		CallID:      s.ID,
		OwnerUserID: s.OwnerUserID,
		To:          s.CounterpartAddress,
	})
	cancel()
	if err != nil {
		upErr := apperr.Upstream("calls: place call", err)
		if _, applyErr := m.Apply(context.WithoutCancel(ctx), s.ID, Event{
			Type:   EventError,
			Source: SourceSystem,
			Reason: "dial failed",
		}); applyErr != nil {
			m.log.Error("mark failed dial", "call_id", s.ID, "err", applyErr)
		}
		return Session{}, upErr
	}

	return m.BindProviderRef(ctx, s.ID, ref)
}

// BindProviderRef records the provider's reference for callID so that
// webhooks can be routed back to it. Rebinding the same ref is a no-op.
// The index is written only once the session accepted the ref.
func (m *Machine) BindProviderRef(ctx context.Context, callID, ref string) (Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Session{}, fmt.Errorf("calls: provider ref is required: %w", apperr.ErrInvalidArgument)
	}

	_, after, err := m.mutate(ctx, callID, func(s Session) (Session, bool, error) {
		switch s.ProviderCallRef {
		case ref:
			return s, false, nil
		case "":
			s.ProviderCallRef = ref
			s.UpdatedAt = m.clock().UTC()
			return s, true, nil
		default:
			return s, false, fmt.Errorf("calls: %s already bound to %s: %w", callID, s.ProviderCallRef, apperr.ErrInvalidState)
		}
	}, nil)
	if err != nil {
		return after, err
	}
	if err := m.refs.Put(ctx, ref, callID); err != nil {
		return after, fmt.Errorf("calls: index provider ref: %w", err)
	}
	return after, nil
}

// Apply is the single transition entry point for every event source.
// Replayed or already-satisfied events return the current session without error.
func (m *Machine) Apply(ctx context.Context, callID string, ev Event) (Session, error) {
	if !ev.Type.Valid() {
		return Session{}, fmt.Errorf("calls: unknown event %q: %w", ev.Type, apperr.ErrInvalidArgument)
	}

	before, after, err := m.mutate(ctx, callID, func(s Session) (Session, bool, error) {
		return transition(s, ev, m.clock().UTC())
	}, m.runCloseHooks)
	if err != nil {
		return before, err
	}
	if after.State != before.State {
		m.afterTransition(context.WithoutCancel(ctx), Transition{
			From:    before.State,
			To:      after.State,
			Event:   ev,
			Session: after,
		})
	}
	return after, nil
}

// ApplyProvider routes a provider event through the provider ref index.
func (m *Machine) ApplyProvider(ctx context.Context, providerRef string, ev Event) (Session, error) {
	callID, err := m.refs.Lookup(ctx, providerRef)
	if err != nil {
		return Session{}, err
	}
	ev.Source = SourceProvider
	return m.Apply(ctx, callID, ev)
}

// SetQualityScore writes the score while the call is in progress or completed.
func (m *Machine) SetQualityScore(ctx context.Context, callID string, score float64) (Session, error) {
	if math.IsNaN(score) || score < 0 || score > 5 {
		return Session{}, fmt.Errorf("calls: quality score %v outside [0,5]: %w", score, apperr.ErrInvalidArgument)
	}
	_, after, err := m.mutate(ctx, callID, func(s Session) (Session, bool, error) {
		if s.State != StateInProgress && s.State != StateCompleted {
			return s, false, fmt.Errorf("calls: quality score in state %s: %w", s.State, apperr.ErrInvalidState)
		}
		q := score
		s.QualityScore = &q
		s.UpdatedAt = m.clock().UTC()
		return s, true, nil
	}, nil)
	return after, err
}

// AttachRecording stores ref on a completed call. It reports false when the
// call already carries a recording, leaving the existing one in place.
func (m *Machine) AttachRecording(ctx context.Context, callID, ref string) (Session, bool, error) {
	if ref == "" {
		return Session{}, false, fmt.Errorf("calls: recording ref is required: %w", apperr.ErrInvalidArgument)
	}

	unlock := m.locks.Lock(callID)
	defer unlock()

	s, err := m.store.Get(ctx, callID)
	if err != nil {
		return Session{}, false, err
	}
	if s.State != StateCompleted {
		return s, false, fmt.Errorf("calls: recording in state %s: %w", s.State, apperr.ErrInvalidState)
	}
	if s.RecordingRef != "" {
		return s, false, nil
	}
	if err := m.store.AppendRecording(ctx, callID, ref); err != nil {
		return s, false, err
	}
	s.RecordingRef = ref
	return s, true, nil
}

func (m *Machine) Get(ctx context.Context, callID string) (Session, error) {
	return m.store.Get(ctx, callID)
}

// mutate runs fn against the stored session under the call's lock and saves
// the result when fn reports a change. saved, when set, runs after a
// successful save while the lock is still held. On error the stored session
// is untouched.
func (m *Machine) mutate(ctx context.Context, callID string, fn func(Session) (Session, bool, error), saved func(before, after Session)) (Session, Session, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()

	before, err := m.store.Get(ctx, callID)
	if err != nil {
		return Session{}, Session{}, err
	}
	after, changed, err := fn(before)
	if err != nil {
		return before, before, err
	}
	if !changed {
		return before, before, nil
	}
	if err := m.store.Save(ctx, after); err != nil {
		return before, before, fmt.Errorf("calls: save %s: %w", callID, err)
	}
	if saved != nil {
		saved(before, after)
	}
	return before, after, nil
}

func (m *Machine) runCloseHooks(before, after Session) {
	if before.State.Terminal() || !after.State.Terminal() {
		return
	}
	m.mu.Lock()
	hooks := append(([]func(string))(nil), m.closeHooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(after.ID)
	}
}

func (m *Machine) afterTransition(ctx context.Context, t Transition) {
	callID := t.Session.ID
	switch {
	case t.To == StateRinging:
		m.armWhile(ctx, callID, StateRinging, m.opts.AnswerTimeout, EventAnswerTimeout)
	case t.To == StateInProgress:
		m.disarm(callID)
	case t.To.Terminal():
		m.disarm(callID)
		m.releaseCall(ctx, callID)
	}

	m.log.Info("call transition",
		"call_id", callID,
		"from", t.From,
		"to", t.To,
		"event", t.Event.Type,
		"source", t.Event.Source,
	)

	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnTransition(ctx, t)
	}
}

// armWhile arms a timer only if the call is still in state. It holds the
// call's lock, so a later terminal transition always disarms after it.
func (m *Machine) armWhile(ctx context.Context, callID string, state State, d time.Duration, ev EventType) {
	if d <= 0 {
		return
	}
	unlock := m.locks.Lock(callID)
	defer unlock()
	s, err := m.store.Get(ctx, callID)
	if err != nil || s.State != state {
		return
	}
	m.arm(callID, d, ev)
}

// arm replaces any pending timer for callID.
func (m *Machine) arm(callID string, d time.Duration, ev EventType) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[callID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// t is assigned under m.mu, so read it under m.mu too.
		m.mu.Lock()
		if m.timers[callID] == t {
			delete(m.timers, callID)
		}
		m.mu.Unlock()
		m.fire(callID, ev)
	})
	m.timers[callID] = t
}

func (m *Machine) disarm(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}

func (m *Machine) fire(callID string, ev EventType) {
	_, err := m.Apply(context.Background(), callID, Event{Type: ev, Source: SourceSystem, Reason: string(ev)})
	if err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
		m.log.Warn("call timer", "call_id", callID, "event", ev, "err", err)
	}
}

func (m *Machine) pendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Machine) releaseCall(ctx context.Context, callID string) {
	m.mu.Lock()
	owner, ok := m.gated[callID]
	delete(m.gated, callID)
	m.mu.Unlock()
	if ok {
		m.releaseOwner(ctx, owner)
	}
}

func (m *Machine) releaseOwner(ctx context.Context, owner string) {
	if m.gate == nil {
		return
	}
	if err := m.gate.Release(ctx, owner); err != nil {
		m.log.Warn("release call slot", "owner_user_id", owner, "err", err)
	}
}
