package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"
)

// CallReader reports the current state of a call.
type CallReader interface {
	Get(ctx context.Context, callID string) (calls.Session, error)
}

type Config struct {
	MaxTurns int
	MaxBytes int
	// Timeout bounds one Generator call.
	Timeout time.Duration
	// ClosedRetention is how long a closed call is remembered without
	// consulting the call store again.
	ClosedRetention time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxTurns <= 0 {
		out.MaxTurns = 50
	}
	if out.MaxBytes <= 0 {
		out.MaxBytes = 16 << 10
	}
	if out.Timeout <= 0 {
		out.Timeout = 8 * time.Second
	}
	if out.ClosedRetention <= 0 {
		out.ClosedRetention = time.Hour
	}
	return out
}

// Manager keeps one bounded transcript context per in-progress call and
// issues at most one suggestion request per call at a time.
//
// Lifecycle:
//   - A context is created by the first fragment for a call in progress.
//   - It is purged by Close, registered as a calls.Machine close hook so the
//     purge lands before any reader can observe the terminal state.
//   - Purged contexts are never recreated.
type Manager struct {
	gen   Generator
	calls CallReader
	cfg   Config
	log   *slog.Logger

	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu       sync.Mutex
	contexts map[string]*callContext
	closed   map[string]time.Time
}

type callContext struct {
	mu       sync.Mutex
	turns    []Turn
	bytes    int
	inFlight bool
	closed   bool
}

func NewManager(gen Generator, calls CallReader, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		gen:      gen,
		calls:    calls,
		cfg:      cfg.withDefaults(),
		log:      log,
		clock:    time.Now,
		contexts: make(map[string]*callContext),
		closed:   make(map[string]time.Time),
	}
}

// AppendTranscript adds one fragment to the call's context. It never waits
// on the inference backend.
func (m *Manager) AppendTranscript(ctx context.Context, callID, speaker, text string) error {
	speaker = strings.TrimSpace(speaker)
	text = strings.TrimSpace(text)
	if speaker == "" || text == "" {
		return fmt.Errorf("assist: speaker and text are required: %w", apperr.ErrInvalidArgument)
	}

	c, err := m.open(ctx, callID, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrSessionClosed
	}
	c.turns = append(c.turns, Turn{Speaker: speaker, Text: text, At: m.clock().UTC()})
	c.bytes += len(text)
	c.trim(m.cfg.MaxTurns, m.cfg.MaxBytes)
	return nil
}

// RequestSuggestion generates a suggestion from a snapshot of the current
// context. A second request for the same call while one is pending fails
// with ErrAlreadyInFlight. A result that arrives after the call closed is
// dropped and ErrSessionClosed returned.
func (m *Manager) RequestSuggestion(ctx context.Context, callID string) (Suggestion, error) {
	if m.gen == nil {
		return Suggestion{}, fmt.Errorf("assist: no generator configured: %w", apperr.ErrUpstreamUnavailable)
	}
	c, err := m.open(ctx, callID, false)
	if err != nil {
		return Suggestion{}, err
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return Suggestion{}, apperr.ErrSessionClosed
	case c.inFlight:
		c.mu.Unlock()
		return Suggestion{}, apperr.ErrAlreadyInFlight
	case len(c.turns) == 0:
		c.mu.Unlock()
		return Suggestion{}, fmt.Errorf("assist: no transcript for %s yet: %w", callID, apperr.ErrInvalidState)
	}
	c.inFlight = true
	snapshot := append([]Turn(nil), c.turns...)
	c.mu.Unlock()

	genCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	text, genErr := m.gen.Generate(genCtx, snapshot)
	cancel()

	c.mu.Lock()
	c.inFlight = false
	closed := c.closed
	c.mu.Unlock()

	if closed {
		m.log.Debug("suggestion discarded for closed call", "call_id", callID)
		return Suggestion{}, apperr.ErrSessionClosed
	}
	if genErr != nil {
		return Suggestion{}, apperr.Upstream("assist: generate", genErr)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Suggestion{}, fmt.Errorf("assist: empty suggestion: %w", apperr.ErrUpstreamUnavailable)
	}
	return Suggestion{
		CallID:      callID,
		Text:        text,
		GeneratedAt: m.clock().UTC(),
		TurnCount:   len(snapshot),
	}, nil
}

// Turns returns a copy of the call's current context.
func (m *Manager) Turns(callID string) ([]Turn, error) {
	m.mu.Lock()
	c, ok := m.contexts[callID]
	_, closed := m.closed[callID]
	m.mu.Unlock()
	if closed {
		return nil, apperr.ErrSessionClosed
	}
	if !ok {
		return nil, apperr.ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apperr.ErrSessionClosed
	}
	return append([]Turn(nil), c.turns...), nil
}

// Close purges the call's context. Safe to call more than once.
func (m *Manager) Close(callID string) {
	now := m.clock()

	m.mu.Lock()
	c := m.contexts[callID]
	delete(m.contexts, callID)
	m.closed[callID] = now
	for id, at := range m.closed {
		if now.Sub(at) > m.cfg.ClosedRetention {
			delete(m.closed, id)
		}
	}
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	for i := range c.turns {
		c.turns[i] = Turn{}
	}
	c.turns = nil
	c.bytes = 0
	c.mu.Unlock()
}

// Active reports how many calls hold a context.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// open returns the call's context, creating it when create is set and the
// call is in progress.
func (m *Manager) open(ctx context.Context, callID string, create bool) (*callContext, error) {
	m.mu.Lock()
	c, ok := m.contexts[callID]
	_, closed := m.closed[callID]
	m.mu.Unlock()
	if closed {
		return nil, apperr.ErrSessionClosed
	}
	if ok {
		return c, nil
	}

	s, err := m.calls.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("assist: load call %s: %w", callID, err)
	}
	switch {
	case s.State.Terminal():
		return nil, apperr.ErrSessionClosed
	case s.State != calls.StateInProgress:
		return nil, fmt.Errorf("assist: call %s is %s: %w", callID, s.State, apperr.ErrInvalidState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, closed := m.closed[callID]; closed {
		return nil, apperr.ErrSessionClosed
	}
	if c, ok := m.contexts[callID]; ok {
		return c, nil
	}
	c = &callContext{}
	if create {
		m.contexts[callID] = c
	}
	return c, nil
}

// trim drops the oldest turns until both caps hold. The newest turn is
// always kept, even when it alone exceeds maxBytes.
func (c *callContext) trim(maxTurns, maxBytes int) {
	for len(c.turns) > 1 && (len(c.turns) > maxTurns || c.bytes > maxBytes) {
		c.bytes -= len(c.turns[0].Text)
		c.turns[0] = Turn{}
		c.turns = c.turns[1:]
	}
}
