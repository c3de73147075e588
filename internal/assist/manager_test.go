package assist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"

	"github.com/stretchr/testify/require"
)

type fakeCalls struct {
	mu     sync.Mutex
	states map[string]calls.State
}

func newFakeCalls(states map[string]calls.State) *fakeCalls {
	return &fakeCalls{states: states}
}

func (f *fakeCalls) Get(ctx context.Context, callID string) (calls.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[callID]
	if !ok {
		return calls.Session{}, apperr.ErrNotFound
	}
	return calls.Session{ID: callID, State: st}, nil
}

func (f *fakeCalls) set(callID string, st calls.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[callID] = st
}

func echoGenerator() Generator {
	return GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		return "You could ask about " + turns[len(turns)-1].Text, nil
	})
}

func TestAppendRequiresInProgressCall(t *testing.T) {
	ctx := context.Background()
	m := NewManager(echoGenerator(), newFakeCalls(map[string]calls.State{
		"ringing": calls.StateRinging,
		"done":    calls.StateCompleted,
	}), Config{}, nil)

	require.ErrorIs(t, m.AppendTranscript(ctx, "ringing", "caller", "hello"), apperr.ErrInvalidState)
	require.ErrorIs(t, m.AppendTranscript(ctx, "done", "caller", "hello"), apperr.ErrSessionClosed)
	require.ErrorIs(t, m.AppendTranscript(ctx, "missing", "caller", "hello"), apperr.ErrNotFound)
	require.ErrorIs(t, m.AppendTranscript(ctx, "done", "caller", "  "), apperr.ErrInvalidArgument)
	require.Zero(t, m.Active())
}

func TestTrimDropsOldestWholeTurns(t *testing.T) {
	ctx := context.Background()
	m := NewManager(echoGenerator(), newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{MaxTurns: 3, MaxBytes: 1000}, nil)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", text))
	}
	turns, err := m.Turns("c1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, []string{"three", "four", "five"}, texts(turns))
}

func TestTrimByBytesKeepsNewestTurnIntact(t *testing.T) {
	ctx := context.Background()
	m := NewManager(echoGenerator(), newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{MaxTurns: 10, MaxBytes: 10}, nil)

	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "hello"))
	require.NoError(t, m.AppendTranscript(ctx, "c1", "agent", "hi"))
	long := strings.Repeat("x", 25)
	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", long))

	turns, err := m.Turns("c1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, long, turns[0].Text)
}

func TestConcurrentSuggestionsInvokeBackendOnce(t *testing.T) {
	ctx := context.Background()
	var invocations atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		invocations.Add(1)
		close(started)
		<-release
		return "Ask about the budget.", nil
	})
	m := NewManager(gen, newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{}, nil)
	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "We need a quote."))

	type result struct {
		s   Suggestion
		err error
	}
	first := make(chan result, 1)
	go func() {
		s, err := m.RequestSuggestion(ctx, "c1")
		first <- result{s, err}
	}()

	<-started
	_, err := m.RequestSuggestion(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrAlreadyInFlight)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	require.Equal(t, "Ask about the budget.", r.s.Text)
	require.Equal(t, 1, r.s.TurnCount)
	require.Equal(t, int32(1), invocations.Load())
}

func TestSuggestionDiscardedWhenCallCloses(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		close(started)
		<-release
		return "too late", nil
	})
	m := NewManager(gen, newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{}, nil)
	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "hello"))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.RequestSuggestion(ctx, "c1")
		errCh <- err
	}()
	<-started
	m.Close("c1")
	close(release)

	require.ErrorIs(t, <-errCh, apperr.ErrSessionClosed)
}

func TestClosedCallRejectsAndPurges(t *testing.T) {
	ctx := context.Background()
	fc := newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress})
	m := NewManager(echoGenerator(), fc, Config{}, nil)
	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "secret account number"))
	require.Equal(t, 1, m.Active())

	fc.set("c1", calls.StateCompleted)
	m.Close("c1")

	require.Zero(t, m.Active())
	require.ErrorIs(t, m.AppendTranscript(ctx, "c1", "caller", "more"), apperr.ErrSessionClosed)
	_, err := m.RequestSuggestion(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
	_, err = m.Turns("c1")
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
}

func TestClosedRetentionFallsBackToCallState(t *testing.T) {
	ctx := context.Background()
	fc := newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress, "c2": calls.StateInProgress})
	m := NewManager(echoGenerator(), fc, Config{ClosedRetention: time.Minute}, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "hello"))
	fc.set("c1", calls.StateCompleted)
	m.Close("c1")

	now = now.Add(2 * time.Minute)
	m.Close("c2")

	m.mu.Lock()
	_, remembered := m.closed["c1"]
	m.mu.Unlock()
	require.False(t, remembered)
	require.ErrorIs(t, m.AppendTranscript(ctx, "c1", "caller", "again"), apperr.ErrSessionClosed)
}

func TestGeneratorErrorsAreClassified(t *testing.T) {
	ctx := context.Background()
	m := NewManager(GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{Timeout: 10 * time.Millisecond}, nil)
	require.NoError(t, m.AppendTranscript(ctx, "c1", "caller", "hello"))

	_, err := m.RequestSuggestion(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrUpstreamTimeout)

	m.gen = GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		return "", errors.New("503 from backend")
	})
	_, err = m.RequestSuggestion(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)

	m.gen = GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) { return " ", nil })
	_, err = m.RequestSuggestion(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestSuggestionWithoutTranscript(t *testing.T) {
	m := NewManager(echoGenerator(), newFakeCalls(map[string]calls.State{"c1": calls.StateInProgress}), Config{}, nil)
	_, err := m.RequestSuggestion(context.Background(), "c1")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	require.Zero(t, m.Active())
}

func TestTranscriptRendering(t *testing.T) {
	out := Transcript([]Turn{{Speaker: "caller", Text: "Hi"}, {Speaker: "agent", Text: "Hello"}})
	require.Equal(t, "caller: Hi\nagent: Hello", out)
}

func texts(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func TestTerminalCallIsPurgedBeforeListenersRun(t *testing.T) {
	ctx := context.Background()
	machine := calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{})
	s, err := machine.Create(ctx, calls.CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15550001"})
	require.NoError(t, err)
	for seq, ev := range []calls.EventType{calls.EventRinging, calls.EventAnswered} {
		_, err := machine.Apply(ctx, s.ID, calls.Event{Type: ev, Source: calls.SourceProvider, Seq: int64(seq + 1)})
		require.NoError(t, err)
	}

	var generated atomic.Int32
	m := NewManager(GeneratorFunc(func(ctx context.Context, turns []Turn) (string, error) {
		generated.Add(1)
		return "Offer a callback.", nil
	}), machine, Config{}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	machine.AddListener(calls.ListenerFunc(func(ctx context.Context, tr calls.Transition) {
		if tr.To.Terminal() {
			close(entered)
			<-release
		}
	}))
	machine.AddCloseHook(m.Close)

	require.NoError(t, m.AppendTranscript(ctx, s.ID, "caller", "my card ends in 4242"))

	ended := make(chan error, 1)
	go func() {
		_, err := machine.Apply(ctx, s.ID, calls.Event{Type: calls.EventEnd, Source: calls.SourceAgent})
		ended <- err
	}()
	<-entered

	require.ErrorIs(t, m.AppendTranscript(ctx, s.ID, "caller", "and the expiry is"), apperr.ErrSessionClosed)
	_, err = m.RequestSuggestion(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
	_, err = m.Turns(s.ID)
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
	require.Zero(t, m.Active())
	require.Zero(t, generated.Load())

	close(release)
	require.NoError(t, <-ended)
}
