package calls

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callcore/internal/apperr"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDialer struct {
	ref string
	err error
}

func (d fakeDialer) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	return d.ref, d.err
}

type countingGate struct {
	mu     sync.Mutex
	limit  int
	active map[string]int
}

func (g *countingGate) Acquire(ctx context.Context, owner string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[owner] >= g.limit {
		return false, nil
	}
	g.active[owner]++
	return true, nil
}

func (g *countingGate) Release(ctx context.Context, owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[owner]--
	return nil
}

func (g *countingGate) count(owner string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[owner]
}

func newTestMachine(t *testing.T, opts Options) (*Machine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: t0}
	opts.Clock = clk.Now
	m := NewMachine(NewMemoryRepo(), NewMemoryRefIndex(), opts)
	return m, clk
}

func createCall(t *testing.T, m *Machine) Session {
	t.Helper()
	s, err := m.Create(context.Background(), CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15550001"})
	require.NoError(t, err)
	require.Equal(t, StateRequested, s.State)
	return s
}

func provider(t EventType, seq int64) Event {
	return Event{Type: t, Source: SourceProvider, Seq: seq}
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	once := createCall(t, m)
	replayed := createCall(t, m)

	inOrder := []Event{provider(EventRinging, 1), provider(EventAnswered, 2), provider(EventCompleted, 3)}
	for _, ev := range inOrder {
		_, err := m.Apply(ctx, once.ID, ev)
		require.NoError(t, err)
	}

	deliveries := []Event{
		provider(EventRinging, 1), provider(EventRinging, 1),
		provider(EventAnswered, 2), provider(EventRinging, 1), provider(EventAnswered, 2),
		provider(EventCompleted, 3), provider(EventCompleted, 3), provider(EventAnswered, 2),
	}
	for _, ev := range deliveries {
		_, err := m.Apply(ctx, replayed.ID, ev)
		require.NoError(t, err)
	}

	a, err := m.Get(ctx, once.ID)
	require.NoError(t, err)
	b, err := m.Get(ctx, replayed.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Equal(t, a.State, b.State)
	require.Equal(t, a.ProviderEventSeq, b.ProviderEventSeq)
	require.Equal(t, a.DurationSeconds, b.DurationSeconds)
}

func TestAnsweredBeforeRingingIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventAnswered, 1))
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateRequested, got.State)
	require.Nil(t, got.AnsweredAt)
	require.Zero(t, got.ProviderEventSeq)
}

func TestDurationEqualsEndedMinusAnswered(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMachine(t, Options{})
	s := createCall(t, m)

	clk.Advance(5 * time.Second)
	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	clk.Advance(5 * time.Second)
	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 2))
	require.NoError(t, err)
	clk.Advance(90 * time.Second)

	d := 42
	got, err := m.Apply(ctx, s.ID, Event{Type: EventEnd, Source: SourceAgent, ReportedDurationSeconds: &d})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, 42, got.DurationSeconds)
	require.Equal(t, int(got.EndedAt.Sub(*got.AnsweredAt)/time.Second), got.DurationSeconds)
	require.False(t, got.StartedAt.Before(got.RequestedAt))
	require.False(t, got.AnsweredAt.Before(*got.StartedAt))
}

func TestQualityScoreGuard(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, err := m.SetQualityScore(ctx, s.ID, 4)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 2))
	require.NoError(t, err)

	got, err := m.SetQualityScore(ctx, s.ID, 4.5)
	require.NoError(t, err)
	require.NotNil(t, got.QualityScore)
	require.Equal(t, 4.5, *got.QualityScore)
	require.Equal(t, StateInProgress, got.State)

	_, err = m.SetQualityScore(ctx, s.ID, 7)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventNoAnswer, 2))
	require.NoError(t, err)

	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 3))
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = m.Apply(ctx, s.ID, Event{Type: EventEnd, Source: SourceClient})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateMissed, got.State)
}

func TestAgentEndThenProviderCompletedIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	var completions atomic.Int32
	m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) {
		if tr.To == StateCompleted {
			completions.Add(1)
		}
	}))

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 2))
	require.NoError(t, err)
	ended, err := m.Apply(ctx, s.ID, Event{Type: EventEnd, Source: SourceAgent})
	require.NoError(t, err)

	got, err := m.Apply(ctx, s.ID, Event{Type: EventCompleted, Source: SourceProvider, Seq: 3, RecordingID: "RE123"})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, ended.EndedAt, got.EndedAt)
	require.Equal(t, "RE123", got.ProviderRecordingID)
	require.Equal(t, int32(1), completions.Load())
}

func TestConcurrentEndsTransitionOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)
	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 2))
	require.NoError(t, err)

	var transitions atomic.Int32
	m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) { transitions.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := Event{Type: EventEnd, Source: SourceAgent}
			if i%2 == 0 {
				ev = provider(EventCompleted, 3)
			}
			if _, err := m.Apply(ctx, s.ID, ev); err != nil {
				t.Errorf("apply %s: %v", ev.Type, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), transitions.Load())
	require.Zero(t, m.locks.size())
}

func TestCallsDoNotShareLocks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = createCall(t, m).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for seq, ev := range []EventType{EventRinging, EventAnswered, EventCompleted} {
				if _, err := m.Apply(ctx, id, provider(ev, int64(seq+1))); err != nil {
					t.Errorf("apply %s on %s: %v", ev, id, err)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		s, err := m.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, s.State)
	}
}

func TestRingTimeoutFailsCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{RingTimeout: 20 * time.Millisecond})
	s := createCall(t, m)

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, s.ID)
		return err == nil && got.State == StateFailed
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.pendingTimers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAnswerTimeoutIgnoredAfterAnswer(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{AnswerTimeout: 20 * time.Millisecond})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventAnswered, 2))
	require.NoError(t, err)
	require.Zero(t, m.pendingTimers())

	time.Sleep(50 * time.Millisecond)
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateInProgress, got.State)
}

func TestFiredTimerLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{AnswerTimeout: 50 * time.Millisecond})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	require.Equal(t, 1, m.pendingTimers())

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, s.ID)
		return err == nil && got.State == StateMissed
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.pendingTimers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLateRingingDoesNotArmEndedCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, Event{Type: EventEnd, Source: SourceAgent})
	require.NoError(t, err)

	// The ringing transition's follow-up can run after the call ended.
	m.armWhile(ctx, s.ID, StateRinging, time.Hour, EventAnswerTimeout)
	require.Zero(t, m.pendingTimers())
}

func TestCloseHooksRunBeforeUnlockAndListeners(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	var order []string
	var mu sync.Mutex
	record := func(what string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, what)
	}
	m.AddCloseHook(func(callID string) {
		require.Equal(t, s.ID, callID)
		// The call's lock is still held here.
		locked := make(chan struct{})
		go func() {
			unlock := m.locks.Lock(callID)
			unlock()
			close(locked)
		}()
		select {
		case <-locked:
			record("unlocked")
		case <-time.After(20 * time.Millisecond):
			record("hook")
		}
	})
	m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) {
		if tr.To.Terminal() {
			record("listener")
		}
	}))

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, Event{Type: EventEnd, Source: SourceAgent})
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, provider(EventCompleted, 3))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"hook", "listener"}, order)
}

func TestAnswerTimeoutMissesRingingCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{AnswerTimeout: 20 * time.Millisecond})
	s := createCall(t, m)

	_, err := m.Apply(ctx, s.ID, provider(EventRinging, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, s.ID)
		return err == nil && got.State == StateMissed
	}, time.Second, 5*time.Millisecond)
}

func TestInitiateBindsProviderRef(t *testing.T) {
	ctx := context.Background()
	gate := &countingGate{limit: 1, active: map[string]int{}}
	m, _ := newTestMachine(t, Options{Dialer: fakeDialer{ref: "CA123"}, Gate: gate})

	s, err := m.Initiate(ctx, CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15550001"})
	require.NoError(t, err)
	require.Equal(t, "CA123", s.ProviderCallRef)
	require.Equal(t, 1, gate.count("u1"))

	_, err = m.Initiate(ctx, CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15550002"})
	require.ErrorIs(t, err, apperr.ErrConcurrencyLimit)

	got, err := m.ApplyProvider(ctx, "CA123", Event{Type: EventError, Seq: 1, Reason: "busy"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, "busy", got.FailureReason)
	require.Equal(t, 0, gate.count("u1"))
}

func TestInitiateDialFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	gate := &countingGate{limit: 1, active: map[string]int{}}
	repo := NewMemoryRepo()
	m := NewMachine(repo, NewMemoryRefIndex(), Options{
		Dialer: fakeDialer{err: errors.New("connection refused")},
		Gate:   gate,
	})

	_, err := m.Initiate(ctx, CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15550001"})
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	require.Equal(t, 0, gate.count("u1"))

	all, err := repo.List(ctx, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, StateFailed, all[0].State)
}

func TestApplyProviderUnknownRef(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	_, err := m.ApplyProvider(context.Background(), "CA404", provider(EventRinging, 1))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBindProviderRefConflict(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, err := m.BindProviderRef(ctx, s.ID, "CA1")
	require.NoError(t, err)
	_, err = m.BindProviderRef(ctx, s.ID, "CA1")
	require.NoError(t, err)
	_, err = m.BindProviderRef(ctx, s.ID, "CA2")
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = m.ApplyProvider(ctx, "CA2", provider(EventRinging, 1))
	require.ErrorIs(t, err, apperr.ErrNotFound)
	got, err := m.ApplyProvider(ctx, "CA1", provider(EventRinging, 1))
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestBindProviderRefUnknownCallIsNotIndexed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})

	_, err := m.BindProviderRef(ctx, "missing", "CA9")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = m.refs.Lookup(ctx, "CA9")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAttachRecordingOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, Options{})
	s := createCall(t, m)

	_, _, err := m.AttachRecording(ctx, s.ID, "s3://rec/1")
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	for seq, ev := range []EventType{EventRinging, EventAnswered, EventCompleted} {
		_, err := m.Apply(ctx, s.ID, provider(ev, int64(seq+1)))
		require.NoError(t, err)
	}

	got, attached, err := m.AttachRecording(ctx, s.ID, "s3://rec/1")
	require.NoError(t, err)
	require.True(t, attached)
	require.Equal(t, "s3://rec/1", got.RecordingRef)

	got, attached, err = m.AttachRecording(ctx, s.ID, "s3://rec/2")
	require.NoError(t, err)
	require.False(t, attached)
	require.Equal(t, "s3://rec/1", got.RecordingRef)
}

func TestApplyUnknownCall(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	_, err := m.Apply(context.Background(), "missing", provider(EventRinging, 1))
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Zero(t, m.locks.size())
}
