package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"

	"github.com/stretchr/testify/require"
)

type fakeRecordings struct {
	mu        sync.Mutex
	latest    map[string]string // call ref -> recording id
	fetchErrs []error           // returned in order before success
	fetches   int
}

func (f *fakeRecordings) LatestRecordingID(ctx context.Context, providerCallRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.latest[providerCallRef]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return id, nil
}

func (f *fakeRecordings) FetchRecording(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return "", err
	}
	return "https://media.example.com/" + id + ".mp3", nil
}

type failureLog struct {
	mu    sync.Mutex
	steps []string
}

func (f *failureLog) EnrichmentFailed(ctx context.Context, callID, step string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newService(m *calls.Machine, rec *fakeRecordings, failures *failureLog) *Service {
	s := NewService(m, rec, rec, failures, Config{MaxAttempts: 3}, nil)
	s.sleep = noSleep
	return s
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newMachine() *calls.Machine {
	return calls.NewMachine(calls.NewMemoryRepo(), calls.NewMemoryRefIndex(), calls.Options{
		Clock: func() time.Time { return t0 },
	})
}

// completedCall drives a call to completed with the given provider metadata.
func completedCall(t *testing.T, m *calls.Machine, recordingID string) calls.Session {
	t.Helper()
	ctx := context.Background()
	s, err := m.Create(ctx, calls.CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15551230000"})
	require.NoError(t, err)
	_, err = m.BindProviderRef(ctx, s.ID, "CA-"+s.ID)
	require.NoError(t, err)

	answeredAt := t0.Add(2 * time.Second)
	for i, ev := range []calls.Event{
		{Type: calls.EventRinging, Seq: 1, OccurredAt: t0.Add(time.Second)},
		{Type: calls.EventAnswered, Seq: 2, OccurredAt: answeredAt},
		{Type: calls.EventCompleted, Seq: 3, OccurredAt: answeredAt.Add(42 * time.Second), RecordingID: recordingID},
	} {
		ev.Source = calls.SourceProvider
		s, err = m.Apply(ctx, s.ID, ev)
		require.NoError(t, err, "event %d", i)
	}
	require.Equal(t, calls.StateCompleted, s.State)
	return s
}

func TestCompletedCallGetsRecordingEndToEnd(t *testing.T) {
	m := newMachine()
	rec := &fakeRecordings{}
	svc := newService(m, rec, &failureLog{})
	m.AddListener(svc)

	s := completedCall(t, m, "RE1")
	svc.Wait()

	got, err := m.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StateCompleted, got.State)
	require.Equal(t, 42, got.DurationSeconds)
	require.Equal(t, "https://media.example.com/RE1.mp3", got.RecordingRef)
	require.Equal(t, 1, rec.fetches)
}

func TestRunIsNoOpWhenRecordingAttached(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	rec := &fakeRecordings{}
	svc := newService(m, rec, &failureLog{})

	s := completedCall(t, m, "RE1")
	_, err := svc.Run(ctx, s.ID)
	require.NoError(t, err)
	_, err = svc.Run(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.fetches)
}

func TestRunLocatesRecordingByCallRef(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	rec := &fakeRecordings{latest: map[string]string{}}
	svc := newService(m, rec, &failureLog{})

	s := completedCall(t, m, "")
	rec.latest[s.ProviderCallRef] = "RE9"

	got, err := svc.Run(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "https://media.example.com/RE9.mp3", got.RecordingRef)
}

func TestRunRetriesUpstreamFailures(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	rec := &fakeRecordings{fetchErrs: []error{apperr.ErrUpstreamUnavailable, apperr.ErrUpstreamTimeout}}
	failures := &failureLog{}
	svc := newService(m, rec, failures)

	s := completedCall(t, m, "RE1")
	got, err := svc.Run(ctx, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.RecordingRef)
	require.Equal(t, 3, rec.fetches)
	require.Empty(t, failures.steps)
}

func TestRunGivesUpAndRecordsFailure(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	down := apperr.ErrUpstreamUnavailable
	rec := &fakeRecordings{fetchErrs: []error{down, down, down, down}}
	failures := &failureLog{}
	svc := newService(m, rec, failures)

	s := completedCall(t, m, "RE1")
	_, err := svc.Run(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	require.Equal(t, 3, rec.fetches)
	require.Equal(t, []string{StepFetch}, failures.steps)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StateCompleted, got.State)
	require.Empty(t, got.RecordingRef)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	rec := &fakeRecordings{fetchErrs: []error{errors.New("bad recording sid")}}
	failures := &failureLog{}
	svc := newService(m, rec, failures)

	s := completedCall(t, m, "RE1")
	_, err := svc.Run(ctx, s.ID)
	require.Error(t, err)
	require.Equal(t, 1, rec.fetches)
	require.Equal(t, []string{StepFetch}, failures.steps)
}

func TestRunWithoutRecordingIsRecorded(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	rec := &fakeRecordings{latest: map[string]string{}}
	failures := &failureLog{}
	svc := newService(m, rec, failures)

	s := completedCall(t, m, "")
	_, err := svc.Run(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Equal(t, []string{StepLocate}, failures.steps)
}

func TestRunRejectsCallsNotCompleted(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	svc := newService(m, &fakeRecordings{}, &failureLog{})

	s, err := m.Create(ctx, calls.CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15551230000"})
	require.NoError(t, err)
	_, err = svc.Run(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = svc.Run(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOnlyCompletedTransitionsTrigger(t *testing.T) {
	m := newMachine()
	rec := &fakeRecordings{}
	svc := newService(m, rec, &failureLog{})
	m.AddListener(svc)

	ctx := context.Background()
	s, err := m.Create(ctx, calls.CreateRequest{OwnerUserID: "u1", CounterpartAddress: "+15551230000"})
	require.NoError(t, err)
	_, err = m.Apply(ctx, s.ID, calls.Event{Type: calls.EventError, Source: calls.SourceSystem, Reason: "dial failed"})
	require.NoError(t, err)
	svc.Wait()
	require.Zero(t, rec.fetches)
}

func TestBackoffRepeatsLastStep(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, Config{Backoff: []time.Duration{time.Second, 3 * time.Second}}, nil)
	require.Equal(t, time.Second, svc.backoff(0))
	require.Equal(t, 3*time.Second, svc.backoff(1))
	require.Equal(t, 3*time.Second, svc.backoff(5))
}
