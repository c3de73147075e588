package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"callcore/internal/apperr"
)

// MemoryRepo is an in-memory Store useful for tests and local runs.
// It is not intended for production use.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[string]Session)}
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return Session{}, apperr.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *MemoryRepo) Save(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemoryRepo) AppendRecording(ctx context.Context, callID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return apperr.ErrNotFound
	}
	s.RecordingRef = ref
	r.sessions[callID] = s
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, from, to time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.RequestedAt.Before(from) || !s.RequestedAt.Before(to) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// MemoryRefIndex is an in-memory RefIndex.
type MemoryRefIndex struct {
	mu   sync.Mutex
	refs map[string]string
}

func NewMemoryRefIndex() *MemoryRefIndex {
	return &MemoryRefIndex{refs: make(map[string]string)}
}

func (m *MemoryRefIndex) Put(ctx context.Context, providerRef, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[providerRef] = callID
	return nil
}

func (m *MemoryRefIndex) Lookup(ctx context.Context, providerRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[providerRef]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return id, nil
}

// cloneSession copies pointer fields so callers never share mutable state with the repo.
func cloneSession(s Session) Session {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.AnsweredAt = cloneTime(s.AnsweredAt)
	out.EndedAt = cloneTime(s.EndedAt)
	if s.QualityScore != nil {
		q := *s.QualityScore
		out.QualityScore = &q
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
