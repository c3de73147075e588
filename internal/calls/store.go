package calls

import (
	"context"
	"time"
)

// Store is the persistence contract behind the state machine.
//
// Implementations provide last-write-wins semantics only. Conflict avoidance
// is the machine's job (per-call lock), not the store's.
type Store interface {
	Get(ctx context.Context, callID string) (Session, error)
	Save(ctx context.Context, s Session) error
	AppendRecording(ctx context.Context, callID, ref string) error

	// List returns sessions requested in [from, to). Used by reporting.
	List(ctx context.Context, from, to time.Time) ([]Session, error)
}

// RefIndex maps provider call references to internal call IDs.
// Entries are written when the call leg is placed.
type RefIndex interface {
	Put(ctx context.Context, providerRef, callID string) error
	Lookup(ctx context.Context, providerRef string) (string, error)
}

// Dialer places the provider call leg for a freshly created session.
type Dialer interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (providerRef string, err error)
}

type PlaceCallRequest struct {
	CallID      string
	OwnerUserID string
	To          string
}

// Gate caps concurrent calls per owner. Acquire returns false when the cap is reached.
type Gate interface {
	Acquire(ctx context.Context, ownerUserID string) (bool, error)
	Release(ctx context.Context, ownerUserID string) error
}

// Listener observes applied transitions. It is called outside the per-call
// lock, synchronously, in registration order; slow work belongs in a goroutine.
type Listener interface {
	OnTransition(ctx context.Context, t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t Transition)

func (f ListenerFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }
