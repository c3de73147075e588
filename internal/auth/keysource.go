package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/integrations/paramstore"
)

// SigningKey signs session tokens. ID is the provider API key id and is
// carried as the token issuer.
type SigningKey struct {
	ID     string
	Secret []byte
}

func (k SigningKey) valid() bool { return k.ID != "" && len(k.Secret) > 0 }

// SigningKeySource yields the current session-token signing key.
type SigningKeySource interface {
	SigningKey(ctx context.Context) (SigningKey, error)
}

// StaticKeySource serves a key from local configuration.
type StaticKeySource SigningKey

func (s StaticKeySource) SigningKey(ctx context.Context) (SigningKey, error) {
	k := SigningKey(s)
	if !k.valid() {
		return SigningKey{}, fmt.Errorf("auth: static signing key not configured: %w", apperr.ErrUpstreamUnavailable)
	}
	return k, nil
}

// ParamStoreKeySource reads the key id and secret from SSM Parameter Store
// and caches them for CacheTTL.
type ParamStoreKeySource struct {
	params     paramstore.Getter
	idName     string
	secretName string
	cacheTTL   time.Duration

	clock func() time.Time

	mu        sync.Mutex
	cached    SigningKey
	fetchedAt time.Time
}

func NewParamStoreKeySource(params paramstore.Getter, idName, secretName string, cacheTTL time.Duration) (*ParamStoreKeySource, error) {
	if params == nil {
		return nil, errors.New("auth: parameter store must not be nil")
	}
	if idName == "" || secretName == "" {
		return nil, errors.New("auth: key id and secret parameter names are required")
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &ParamStoreKeySource{
		params:     params,
		idName:     idName,
		secretName: secretName,
		cacheTTL:   cacheTTL,
		clock:      time.Now,
	}, nil
}

// SigningKey returns the cached key or refreshes it. Any failure to produce
// a key is reported as ErrUpstreamUnavailable.
func (s *ParamStoreKeySource) SigningKey(ctx context.Context) (SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.cached.valid() && now.Sub(s.fetchedAt) < s.cacheTTL {
		return s.cached, nil
	}

	id, err := s.params.GetParameter(ctx, s.idName)
	if err != nil {
		return SigningKey{}, unavailable("key id", err)
	}
	secret, err := s.params.GetParameter(ctx, s.secretName)
	if err != nil {
		return SigningKey{}, unavailable("key secret", err)
	}
	k := SigningKey{ID: id, Secret: []byte(secret)}
	if !k.valid() {
		return SigningKey{}, fmt.Errorf("auth: signing key parameters empty: %w", apperr.ErrUpstreamUnavailable)
	}
	s.cached = k
	s.fetchedAt = now
	return k, nil
}

func unavailable(what string, err error) error {
	if apperr.IsUpstream(err) {
		return fmt.Errorf("auth: signing %s: %w", what, err)
	}
	return fmt.Errorf("auth: signing %s: %w: %w", what, apperr.ErrUpstreamUnavailable, err)
}
