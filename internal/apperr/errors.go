package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the call state machine, the assist manager,
// the token issuer and enrichment. Every error is scoped to a single call;
// none of them is fatal to the process.
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInvalidState        = errors.New("invalid state")
	ErrAlreadyInFlight     = errors.New("suggestion already in flight")
	ErrSessionClosed       = errors.New("session closed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrNotFound            = errors.New("not found")

	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConcurrencyLimit = errors.New("concurrent call limit reached")
	ErrTokenReplayed    = errors.New("session token already redeemed")
	ErrForbidden        = errors.New("forbidden")
)

// Upstream classifies a dependency failure as ErrUpstreamTimeout or
// ErrUpstreamUnavailable, keeping the original error in the chain.
// Errors already carrying a taxonomy sentinel are returned unchanged.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}

// IsUpstream reports whether err is a dependency failure the caller may retry.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout)
}

// HTTPStatus maps an error to the status code returned by the client API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTokenReplayed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
