package httpapi

import (
	"errors"
	"net/http"

	"callcore/internal/apperr"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{apperr.ErrNotFound, "not_found"},
	{apperr.ErrInvalidArgument, "invalid_argument"},
	{apperr.ErrForbidden, "forbidden"},
	{apperr.ErrTokenReplayed, "token_replayed"},
	{apperr.ErrInvalidTransition, "invalid_transition"},
	{apperr.ErrInvalidState, "invalid_state"},
	{apperr.ErrAlreadyInFlight, "already_in_flight"},
	{apperr.ErrSessionClosed, "session_closed"},
	{apperr.ErrConcurrencyLimit, "concurrency_limit"},
	{apperr.ErrUpstreamTimeout, "upstream_timeout"},
	{apperr.ErrUpstreamUnavailable, "upstream_unavailable"},
}

// respondErr maps err to its status and a stable error code. Wrapped
// details stay in the log.
func respondErr(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code := "internal"
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			code = e.code
			break
		}
	}

	log := logger.FromGin(c)
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("request failed", "code", code, "err", err)
	default:
		log.Debug("request rejected", "code", code, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
