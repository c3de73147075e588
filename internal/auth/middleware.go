package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies the bearer access token and puts the caller's
// identity on the request context. Role checks live in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(strings.TrimSpace(c.GetHeader("Authorization")), bearerPrefix)
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(raw, TokenTypeAccess, time.Now())
		if err != nil {
			code := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "token expired"
			}
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID, claims.Role))
		c.Next()
	}
}
