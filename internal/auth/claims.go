package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported API token claims shape for this service.
// Call ownership is always the token's UserID; role-based access is checked in internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// ScopeVoiceOutgoing is the only capability a session token grants.
const ScopeVoiceOutgoing = "voice:outgoing"

// capabilityClaims follow the provider's access-token layout:
// iss is the signing key id, sub the account, grants carry the identity.
type capabilityClaims struct {
	jwt.RegisteredClaims

	Grants capabilityGrants `json:"grants"`
}

type capabilityGrants struct {
	Identity string      `json:"identity"`
	Voice    *voiceGrant `json:"voice,omitempty"`
}

type voiceGrant struct {
	Incoming *voiceIncoming `json:"incoming,omitempty"`
	Outgoing *voiceOutgoing `json:"outgoing,omitempty"`
}

type voiceIncoming struct {
	Allow bool `json:"allow"`
}

type voiceOutgoing struct {
	ApplicationSID string `json:"application_sid,omitempty"`
}
