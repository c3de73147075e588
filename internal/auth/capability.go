package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"callcore/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	twiliojwt "github.com/twilio/twilio-go/client/jwt"
)

// SessionToken is a short-lived credential that lets one user's client
// place and receive calls through the provider.
type SessionToken struct {
	ID            string    `json:"id"`
	SubjectUserID string    `json:"subject_user_id"`
	Scope         string    `json:"scope"`
	Token         string    `json:"token"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type CapabilityConfig struct {
	// AccountSID is the provider account the token is valid for (sub).
	AccountSID string
	// ApplicationSID is the voice application outgoing calls run through.
	ApplicationSID string

	TTL    time.Duration
	MaxTTL time.Duration
}

// CapabilityIssuer issues and redeems session tokens in the provider's
// access-token format.
//
// Rules:
// - identity is always the requesting user; callers cannot mint tokens for others
// - a token is redeemed at most once
// - no token is issued without a signing key
type CapabilityIssuer struct {
	keys   SigningKeySource
	ledger ReplayLedger
	cfg    CapabilityConfig

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewCapabilityIssuer(keys SigningKeySource, ledger ReplayLedger, cfg CapabilityConfig) (*CapabilityIssuer, error) {
	if keys == nil {
		return nil, errors.New("auth: signing key source must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("auth: replay ledger must not be nil")
	}
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("auth: account sid is required")
	}
	if strings.TrimSpace(cfg.ApplicationSID) == "" {
		return nil, errors.New("auth: application sid is required")
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.TTL > cfg.MaxTTL {
		cfg.TTL = cfg.MaxTTL
	}
	return &CapabilityIssuer{keys: keys, ledger: ledger, cfg: cfg, clock: time.Now}, nil
}

func (i *CapabilityIssuer) Issue(ctx context.Context, userID string) (SessionToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SessionToken{}, fmt.Errorf("auth: user id is required: %w", apperr.ErrInvalidArgument)
	}
	key, err := i.signingKey(ctx)
	if err != nil {
		return SessionToken{}, err
	}

	now := i.clock().UTC().Truncate(time.Second)
	exp := now.Add(i.cfg.TTL)
	at := twiliojwt.CreateAccessToken(twiliojwt.AccessTokenParams{
		AccountSid:    i.cfg.AccountSID,
		SigningKeySid: key.ID,
		Secret:        string(key.Secret),
		Identity:      userID,
		Nbf:           float64(now.Unix()),
		ValidUntil:    float64(exp.Unix()),
	})
	at.AddGrant(&twiliojwt.VoiceGrant{
		Incoming: twiliojwt.Incoming{Allow: true},
		Outgoing: twiliojwt.Outgoing{ApplicationSid: i.cfg.ApplicationSID},
	})

	// The library's jti is key-second, which repeats within a second.
	id := key.ID + "-" + uuid.NewString()
	payload := at.Payload()
	payload["jti"] = id
	signed, err := twiliojwt.SignTokenWithHMAC(at.Headers(), payload, string(key.Secret))
	if err != nil {
		return SessionToken{}, fmt.Errorf("auth: sign session token: %w", err)
	}
	return SessionToken{
		ID:            id,
		SubjectUserID: userID,
		Scope:         ScopeVoiceOutgoing,
		Token:         signed,
		IssuedAt:      now,
		ExpiresAt:     exp,
	}, nil
}

// Redeem verifies raw for userID and consumes it. A token that verifies
// but was already redeemed fails with ErrTokenReplayed.
func (i *CapabilityIssuer) Redeem(ctx context.Context, raw, userID string) (SessionToken, error) {
	key, err := i.signingKey(ctx)
	if err != nil {
		return SessionToken{}, err
	}

	var claims capabilityClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(key.ID),
		jwt.WithSubject(i.cfg.AccountSID),
	)
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key.Secret, nil
	}); err != nil {
		return SessionToken{}, fmt.Errorf("auth: session token: %w: %w", apperr.ErrForbidden, err)
	}

	switch {
	case claims.ID == "":
		return SessionToken{}, fmt.Errorf("auth: session token without id: %w", apperr.ErrForbidden)
	case claims.Grants.Identity != userID:
		return SessionToken{}, fmt.Errorf("auth: session token issued to another user: %w", apperr.ErrForbidden)
	case claims.Grants.Voice == nil || claims.Grants.Voice.Outgoing == nil:
		return SessionToken{}, fmt.Errorf("auth: session token lacks %s: %w", ScopeVoiceOutgoing, apperr.ErrForbidden)
	}

	exp := claims.ExpiresAt.Time
	if err := i.ledger.Consume(ctx, claims.ID, exp); err != nil {
		return SessionToken{}, err
	}

	st := SessionToken{
		ID:            claims.ID,
		SubjectUserID: userID,
		Scope:         ScopeVoiceOutgoing,
		Token:         raw,
		ExpiresAt:     exp.UTC(),
	}
	if claims.NotBefore != nil {
		st.IssuedAt = claims.NotBefore.Time.UTC()
	}
	return st, nil
}

func (i *CapabilityIssuer) signingKey(ctx context.Context) (SigningKey, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		if apperr.IsUpstream(err) {
			return SigningKey{}, err
		}
		return SigningKey{}, fmt.Errorf("auth: signing key: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	if !key.valid() {
		return SigningKey{}, fmt.Errorf("auth: empty signing key: %w", apperr.ErrUpstreamUnavailable)
	}
	return key, nil
}
