// Package session mints the credentials handed out after a verification
// flow succeeds. Tokens are signed JWTs carrying a random session ID; they
// are never derived from authenticator secrets or phone codes.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"twofa-service/internal/config"
	"twofa-service/internal/util"
)

var (
	ErrTokenInvalid   = errors.New("session token is invalid")
	ErrTokenExpired   = errors.New("session token has expired")
	ErrSessionRevoked = errors.New("session has been revoked")
)

// Session is what callers hand back to the client after verification.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache is the live-session bookkeeping the issuer needs. The Redis session
// cache implements it; tests use a local fake.
type Cache interface {
	GetActive(ctx context.Context, userID string) (*Session, error)
	SetActive(ctx context.Context, s *Session, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
	IsValid(ctx context.Context, userID, sessionID string) (bool, error)
	Refresh(ctx context.Context, userID string, ttl time.Duration) error
}

type claims struct {
	jwt.RegisteredClaims
}

// Issuer mints HS256 session tokens. Issue is idempotent per user: while a
// session is live, repeated calls return it instead of minting another.
type Issuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	cache      Cache
	now        func() time.Time
}

func NewIssuer(cfg *config.Config, cache Cache) (*Issuer, error) {
	key := cfg.Session.SigningKey
	if key == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("session signing key is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate dev signing key: %w", err)
		}
		key = base64.RawURLEncoding.EncodeToString(buf)
		util.Warn("using ephemeral session signing key, tokens will not survive restart")
	}

	return &Issuer{
		signingKey: []byte(key),
		issuer:     cfg.Session.Issuer,
		ttl:        cfg.Session.TTL,
		cache:      cache,
		now:        time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue returns the user's live session, minting one if none exists.
func (i *Issuer) Issue(ctx context.Context, userID string) (*Session, error) {
	if existing, err := i.cache.GetActive(ctx, userID); err == nil && existing != nil {
		if existing.ExpiresAt.After(i.now()) {
			util.Debug("reusing live session",
				util.String("user_id", userID),
				util.String("session_id", existing.SessionID))
			return existing, nil
		}
	} else if err != nil {
		util.Warn("session cache lookup failed, minting fresh session",
			util.String("user_id", userID),
			util.ErrorField(err))
	}

	sessionID, err := randomID()
	if err != nil {
		return nil, err
	}

	issuedAt := i.now().UTC()
	expiresAt := issuedAt.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	session := &Session{
		SessionID: sessionID,
		UserID:    userID,
		Token:     signed,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}

	if err := i.cache.SetActive(ctx, session, i.ttl); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	util.Info("session issued",
		util.String("user_id", userID),
		util.String("session_id", sessionID))
	return session, nil
}

// Validate parses and verifies a token, returning its session and user IDs.
func (i *Issuer) Validate(tokenString string) (sessionID, userID string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.signingKey, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrTokenExpired
		}
		return "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", "", ErrTokenInvalid
	}
	return c.ID, c.Subject, nil
}

// Authenticate verifies a bearer token end to end: signature and expiry
// first, then whether its session is still the user's live one. Revoke and
// re-issue both invalidate older tokens even before they expire. A valid
// token slides the session's TTL forward.
func (i *Issuer) Authenticate(ctx context.Context, tokenString string) (sessionID, userID string, err error) {
	sessionID, userID, err = i.Validate(tokenString)
	if err != nil {
		return "", "", err
	}

	live, err := i.cache.IsValid(ctx, userID, sessionID)
	if err != nil {
		return "", "", fmt.Errorf("session cache check failed: %w", err)
	}
	if !live {
		return "", "", ErrSessionRevoked
	}

	if err := i.cache.Refresh(ctx, userID, i.ttl); err != nil {
		// The token already proved out; a missed TTL bump is not worth
		// failing the request over.
		util.Warn("session refresh failed",
			util.String("user_id", userID),
			util.ErrorField(err))
	}
	return sessionID, userID, nil
}

// Revoke drops the user's live session.
func (i *Issuer) Revoke(ctx context.Context, userID string) error {
	return i.cache.Invalidate(ctx, userID)
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
