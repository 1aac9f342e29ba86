// Package profile defines the user profile model and the store contract the
// verification flows depend on. Usernames are the lookup key for sign-in;
// TOTP secrets are persisted separately from the profile row and only ever
// as encrypted envelopes.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("profile not found")
	ErrAlreadyExists   = errors.New("profile already exists")
	ErrNoSecret        = errors.New("no authenticator secret enrolled")
	ErrUsernameInvalid = errors.New("username is invalid")
)

type Profile struct {
	ID                  string    `json:"id"`
	Username            string    `json:"username"`
	PhoneNumber         string    `json:"phone_number,omitempty"`
	PhoneVerified       bool      `json:"phone_verified"`
	TOTPEnabled         bool      `json:"totp_enabled"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Store is the profile persistence contract. SaveSecret both stores the
// sealed secret and flips TOTPEnabled; the two must never diverge.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	GetByUsername(ctx context.Context, username string) (*Profile, error)
	GetByID(ctx context.Context, id string) (*Profile, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	SaveSecret(ctx context.Context, userID string, sealed []byte) error
	GetSecret(ctx context.Context, userID string) ([]byte, error)
	SetPhoneVerified(ctx context.Context, userID, phoneNumber string) error
	SetOnboardingCompleted(ctx context.Context, userID string) error
	HealthCheck(ctx context.Context) error
}

// NormalizeUsername lowercases and trims; comparison is case-insensitive
// everywhere.
func NormalizeUsername(username string) (string, error) {
	u := strings.ToLower(strings.TrimSpace(username))
	if len(u) < 3 || len(u) > 64 {
		return "", ErrUsernameInvalid
	}
	for _, r := range u {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-' {
			continue
		}
		return "", ErrUsernameInvalid
	}
	return u, nil
}
