// Package phoneotp issues and verifies the short-lived numeric codes used
// for phone-number verification. At most one live code exists per normalized
// number: issuing again replaces whatever was outstanding.
package phoneotp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrPhoneInvalid = errors.New("phone number is invalid")
	// ErrNotFound covers both "no code was ever issued" and "the code was
	// already consumed"; callers treat them identically (request a new code).
	ErrNotFound     = errors.New("no live code for this phone number")
	ErrExpired      = errors.New("code has expired")
	ErrCodeMismatch = errors.New("code does not match")
)

// Issued is the result of a successful issuance. Code is plaintext here so
// the dispatch channel can send it; stores persist only a hash.
type Issued struct {
	Phone     string    `json:"phone"`
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the phone OTP store contract. Issue upserts by normalized number,
// invalidating any prior unconsumed code. Verify consumes on success;
// consumption is atomic, so one code can never be spent twice.
type Store interface {
	Issue(ctx context.Context, phone string) (*Issued, error)
	Verify(ctx context.Context, phone, code string) error
}

// NormalizePhone reduces a phone number to its E.164-like canonical form:
// digits only, a single leading plus (added when absent).
func NormalizePhone(phone string) (string, error) {
	trimmed := strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			continue // re-added below
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrPhoneInvalid, phone)
	}
	return "+" + digits, nil
}

// GenerateCode returns a uniformly random decimal code of the given length.
// Leading zeros are legal, which is why codes are strings end to end.
func GenerateCode(length int) (string, error) {
	if length < 4 || length > 10 {
		return "", fmt.Errorf("unsupported code length %d", length)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to read entropy for phone code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
