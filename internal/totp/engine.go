package totp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	// ErrSecretInvalid means the stored secret is not valid base32. This is
	// a configuration failure of the enrollment, not a user typo, and
	// callers must surface it differently from a wrong code.
	ErrSecretInvalid = errors.New("totp secret is not valid base32")

	// ErrCodeMalformed means the submitted code has the wrong length or
	// contains non-digits. Rejected before any derivation happens.
	ErrCodeMalformed = errors.New("totp code is malformed")

	// ErrCodeMismatch means a well-formed code matched no candidate inside
	// the tolerance window.
	ErrCodeMismatch = errors.New("totp code does not match")
)

// Params fixes the derivation parameters for one enrollment. Generation and
// validation must use identical values or codes will never match.
type Params struct {
	Issuer  string
	Account string
	Digits  int
	Period  time.Duration
}

// DefaultParams returns the authenticator-app convention: SHA-1, 6 digits,
// 30 second steps.
func DefaultParams(issuer, account string) Params {
	return Params{
		Issuer:  issuer,
		Account: account,
		Digits:  6,
		Period:  30 * time.Second,
	}
}

func (p Params) validateOpts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(p.Period / time.Second),
		Skew:      skew,
		Digits:    digitsFor(p.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func digitsFor(n int) otp.Digits {
	if n == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// DeriveCode computes the code for the time step containing at, zero-padded
// to the configured digit count.
func DeriveCode(secret string, params Params, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, params.validateOpts(0))
	if err != nil {
		if errors.Is(err, otp.ErrValidateSecretInvalidBase32) {
			return "", ErrSecretInvalid
		}
		return "", fmt.Errorf("totp derivation failed: %w", err)
	}
	return code, nil
}

// Validate checks a submitted code against the candidate codes for time
// steps at ± windowSteps*period. Comparison inside the library is
// constant-time. Returns nil on success or one of ErrCodeMalformed,
// ErrSecretInvalid, ErrCodeMismatch.
func Validate(secret string, params Params, code string, at time.Time, windowSteps int) error {
	if !wellFormedCode(code, params.Digits) {
		return ErrCodeMalformed
	}
	if windowSteps < 0 {
		windowSteps = 0
	}
	ok, err := totp.ValidateCustom(code, secret, at, params.validateOpts(uint(windowSteps)))
	if err != nil {
		if errors.Is(err, otp.ErrValidateSecretInvalidBase32) {
			return ErrSecretInvalid
		}
		return fmt.Errorf("totp validation failed: %w", err)
	}
	if !ok {
		return ErrCodeMismatch
	}
	return nil
}

func wellFormedCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
