package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// secretSize is the raw secret length in bytes. 160 bits matches the
// SHA-1 block alignment recommended for TOTP shared secrets.
const secretSize = 20

// b32 is the encoding authenticator apps expect: RFC 4648 alphabet
// (A-Z, 2-7), no padding.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret produces a fresh shared secret for TOTP enrollment,
// base32-encoded for QR/manual-entry display. The only acceptable entropy
// source is crypto/rand; if it fails the error propagates, there is no
// fallback generator.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read entropy for TOTP secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}
