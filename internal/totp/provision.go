package totp

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ProvisioningKey builds the otpauth key for an already-generated secret.
// The resulting URI
// (otpauth://totp/{issuer}:{account}?secret=...&issuer=...&algorithm=SHA1&digits=N&period=S)
// is the wire contract with third-party authenticator apps.
func ProvisioningKey(secret string, params Params) (*otp.Key, error) {
	raw, err := b32.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return nil, ErrSecretInvalid
	}
	if params.Issuer == "" || params.Account == "" {
		return nil, errors.New("provisioning requires issuer and account labels")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      params.Issuer,
		AccountName: params.Account,
		Period:      uint(params.Period.Seconds()),
		Secret:      raw,
		Digits:      digitsFor(params.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build provisioning key: %w", err)
	}
	return key, nil
}

// ProvisioningURI returns the otpauth URI for manual entry / QR encoding.
func ProvisioningURI(secret string, params Params) (string, error) {
	key, err := ProvisioningKey(secret, params)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// QRCodePNG renders the provisioning URI as a scannable PNG of size x size
// pixels.
func QRCodePNG(secret string, params Params, size int) ([]byte, error) {
	key, err := ProvisioningKey(secret, params)
	if err != nil {
		return nil, err
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render provisioning QR: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode provisioning QR: %w", err)
	}
	return buf.Bytes(), nil
}
