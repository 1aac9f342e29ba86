package encryption

import (
	"context"
	"testing"

	"twofa-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localManager() *Manager {
	cfg := &config.Config{}
	cfg.KMS.Enabled = false
	return NewManager(cfg, nil)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	sealed, err := m.EncryptSecret(ctx, secret)
	require.NoError(t, err)
	require.NotNil(t, sealed)

	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.EncryptedDEK)
	assert.NotContains(t, sealed.Ciphertext, secret)

	opened, err := m.DecryptSecret(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestDecryptAfterCacheClear(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	sealed, err := m.EncryptSecret(ctx, "NB2W45DFOIZA")
	require.NoError(t, err)

	m.ClearCache()

	opened, err := m.DecryptSecret(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "NB2W45DFOIZA", opened)
}

func TestDecryptWithFreshManager(t *testing.T) {
	ctx := context.Background()

	sealed, err := localManager().EncryptSecret(ctx, "NB2W45DFOIZA")
	require.NoError(t, err)

	// A new manager has an empty DEK cache, as after a process restart.
	// The envelope alone must be enough to recover the secret.
	opened, err := localManager().DecryptSecret(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "NB2W45DFOIZA", opened)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	sealed, err := m.EncryptSecret(ctx, "NB2W45DFOIZA")
	require.NoError(t, err)

	sealed.Ciphertext = "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0IGF0IGFsbA=="
	_, err = m.DecryptSecret(ctx, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEnvelopesUseFreshDEKs(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	a, err := m.EncryptSecret(ctx, "GEZDGNBVGY3TQOJQ")
	require.NoError(t, err)
	b, err := m.EncryptSecret(ctx, "GEZDGNBVGY3TQOJQ")
	require.NoError(t, err)

	assert.NotEqual(t, a.EncryptedDEK, b.EncryptedDEK)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}
