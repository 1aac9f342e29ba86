package hashing

import (
	"testing"

	"twofa-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	cfg := config.Get()
	return NewHasher(cfg)
}

func TestHashAndVerifyCode(t *testing.T) {
	h := testHasher(t)

	result, err := h.HashCode("042137")
	require.NoError(t, err)
	assert.Equal(t, "argon2id-v1", result.Algorithm)
	assert.NotEmpty(t, result.Hash)
	assert.NotEmpty(t, result.Salt)

	ok, err := h.VerifyCode("042137", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("042138", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashCode_SaltedPerCall(t *testing.T) {
	h := testHasher(t)

	first, err := h.HashCode("123456")
	require.NoError(t, err)
	second, err := h.HashCode("123456")
	require.NoError(t, err)

	assert.NotEqual(t, first.Hash, second.Hash)
	assert.NotEqual(t, first.Salt, second.Salt)
}

func TestVerifyCode_UnknownPepperVersion(t *testing.T) {
	h := testHasher(t)

	result, err := h.HashCode("123456")
	require.NoError(t, err)

	result.PepperVersion = 99
	_, err = h.VerifyCode("123456", result)
	assert.ErrorIs(t, err, ErrUnknownPepperVersion)
}

func TestVerifyCode_CorruptStoredHash(t *testing.T) {
	h := testHasher(t)

	result, err := h.HashCode("123456")
	require.NoError(t, err)

	result.Salt = "not base64 ==="
	_, err = h.VerifyCode("123456", result)
	assert.ErrorIs(t, err, ErrInvalidHash)
}
