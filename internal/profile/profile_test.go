package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUsername(t *testing.T) {
	got, err := NormalizeUsername("  Ananya.K ")
	require.NoError(t, err)
	assert.Equal(t, "ananya.k", got)

	_, err = NormalizeUsername("ab")
	assert.ErrorIs(t, err, ErrUsernameInvalid)

	_, err = NormalizeUsername("has space")
	assert.ErrorIs(t, err, ErrUsernameInvalid)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p := &Profile{
		ID:        "user-1",
		Username:  "ananya",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, p))

	err := store.Create(ctx, &Profile{ID: "user-2", Username: "ananya"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := store.GetByUsername(ctx, "ananya")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)
	assert.False(t, got.TOTPEnabled)

	_, err = store.GetSecret(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNoSecret)

	require.NoError(t, store.SaveSecret(ctx, "user-1", []byte("sealed")))

	sealed, err := store.GetSecret(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), sealed)

	got, err = store.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, got.TOTPEnabled)

	require.NoError(t, store.SetPhoneVerified(ctx, "user-1", "+15551234567"))
	require.NoError(t, store.SetOnboardingCompleted(ctx, "user-1"))

	got, err = store.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, got.PhoneVerified)
	assert.Equal(t, "+15551234567", got.PhoneNumber)
	assert.True(t, got.OnboardingCompleted)

	_, err = store.GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, &Profile{ID: "user-1", Username: "ananya"}))

	got, err := store.GetByID(ctx, "user-1")
	require.NoError(t, err)
	got.Username = "mutated"

	again, err := store.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ananya", again.Username)
}
