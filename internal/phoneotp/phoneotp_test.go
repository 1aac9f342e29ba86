package phoneotp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already normalized", "+15551234567", "+15551234567", false},
		{"missing plus", "15551234567", "+15551234567", false},
		{"formatted", "+1 (555) 123-4567", "+15551234567", false},
		{"spaces and dots", " 555.123.4567 ", "+5551234567", false},
		{"too short", "+1234", "", true},
		{"empty", "", "", true},
		{"no digits", "+()- ", "", true},
		{"too long", "+12345678901234567890", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPhoneInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9')
	}

	_, err = GenerateCode(2)
	assert.Error(t, err)
}

func TestMemoryStore_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(6, 10*time.Minute)

	issued, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", issued.Phone)
	assert.Len(t, issued.Code, 6)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), issued.ExpiresAt, 2*time.Second)

	// Input formatting must not matter at verify time.
	require.NoError(t, store.Verify(ctx, "1 (555) 123-4567", issued.Code))
}

func TestMemoryStore_SingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(6, 10*time.Minute)

	issued, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)

	require.NoError(t, store.Verify(ctx, issued.Phone, issued.Code))
	// Same code again: the record is gone.
	assert.ErrorIs(t, store.Verify(ctx, issued.Phone, issued.Code), ErrNotFound)
}

func TestMemoryStore_ReissueInvalidatesPrior(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(6, 10*time.Minute)

	first, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)
	second, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)

	if first.Code != second.Code {
		assert.ErrorIs(t, store.Verify(ctx, first.Phone, first.Code), ErrCodeMismatch)
	}
	require.NoError(t, store.Verify(ctx, second.Phone, second.Code))
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	store := NewMemoryStore(6, 10*time.Minute, WithClock(func() time.Time { return current }))

	issued, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)

	// Matching digits do not save an expired code.
	current = current.Add(10*time.Minute + time.Second)
	assert.ErrorIs(t, store.Verify(ctx, issued.Phone, issued.Code), ErrExpired)

	// After expiry the record is gone entirely.
	assert.ErrorIs(t, store.Verify(ctx, issued.Phone, issued.Code), ErrNotFound)
}

func TestMemoryStore_Mismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(6, 10*time.Minute)

	issued, err := store.Issue(ctx, "+15551234567")
	require.NoError(t, err)

	wrong := "000000"
	if issued.Code == wrong {
		wrong = "000001"
	}
	assert.ErrorIs(t, store.Verify(ctx, issued.Phone, wrong), ErrCodeMismatch)
	// A mismatch does not consume the live code.
	require.NoError(t, store.Verify(ctx, issued.Phone, issued.Code))
}

func TestMemoryStore_UnknownNumber(t *testing.T) {
	store := NewMemoryStore(6, 10*time.Minute)
	assert.ErrorIs(t, store.Verify(context.Background(), "+15550000000", "123456"), ErrNotFound)
}
