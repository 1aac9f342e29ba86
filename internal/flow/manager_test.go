package flow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/profile"
	"twofa-service/internal/session"
	"twofa-service/internal/totp"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeIssuer struct {
	mu     sync.Mutex
	issued map[string]*session.Session
	fail   bool
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{issued: make(map[string]*session.Session)}
}

func (f *fakeIssuer) Issue(_ context.Context, userID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, assert.AnError
	}
	if s, ok := f.issued[userID]; ok {
		return s, nil
	}
	s := &session.Session{
		SessionID: "sess-" + userID,
		UserID:    userID,
		Token:     "token-" + userID,
	}
	f.issued[userID] = s
	return s, nil
}

type captureSender struct {
	mu       sync.Mutex
	messages []string
	targets  []string
}

func (s *captureSender) SendSMS(_ context.Context, to, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, to)
	s.messages = append(s.messages, message)
	return nil
}

type testEnv struct {
	manager  *Manager
	profiles *profile.MemoryStore
	issuer   *fakeIssuer
	sender   *captureSender
	clock    *fakeClock
	otp      *phoneotp.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, nil)
}

// newTestEnvWithStore lets a test interpose on the profile store, e.g. to
// inject write failures.
func newTestEnvWithStore(t *testing.T, wrap func(profile.Store) profile.Store) *testEnv {
	t.Helper()

	cfg := &config.Config{Environment: "development"}
	cfg.TOTP.Issuer = "twofa-service"
	cfg.TOTP.Digits = 6
	cfg.TOTP.Period = 30 * time.Second
	cfg.TOTP.WindowSteps = 1
	cfg.TOTP.MaxAttempts = 5
	cfg.PhoneOTP.CodeLength = 6
	cfg.PhoneOTP.TTL = 10 * time.Minute
	cfg.PhoneOTP.CountdownSeconds = 300
	cfg.PhoneOTP.ResendCooldown = 30 * time.Second
	cfg.PhoneOTP.MaxAttempts = 3
	cfg.Flow.SessionTTL = 15 * time.Minute

	clock := newFakeClock()
	profiles := profile.NewMemoryStore()
	otpStore := phoneotp.NewMemoryStore(cfg.PhoneOTP.CodeLength, cfg.PhoneOTP.TTL,
		phoneotp.WithClock(clock.Now))
	issuer := newFakeIssuer()
	sender := &captureSender{}
	sealer := encryption.NewManager(cfg, nil)

	var store profile.Store = profiles
	if wrap != nil {
		store = wrap(profiles)
	}

	m := NewManager(cfg, store, otpStore, issuer, sender, sealer, nil, nil).
		WithClock(clock.Now)
	t.Cleanup(m.Close)

	return &testEnv{
		manager:  m,
		profiles: profiles,
		issuer:   issuer,
		sender:   sender,
		clock:    clock,
		otp:      otpStore,
	}
}

func enrollmentCode(t *testing.T, f *Flow, at time.Time) string {
	t.Helper()
	code, err := totp.DeriveCode(f.PendingSecret, f.PendingParams, at)
	require.NoError(t, err)
	return code
}

func TestEnrollmentHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, KindTOTPSignUp, f.Kind)
	assert.Equal(t, StateEnrollingSecret, f.State)
	assert.NotEmpty(t, f.PendingSecret)

	uri, err := env.manager.ProvisioningURI(f.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.Contains(t, uri, "issuer=twofa-service")

	code := enrollmentCode(t, f, env.clock.Now())
	got, err := env.manager.SubmitTOTPCode(ctx, f.ID, code)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)
	require.NotNil(t, got.Session)
	assert.Empty(t, got.PendingSecret)

	p, err := env.profiles.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.TOTPEnabled)

	sealed, err := env.profiles.GetSecret(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
}

func TestEnrollmentPersistsNothingOnWrongCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)

	_, err = env.manager.SubmitTOTPCode(ctx, f.ID, "000000")
	assert.ErrorIs(t, err, totp.ErrCodeMismatch)

	exists, err := env.profiles.UsernameExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSignInWithEnrolledSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enroll, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	secret := enroll.PendingSecret
	params := enroll.PendingParams
	_, err = env.manager.SubmitTOTPCode(ctx, enroll.ID, enrollmentCode(t, enroll, env.clock.Now()))
	require.NoError(t, err)

	signin, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, KindTOTPSignIn, signin.Kind)
	assert.Equal(t, StateAwaitingCode, signin.State)
	assert.Empty(t, signin.PendingSecret)

	env.clock.Advance(90 * time.Second)
	code, err := totp.DeriveCode(secret, params, env.clock.Now())
	require.NoError(t, err)

	got, err := env.manager.SubmitTOTPCode(ctx, signin.ID, code)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)
	require.NotNil(t, got.Session)
}

func TestSignInAcceptsAdjacentStepRejectsBeyondWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enroll, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	secret := enroll.PendingSecret
	params := enroll.PendingParams
	_, err = env.manager.SubmitTOTPCode(ctx, enroll.ID, enrollmentCode(t, enroll, env.clock.Now()))
	require.NoError(t, err)

	base := env.clock.Now()
	staleCode, err := totp.DeriveCode(secret, params, base)
	require.NoError(t, err)

	// One step behind still validates.
	env.clock.Advance(31 * time.Second)
	signin, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	got, err := env.manager.SubmitTOTPCode(ctx, signin.ID, staleCode)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)

	// Two steps behind does not.
	env.clock.Advance(60 * time.Second)
	signin2, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	_, err = env.manager.SubmitTOTPCode(ctx, signin2.ID, staleCode)
	assert.ErrorIs(t, err, totp.ErrCodeMismatch)
}

func TestTOTPAttemptCapFailsFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = env.manager.SubmitTOTPCode(ctx, f.ID, "000000")
		assert.ErrorIs(t, err, totp.ErrCodeMismatch)
	}
	got, err := env.manager.SubmitTOTPCode(ctx, f.ID, "000000")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, StateFailed, got.State)
	assert.Empty(t, got.PendingSecret)

	// A failed flow accepts nothing further.
	_, err = env.manager.SubmitTOTPCode(ctx, f.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartTOTPResumesStrandedEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A profile row without a stored secret: an enrollment that never
	// finished persisting.
	require.NoError(t, env.profiles.Create(ctx, &profile.Profile{ID: "u1", Username: "alice"}))

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, KindTOTPSignUp, f.Kind)
	assert.Equal(t, StateEnrollingSecret, f.State)
	assert.Equal(t, "u1", f.UserID)

	got, err := env.manager.SubmitTOTPCode(ctx, f.ID, enrollmentCode(t, f, env.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)

	p, err := env.profiles.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.True(t, p.TOTPEnabled)

	sealed, err := env.profiles.GetSecret(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
}

// flakySecretStore fails the first SaveSecret calls, then recovers.
type flakySecretStore struct {
	profile.Store
	failures int
}

func (s *flakySecretStore) SaveSecret(ctx context.Context, userID string, sealed []byte) error {
	if s.failures > 0 {
		s.failures--
		return assert.AnError
	}
	return s.Store.SaveSecret(ctx, userID, sealed)
}

func TestEnrollmentRetriesAfterSecretWriteFailure(t *testing.T) {
	env := newTestEnvWithStore(t, func(s profile.Store) profile.Store {
		return &flakySecretStore{Store: s, failures: 1}
	})
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)

	got, err := env.manager.SubmitTOTPCode(ctx, f.ID, enrollmentCode(t, f, env.clock.Now()))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, StateEnrollingSecret, got.State)
	assert.NotEmpty(t, got.PendingSecret)

	// Same flow, same code: the half-written profile must not collide
	// with its own enrollment.
	got, err = env.manager.SubmitTOTPCode(ctx, f.ID, enrollmentCode(t, f, env.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)

	p, err := env.profiles.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.TOTPEnabled)
}

func TestEnrollmentRestartAfterSecretWriteFailure(t *testing.T) {
	env := newTestEnvWithStore(t, func(s profile.Store) profile.Store {
		return &flakySecretStore{Store: s, failures: 1}
	})
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	_, err = env.manager.SubmitTOTPCode(ctx, f.ID, enrollmentCode(t, f, env.clock.Now()))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	// Abandon the flow and start over: the username must not be bricked.
	f2, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, KindTOTPSignUp, f2.Kind)

	got, err := env.manager.SubmitTOTPCode(ctx, f2.ID, enrollmentCode(t, f2, env.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, got.State)

	sealed, err := env.profiles.GetSecret(ctx, got.UserID)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
}

func TestSessionFailureNeverAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)

	env.issuer.fail = true
	got, err := env.manager.SubmitTOTPCode(ctx, f.ID, enrollmentCode(t, f, env.clock.Now()))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotEqual(t, StateAuthenticated, got.State)
	assert.Nil(t, got.Session)
}

func TestPhoneVerificationHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+1 (555) 123-4567", "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, StateVerify, f.State)
	assert.Equal(t, "+15551234567", f.Phone)
	require.NotEmpty(t, f.DebugCode)

	remaining := env.manager.CountdownRemaining(f)
	assert.Equal(t, 300, remaining)

	got, err := env.manager.SubmitPhoneCode(ctx, f.ID, f.DebugCode)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, got.State)
	assert.Empty(t, got.DebugCode)

	require.Len(t, env.sender.targets, 1)
	assert.Equal(t, "+15551234567", env.sender.targets[0])
}

func TestPhoneCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)
	code := f.DebugCode

	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, code)
	require.NoError(t, err)

	// Success leaves Verify; a replay cannot even reach the store.
	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, code)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = env.otp.Verify(ctx, "+15551234567", code)
	assert.ErrorIs(t, err, phoneotp.ErrNotFound)
}

func TestThreeWrongPhoneCodesReachError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == f.DebugCode {
		wrong = "000001"
	}

	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, wrong)
	assert.ErrorIs(t, err, phoneotp.ErrCodeMismatch)
	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, wrong)
	assert.ErrorIs(t, err, phoneotp.ErrCodeMismatch)
	got, err := env.manager.SubmitPhoneCode(ctx, f.ID, wrong)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, StateError, got.State)
}

func TestRecoverRoutesBackToVerifyWhileCodeLive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)
	code := f.DebugCode

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		env.manager.SubmitPhoneCode(ctx, f.ID, wrong)
	}
	require.Equal(t, StateError, f.State)

	got, err := env.manager.RecoverPhoneFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerify, got.State)
	assert.Zero(t, got.Attempts)

	done, err := env.manager.SubmitPhoneCode(ctx, f.ID, code)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, done.State)
}

func TestRecoverRoutesToInputAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == f.DebugCode {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		env.manager.SubmitPhoneCode(ctx, f.ID, wrong)
	}
	require.Equal(t, StateError, f.State)

	env.clock.Advance(11 * time.Minute)
	got, err := env.manager.RecoverPhoneFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInput, got.State)
}

func TestResendGatedByCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)
	firstCode := f.DebugCode

	_, err = env.manager.ResendPhoneCode(ctx, f.ID, "")
	assert.ErrorIs(t, err, ErrResendCooldown)

	env.clock.Advance(31 * time.Second)
	got, err := env.manager.ResendPhoneCode(ctx, f.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, got.DebugCode)

	// The reissue invalidated the first code.
	if firstCode != got.DebugCode {
		_, err = env.manager.SubmitPhoneCode(ctx, f.ID, firstCode)
		assert.ErrorIs(t, err, phoneotp.ErrCodeMismatch)
	}

	done, err := env.manager.SubmitPhoneCode(ctx, f.ID, got.DebugCode)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, done.State)
}

func TestExpiredCodeWinsOverMatchingDigits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.manager.StartPhone(ctx, "", "+15551234567", "")
	require.NoError(t, err)
	code := f.DebugCode

	env.clock.Advance(10*time.Minute + time.Second)
	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, code)
	assert.ErrorIs(t, err, phoneotp.ErrExpired)
}

func TestChainedPhoneVerificationMarksProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enroll, err := env.manager.StartTOTP(ctx, "alice")
	require.NoError(t, err)
	authed, err := env.manager.SubmitTOTPCode(ctx, enroll.ID, enrollmentCode(t, enroll, env.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, authed.State)

	f, err := env.manager.StartPhone(ctx, enroll.ID, "+15551234567", "")
	require.NoError(t, err)

	_, err = env.manager.SubmitPhoneCode(ctx, f.ID, f.DebugCode)
	require.NoError(t, err)

	p, err := env.profiles.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.PhoneVerified)
	assert.True(t, p.OnboardingCompleted)
	assert.Equal(t, "+15551234567", p.PhoneNumber)
}

func TestPhoneFlowRejectsUnknownParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.StartPhone(ctx, "no-such-flow", "+15551234567", "")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestUnknownFlowID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.SubmitTOTPCode(ctx, "nope", "123456")
	assert.ErrorIs(t, err, ErrFlowNotFound)
	_, err = env.manager.SubmitPhoneCode(ctx, "nope", "123456")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}
