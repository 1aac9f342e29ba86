package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/events"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/profile"
	"twofa-service/internal/session"
	"twofa-service/internal/sms"
	"twofa-service/internal/totp"
	"twofa-service/internal/util"
)

// SessionIssuer is the slice of the session package the flows need.
type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (*session.Session, error)
}

// Limiter gates phone code issuance. The Redis rate-limit cache implements
// it in production; a nil Limiter means no gating (tests, development).
type Limiter interface {
	AllowIssue(ctx context.Context, phone, sourceIP string) error
	NoteConsumed(ctx context.Context, phone string)
}

// Manager runs every flow kind. It owns the in-memory flow registry and is
// the only component that touches pending enrollment secrets.
type Manager struct {
	cfg      *config.Config
	profiles profile.Store
	otp      phoneotp.Store
	sessions SessionIssuer
	sender   sms.Sender
	sealer   *encryption.Manager
	limiter  Limiter
	recorder events.Recorder

	registry *registry
	now      func() time.Time
}

func NewManager(
	cfg *config.Config,
	profiles profile.Store,
	otpStore phoneotp.Store,
	sessions SessionIssuer,
	sender sms.Sender,
	sealer *encryption.Manager,
	limiter Limiter,
	recorder events.Recorder,
) *Manager {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	m := &Manager{
		cfg:      cfg,
		profiles: profiles,
		otp:      otpStore,
		sessions: sessions,
		sender:   sender,
		sealer:   sealer,
		limiter:  limiter,
		recorder: recorder,
		now:      time.Now,
	}
	m.registry = newRegistry(cfg.Flow.SessionTTL, func() time.Time { return m.now() })
	return m
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Close stops the registry janitor.
func (m *Manager) Close() {
	m.registry.close()
}

// Get returns a live flow by ID.
func (m *Manager) Get(flowID string) (*Flow, error) {
	return m.registry.get(flowID)
}

// StartTOTP begins an authenticator flow for a username. A known username
// with an enrolled authenticator gets a sign-in flow; an unknown one gets an
// enrollment flow with a freshly generated secret. A known username without
// a stored secret is a stranded enrollment (the earlier flow never finished
// persisting); it resumes as an enrollment flow against the existing profile.
func (m *Manager) StartTOTP(ctx context.Context, username string) (*Flow, error) {
	normalized, err := profile.NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	existing, err := m.profiles.GetByUsername(ctx, normalized)
	switch {
	case err == nil && existing.TOTPEnabled:
		f := m.registry.create(KindTOTPSignIn, StateAwaitingCode)
		f.Username = normalized
		f.UserID = existing.ID
		m.recorder.Record(events.New(events.TypeFlowStarted).
			WithFlow(f.ID, string(f.Kind)).
			WithIdentity(existing.ID, normalized))
		return f, nil

	case err == nil:
		return m.startEnrollment(normalized, existing.ID)

	case errors.Is(err, profile.ErrNotFound):
		return m.startEnrollment(normalized, "")

	default:
		util.Error("profile lookup failed",
			util.String("username", normalized),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}

// startEnrollment opens an enrollment flow with a fresh secret. A non-empty
// userID resumes a profile whose secret was never stored.
func (m *Manager) startEnrollment(username, userID string) (*Flow, error) {
	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	f := m.registry.create(KindTOTPSignUp, StateEnrollingSecret)
	f.Username = username
	f.UserID = userID
	f.PendingSecret = secret
	f.PendingParams = totp.DefaultParams(m.cfg.TOTP.Issuer, username)
	f.PendingParams.Digits = m.cfg.TOTP.Digits
	f.PendingParams.Period = m.cfg.TOTP.Period
	m.recorder.Record(events.New(events.TypeFlowStarted).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(userID, username))
	return f, nil
}

// ProvisioningURI returns the otpauth URI for an enrollment flow.
func (m *Manager) ProvisioningURI(flowID string) (string, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Kind != KindTOTPSignUp || f.State != StateEnrollingSecret {
		return "", ErrInvalidTransition
	}
	return totp.ProvisioningURI(f.PendingSecret, f.PendingParams)
}

// QRCode renders the enrollment provisioning QR as a PNG.
func (m *Manager) QRCode(flowID string, size int) ([]byte, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Kind != KindTOTPSignUp || f.State != StateEnrollingSecret {
		return nil, ErrInvalidTransition
	}
	return totp.QRCodePNG(f.PendingSecret, f.PendingParams, size)
}

// SubmitTOTPCode submits an authenticator code. On success the flow reaches
// Authenticated with a session attached; enrollment flows additionally
// persist the now-verified secret. Repeated mismatches past the cap fail
// the flow for good.
func (m *Manager) SubmitTOTPCode(ctx context.Context, flowID, code string) (*Flow, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := m.now().UTC()
	defer f.touch(now)

	switch {
	case f.Kind == KindTOTPSignUp && f.State == StateEnrollingSecret:
		return m.verifyEnrollment(ctx, f, code, now)
	case f.Kind == KindTOTPSignIn && f.State == StateAwaitingCode:
		return m.verifySignIn(ctx, f, code, now)
	default:
		return nil, ErrInvalidTransition
	}
}

func (m *Manager) verifyEnrollment(ctx context.Context, f *Flow, code string, now time.Time) (*Flow, error) {
	if err := totp.Validate(f.PendingSecret, f.PendingParams, code, now, m.cfg.TOTP.WindowSteps); err != nil {
		return f, m.noteTOTPFailure(f, err)
	}

	// Code verified against the pending secret. Seal it before touching the
	// store, and record the claimed user ID on the flow as soon as the row
	// exists: a failure between Create and SaveSecret then retries as a
	// resumed enrollment instead of colliding with its own half-written row.
	sealed, err := m.sealSecret(ctx, f.PendingSecret)
	if err != nil {
		return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if f.UserID == "" {
		p := &profile.Profile{Username: f.Username}
		if err := m.profiles.Create(ctx, p); err != nil {
			if errors.Is(err, profile.ErrAlreadyExists) {
				f.State = StateFailed
				return f, ErrDuplicateIdentity
			}
			return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		f.UserID = p.ID
	}

	if err := m.profiles.SaveSecret(ctx, f.UserID, sealed); err != nil {
		return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	f.PendingSecret = ""

	m.recorder.Record(events.New(events.TypeSecretEnrolled).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Username))

	return m.authenticate(ctx, f)
}

func (m *Manager) verifySignIn(ctx context.Context, f *Flow, code string, now time.Time) (*Flow, error) {
	secret, err := m.loadSecret(ctx, f.UserID)
	if err != nil {
		return f, err
	}

	params := totp.DefaultParams(m.cfg.TOTP.Issuer, f.Username)
	params.Digits = m.cfg.TOTP.Digits
	params.Period = m.cfg.TOTP.Period

	if err := totp.Validate(secret, params, code, now, m.cfg.TOTP.WindowSteps); err != nil {
		return f, m.noteTOTPFailure(f, err)
	}

	return m.authenticate(ctx, f)
}

// noteTOTPFailure counts a failed submission and fails the flow at the cap.
// Malformed codes and mismatches both count; a broken stored secret does not.
func (m *Manager) noteTOTPFailure(f *Flow, cause error) error {
	if errors.Is(cause, totp.ErrSecretInvalid) {
		return cause
	}

	f.Attempts++
	m.recorder.Record(events.New(events.TypeVerifyFailed).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Username).
		WithReason(cause.Error()).
		WithAttempt(f.Attempts))

	if f.Attempts >= m.cfg.TOTP.MaxAttempts {
		f.State = StateFailed
		f.PendingSecret = ""
		m.recorder.Record(events.New(events.TypeFlowLocked).
			WithFlow(f.ID, string(f.Kind)).
			WithIdentity(f.UserID, f.Username))
		return ErrTooManyAttempts
	}
	return cause
}

func (m *Manager) authenticate(ctx context.Context, f *Flow) (*Flow, error) {
	s, err := m.sessions.Issue(ctx, f.UserID)
	if err != nil {
		util.Error("session issue failed",
			util.String("user_id", f.UserID),
			util.ErrorField(err))
		return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	f.Session = s
	f.State = StateAuthenticated

	m.recorder.Record(events.New(events.TypeSessionIssued).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Username))
	m.recorder.Record(events.New(events.TypeVerifySucceeded).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Username))

	return f, nil
}

func (m *Manager) sealSecret(ctx context.Context, secret string) ([]byte, error) {
	envelope, err := m.sealer.EncryptSecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

func (m *Manager) loadSecret(ctx context.Context, userID string) (string, error) {
	sealed, err := m.profiles.GetSecret(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	var envelope encryption.EncryptedSecret
	if err := json.Unmarshal(sealed, &envelope); err != nil {
		return "", fmt.Errorf("%w: corrupt sealed secret", ErrUpstreamUnavailable)
	}
	return m.sealer.DecryptSecret(ctx, &envelope)
}
