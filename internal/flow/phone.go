package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/events"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/sms"
	"twofa-service/internal/util"
)

// StartPhone begins phone verification and sends the first code. When
// parentFlowID names an authenticated TOTP flow, the verified number will be
// attached to that user's profile; otherwise the flow stands alone.
func (m *Manager) StartPhone(ctx context.Context, parentFlowID, phone, sourceIP string) (*Flow, error) {
	normalized, err := phoneotp.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	var userID, username string
	if parentFlowID != "" {
		parent, err := m.registry.get(parentFlowID)
		if err != nil {
			return nil, err
		}
		parent.mu.Lock()
		if parent.State != StateAuthenticated {
			parent.mu.Unlock()
			return nil, ErrInvalidTransition
		}
		userID = parent.UserID
		username = parent.Username
		parent.mu.Unlock()
	}

	f := m.registry.create(KindPhoneVerify, StateInput)
	f.Phone = normalized
	f.UserID = userID
	f.Username = username

	m.recorder.Record(events.New(events.TypeFlowStarted).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(userID, normalized).
		WithSourceIP(sourceIP))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := m.issuePhoneCode(ctx, f, sourceIP, events.TypeCodeIssued); err != nil {
		return f, err
	}
	return f, nil
}

// issuePhoneCode runs the Input -> Verify transition: rate-limit gate,
// code issuance, SMS dispatch, countdown start. Caller holds f.mu.
func (m *Manager) issuePhoneCode(ctx context.Context, f *Flow, sourceIP, eventType string) error {
	if m.limiter != nil {
		if err := m.limiter.AllowIssue(ctx, f.Phone, sourceIP); err != nil {
			m.recorder.Record(events.New(events.TypeRateLimitTripped).
				WithFlow(f.ID, string(f.Kind)).
				WithIdentity(f.UserID, f.Phone).
				WithSourceIP(sourceIP))
			return err
		}
	}

	issued, err := m.otp.Issue(ctx, f.Phone)
	if err != nil {
		if errors.Is(err, phoneotp.ErrPhoneInvalid) {
			return err
		}
		util.Error("phone code issue failed",
			util.String("phone", f.Phone),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	minutes := int(time.Until(issued.ExpiresAt).Round(time.Minute) / time.Minute)
	if err := m.sender.SendSMS(ctx, f.Phone, sms.CodeMessage(issued.Code, minutes)); err != nil {
		util.Error("sms dispatch failed",
			util.String("phone", f.Phone),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	now := m.now().UTC()
	f.State = StateVerify
	f.Attempts = 0
	f.CodeExpiresAt = issued.ExpiresAt
	f.CountdownEndsAt = now.Add(time.Duration(m.cfg.PhoneOTP.CountdownSeconds) * time.Second)
	f.DebugCode = ""
	if m.cfg.IsDevelopment() {
		f.DebugCode = issued.Code
	}
	f.touch(now)

	m.recorder.Record(events.New(eventType).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Phone).
		WithSourceIP(sourceIP))
	return nil
}

// CountdownRemaining reports the seconds left on the flow's countdown.
func (m *Manager) CountdownRemaining(f *Flow) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := f.CountdownEndsAt.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// SubmitPhoneCode verifies the submitted phone code. Three mismatches in a
// row move the flow to Error; expiry or a consumed code tells the client to
// request a new one without burning an attempt.
func (m *Manager) SubmitPhoneCode(ctx context.Context, flowID, code string) (*Flow, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Kind != KindPhoneVerify || f.State != StateVerify {
		return nil, ErrInvalidTransition
	}

	now := m.now().UTC()
	defer f.touch(now)

	err = m.otp.Verify(ctx, f.Phone, code)
	switch {
	case err == nil:
		return m.completePhoneFlow(ctx, f)

	case errors.Is(err, phoneotp.ErrCodeMismatch):
		f.Attempts++
		m.recorder.Record(events.New(events.TypeVerifyFailed).
			WithFlow(f.ID, string(f.Kind)).
			WithIdentity(f.UserID, f.Phone).
			WithReason("code mismatch").
			WithAttempt(f.Attempts))
		if f.Attempts >= m.cfg.PhoneOTP.MaxAttempts {
			f.State = StateError
			m.recorder.Record(events.New(events.TypeFlowLocked).
				WithFlow(f.ID, string(f.Kind)).
				WithIdentity(f.UserID, f.Phone))
			return f, ErrTooManyAttempts
		}
		return f, err

	case errors.Is(err, phoneotp.ErrExpired), errors.Is(err, phoneotp.ErrNotFound):
		return f, err

	default:
		return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}

func (m *Manager) completePhoneFlow(ctx context.Context, f *Flow) (*Flow, error) {
	if m.limiter != nil {
		m.limiter.NoteConsumed(ctx, f.Phone)
	}

	if f.UserID != "" {
		if err := m.profiles.SetPhoneVerified(ctx, f.UserID, f.Phone); err != nil {
			return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		if err := m.profiles.SetOnboardingCompleted(ctx, f.UserID); err != nil {
			return f, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	}

	f.State = StateSuccess
	f.DebugCode = ""

	m.recorder.Record(events.New(events.TypeVerifySucceeded).
		WithFlow(f.ID, string(f.Kind)).
		WithIdentity(f.UserID, f.Phone))
	return f, nil
}

// ResendPhoneCode re-issues the code once the cooldown has passed. The fresh
// code invalidates the previous one.
func (m *Manager) ResendPhoneCode(ctx context.Context, flowID, sourceIP string) (*Flow, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Kind != KindPhoneVerify || f.State != StateVerify {
		return nil, ErrInvalidTransition
	}

	cooldown := time.Duration(m.cfg.PhoneOTP.CountdownSeconds)*time.Second - m.cfg.PhoneOTP.ResendCooldown
	if f.CountdownEndsAt.Sub(m.now()) > cooldown {
		return f, ErrResendCooldown
	}

	if err := m.issuePhoneCode(ctx, f, sourceIP, events.TypeCodeResent); err != nil {
		return f, err
	}
	return f, nil
}

// RecoverPhoneFlow routes an Error flow back into the machine: to Verify if
// the issued code is still live, otherwise to Input for a fresh start. The
// attempt counter resets either way.
func (m *Manager) RecoverPhoneFlow(_ context.Context, flowID string) (*Flow, error) {
	f, err := m.registry.get(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Kind != KindPhoneVerify || f.State != StateError {
		return nil, ErrInvalidTransition
	}

	now := m.now().UTC()
	f.Attempts = 0
	if now.Before(f.CodeExpiresAt) {
		f.State = StateVerify
	} else {
		f.State = StateInput
	}
	f.touch(now)
	return f, nil
}
