// Package flow drives the enrollment and verification state machines. A
// flow is a short-lived server-side record created when a client starts
// signing in, enrolling an authenticator, or verifying a phone number;
// every code submission moves it through its states until it authenticates,
// fails, or expires idle.
package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"twofa-service/internal/session"
	"twofa-service/internal/totp"
)

var (
	ErrFlowNotFound        = errors.New("flow not found or expired")
	ErrInvalidTransition   = errors.New("operation not valid in current flow state")
	ErrTooManyAttempts     = errors.New("too many failed attempts")
	ErrDuplicateIdentity   = errors.New("username is already taken")
	ErrUpstreamUnavailable = errors.New("upstream dependency unavailable")
	ErrResendCooldown      = errors.New("resend not available yet")
)

type Kind string

const (
	KindTOTPSignIn  Kind = "totp_signin"
	KindTOTPSignUp  Kind = "totp_signup"
	KindPhoneVerify Kind = "phone_verify"
)

type State string

const (
	// TOTP flow states.
	StateCollectingIdentity State = "collecting_identity"
	StateEnrollingSecret    State = "enrolling_secret"
	StateAwaitingCode       State = "awaiting_code"
	StateAuthenticated      State = "authenticated"
	StateFailed             State = "failed"

	// Phone flow states.
	StateInput   State = "input"
	StateVerify  State = "verify"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Flow is one in-flight verification. The pending secret exists only here
// until the enrollment code is verified; abandoning the flow persists
// nothing.
type Flow struct {
	ID    string
	Kind  Kind
	State State

	Username string
	UserID   string
	Phone    string

	// Enrollment only; discarded unless the first code verifies.
	PendingSecret string
	PendingParams totp.Params

	// Phone flow bookkeeping.
	CodeExpiresAt   time.Time
	CountdownEndsAt time.Time
	DebugCode       string

	Attempts int
	Session  *session.Session

	CreatedAt time.Time
	UpdatedAt time.Time

	mu sync.Mutex
}

func (f *Flow) touch(now time.Time) {
	f.UpdatedAt = now
}

// registry holds live flows in memory with idle expiry.
type registry struct {
	flows sync.Map // flow ID -> *Flow
	ttl   time.Duration
	now   func() time.Time
	done  chan struct{}
	once  sync.Once
}

func newRegistry(ttl time.Duration, now func() time.Time) *registry {
	r := &registry{
		ttl:  ttl,
		now:  now,
		done: make(chan struct{}),
	}
	go r.sweep()
	return r
}

func (r *registry) create(kind Kind, state State) *Flow {
	now := r.now().UTC()
	f := &Flow{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.flows.Store(f.ID, f)
	return f
}

func (r *registry) get(id string) (*Flow, error) {
	v, ok := r.flows.Load(id)
	if !ok {
		return nil, ErrFlowNotFound
	}
	f := v.(*Flow)
	if r.now().Sub(f.UpdatedAt) > r.ttl {
		r.flows.Delete(id)
		return nil, ErrFlowNotFound
	}
	return f, nil
}

func (r *registry) drop(id string) {
	r.flows.Delete(id)
}

func (r *registry) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := r.now().Add(-r.ttl)
			r.flows.Range(func(key, value interface{}) bool {
				if value.(*Flow).UpdatedAt.Before(cutoff) {
					r.flows.Delete(key)
				}
				return true
			})
		case <-r.done:
			return
		}
	}
}

func (r *registry) close() {
	r.once.Do(func() { close(r.done) })
}
