// Package events records security events from the verification flows and
// fans them out to Kafka, Elasticsearch and ClickHouse. Recording is
// best-effort: a sink being down never fails or delays a verification.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the verification flows.
const (
	TypeFlowStarted      = "flow_started"
	TypeCodeIssued       = "code_issued"
	TypeCodeResent       = "code_resent"
	TypeVerifySucceeded  = "verify_succeeded"
	TypeVerifyFailed     = "verify_failed"
	TypeFlowLocked       = "flow_locked"
	TypeSecretEnrolled   = "secret_enrolled"
	TypeSessionIssued    = "session_issued"
	TypeRateLimitTripped = "rate_limit_tripped"
)

// SecurityEvent is the audit record for one notable moment in a flow.
// Identity fields hold usernames or normalized numbers, never codes or
// secrets.
type SecurityEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	FlowID      string    `json:"flow_id,omitempty"`
	FlowKind    string    `json:"flow_kind,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Identity    string    `json:"identity,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	EventBucket int       `json:"event_bucket"`
	DateBucket  string    `json:"date_bucket"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// New fills in the generated fields of an event.
func New(eventType string) *SecurityEvent {
	return &SecurityEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
}

func (e *SecurityEvent) WithFlow(flowID, flowKind string) *SecurityEvent {
	e.FlowID = flowID
	e.FlowKind = flowKind
	return e
}

func (e *SecurityEvent) WithIdentity(userID, identity string) *SecurityEvent {
	e.UserID = userID
	e.Identity = identity
	return e
}

func (e *SecurityEvent) WithReason(reason string) *SecurityEvent {
	e.Reason = reason
	return e
}

func (e *SecurityEvent) WithAttempt(attempt int) *SecurityEvent {
	e.Attempt = attempt
	return e
}

func (e *SecurityEvent) WithSourceIP(ip string) *SecurityEvent {
	e.SourceIP = ip
	return e
}

// Recorder is what the flow manager depends on. The fan-out recorder is the
// real implementation; tests use a capture fake, and NopRecorder serves
// deployments with no audit stack.
type Recorder interface {
	Record(event *SecurityEvent)
}

type NopRecorder struct{}

func (NopRecorder) Record(*SecurityEvent) {}
