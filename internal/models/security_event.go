package models

import (
	"time"
)

// Security event types emitted to Kafka. Consumers treat unknown types as
// informational.
const (
	EventLoginSessionCreated = "login.session_created"
	EventLoginFailed         = "login.failed"
	EventStepUpAccepted      = "stepup.accepted"
	EventStepUpRejected      = "stepup.rejected"
	EventStepUpRaceLost      = "stepup.race_lost"
)

// SecurityEvent is the wire payload published to the security events
// topic. EventBucket keys partition affinity so per-user ordering holds.
type SecurityEvent struct {
	EventID     string    `json:"event_id"`
	EventBucket int       `json:"event_bucket"`
	EventType   string    `json:"event_type"`
	UserID      string    `json:"user_id"`
	LoginID     string    `json:"login_id,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
