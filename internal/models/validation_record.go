package models

import (
	"time"
)

// Validation decisions. A record is written for every decision the engine
// reaches, accepted or rejected, and is never mutated afterwards.
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// BiometricValidationRecord is the append-only audit entry for one
// threshold decision. AssertionRaw holds the envelope-encrypted raw
// assertion (see internal/encryption); AssertionClaims is a JSON snapshot
// of the verified claim set.
type BiometricValidationRecord struct {
	ValidationBucket  int       `db:"validation_bucket" json:"-"`
	CreatedDate       string    `db:"created_date" json:"-"`
	ValidationID      string    `db:"validation_id" json:"validation_id"`
	UserID            string    `db:"user_id" json:"user_id"`
	LoginID           string    `db:"login_id" json:"login_id"`
	Nonce             string    `db:"nonce" json:"nonce"`
	Decision          string    `db:"decision" json:"decision"`
	ConfidenceScore   float64   `db:"confidence_score" json:"confidence_score"`
	AssertionRaw      string    `db:"assertion_raw" json:"-"`
	AssertionClaims   string    `db:"assertion_claims" json:"assertion_claims"`
	DeviceFingerprint string    `db:"device_fingerprint" json:"device_fingerprint,omitempty"`
	SourceIP          string    `db:"source_ip" json:"source_ip,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}
