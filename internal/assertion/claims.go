package assertion

import (
	"encoding/json"
	"time"
)

// Claims is the verified claim set of an external biometric assertion.
// Score keeps its raw numeric-ness separate so the decision engine can
// treat a present-but-non-numeric score as a below-threshold decision
// instead of a malformed token.
type Claims struct {
	Subject           string
	LoginID           string
	Nonce             string
	Score             float64
	ScoreNumeric      bool
	DeviceFingerprint string
	IssuedAt          time.Time

	raw map[string]interface{}
}

// Snapshot renders the full claim set as JSON for the audit record.
func (c *Claims) Snapshot() string {
	if c.raw == nil {
		return "{}"
	}
	data, err := json.Marshal(c.raw)
	if err != nil {
		return "{}"
	}
	return string(data)
}
