package models

import (
	"time"
)

// Session status values. Transitions are monotonic: pending may become
// completed or expired, terminal states never change.
const (
	SessionStatusPending   = "pending"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
)

// LoginSession is one first-factor login attempt awaiting step-up.
// Terminal rows are never deleted; they remain as audit artifacts.
type LoginSession struct {
	LoginID         string     `db:"login_id" json:"login_id"`
	UserID          string     `db:"user_id" json:"user_id"`
	Nonce           string     `db:"nonce" json:"nonce"`
	TempCredential  string     `db:"temp_credential" json:"-"`
	FinalCredential string     `db:"final_credential" json:"-"`
	Status          string     `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time  `db:"expires_at" json:"expires_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsPending reports whether the session can still be completed.
func (s *LoginSession) IsPending() bool {
	return s.Status == SessionStatusPending
}

// IsExpiredAt reports lazy expiry: a pending session past its deadline is
// treated as expired by every reader without waiting for a sweeper.
func (s *LoginSession) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
