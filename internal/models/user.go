package models

import (
	"time"
)

// UserRecord backs the first-factor directory. Password hashes are
// argon2id with a versioned pepper (see internal/hashing).
type UserRecord struct {
	UserBucket    int       `db:"user_bucket" json:"-"`
	UserID        string    `db:"user_id" json:"user_id"`
	Username      string    `db:"username" json:"username"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	PasswordSalt  string    `db:"password_salt" json:"-"`
	PepperVersion int       `db:"pepper_version" json:"-"`
	Role          string    `db:"role" json:"role"`
	IsBlocked     bool      `db:"is_blocked" json:"is_blocked"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	LastLoginAt   time.Time `db:"last_login_at" json:"last_login_at"`
}
