// Package service implements the step-up protocol: first-factor login,
// the step-up decision engine, and the validation audit pipeline. The
// interfaces here are the slices of the surrounding infrastructure the
// services consume; production wires the scylla/redis/kafka
// implementations, tests and development builds wire the in-memory ones.
package service

import (
	"context"
	"time"

	"stepup-service/internal/assertion"
	"stepup-service/internal/credential"
	"stepup-service/internal/models"
)

// SessionStore is the durable record of in-flight login attempts.
// CompleteIfPending is the concurrency linchpin: it must apply the
// pending → completed transition atomically, electing exactly one winner
// per session however many callers race.
type SessionStore interface {
	Create(ctx context.Context, userID string) (*models.LoginSession, error)
	AttachTempCredential(ctx context.Context, loginID, cred string) error
	Get(ctx context.Context, loginID string) (*models.LoginSession, error)
	CompleteIfPending(ctx context.Context, loginID, finalCredential string) (bool, error)
	MarkExpired(ctx context.Context, loginID string) error
}

// CredentialIssuer mints and verifies the tokens this service issues.
type CredentialIssuer interface {
	IssueTemp(userID, loginID, nonce string) (string, time.Time, error)
	IssueFinal(userID, role string, level float64, amr []string, custom credential.StepUpClaims) (string, time.Time, error)
	Verify(tokenString string) (*credential.Claims, error)
	TempTTL() time.Duration
}

// AssertionVerifier validates externally signed biometric assertions.
type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, raw, expectedLoginID string, maxAge time.Duration) (*assertion.Claims, error)
}

// ValidationStore is the append-only audit log of threshold decisions.
type ValidationStore interface {
	Append(ctx context.Context, rec *models.BiometricValidationRecord) error
	ListByLogin(ctx context.Context, loginID string) ([]*models.BiometricValidationRecord, error)
}

// UserSource resolves session owners for final credential claims.
type UserSource interface {
	GetByID(ctx context.Context, userID string) (*models.UserRecord, error)
}

// AssertionSealer envelope-encrypts raw assertions before they are
// persisted in the audit trail.
type AssertionSealer interface {
	EncryptAssertion(ctx context.Context, rawAssertion string) (string, error)
}

// EventPublisher emits security events. Publishing is best-effort: a nil
// publisher or a failed publish never blocks an auth decision.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, event *models.SecurityEvent) error
}

// SessionCache absorbs session reads during the step-up window. The
// durable store stays authoritative; every method is best-effort.
type SessionCache interface {
	CacheSession(session *models.LoginSession, ttl time.Duration) error
	GetSession(loginID string) (*models.LoginSession, error)
	InvalidateSession(loginID string) error
}

// LoginThrottle backs off repeated first-factor failures per username.
type LoginThrottle interface {
	IncrementLoginFailures(username string, window time.Duration) (int, error)
	ResetLoginFailures(username string, window time.Duration) error
	SetTemporaryLock(username string, ttl time.Duration) error
	IsLocked(username string) (bool, error)
	LockTTL(username string) (time.Duration, error)
}

// AttemptLimiter counts step-up attempts per login session.
type AttemptLimiter interface {
	IncrementStepUpAttempts(loginID string, window time.Duration) (int, error)
}
