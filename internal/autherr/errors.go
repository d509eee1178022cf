// Package autherr defines the shared error taxonomy of the step-up
// protocol. Handlers map these to HTTP status codes with errors.Is;
// services wrap them with %w and attach context.
package autherr

import (
	"errors"
)

// First factor. ErrUserNotFound stays internal to the directory; callers
// surface ErrInvalidCredentials so responses cannot be used to enumerate
// usernames.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrTooManyAttempts    = errors.New("too many step-up attempts")
)

// Credential issuer.
var (
	ErrSigningError      = errors.New("credential signing failed")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrCredentialExpired = errors.New("credential expired")
)

// Assertion verifier.
var (
	ErrTrustStoreUnavailable = errors.New("assertion trust store unavailable")
	ErrMalformedAssertion    = errors.New("malformed assertion")
	ErrLoginIdMismatch       = errors.New("assertion login id mismatch")
)

// Step-up decision engine. ErrBiometricVerificationFailed is the coarse
// category returned to callers for any assertion verification failure;
// the specific cause is logged, never surfaced.
var (
	ErrSessionNotFound             = errors.New("login session not found")
	ErrSessionNotPending           = errors.New("login session not pending")
	ErrSessionExpired              = errors.New("login session expired")
	ErrNonceMismatch               = errors.New("assertion nonce mismatch")
	ErrBiometricScoreTooLow        = errors.New("biometric score below threshold")
	ErrBiometricVerificationFailed = errors.New("biometric verification failed")
	ErrBypassDisabled              = errors.New("step-up bypass disabled in this build")
)

// Collaborators.
var (
	ErrScorerUnavailable     = errors.New("biometric scorer unavailable")
	ErrNormalizerUnavailable = errors.New("stroke normalizer unavailable")
)

// Transport.
var (
	ErrMalformedRequest = errors.New("malformed request")
)
