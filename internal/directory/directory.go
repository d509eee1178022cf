// Package directory resolves first-factor credentials to user records.
// It owns nothing but the username/password check: sessions, credentials
// and step-up state live elsewhere.
package directory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/hashing"
	"stepup-service/internal/models"
)

// UserStore is the slice of the user repository the directory needs.
type UserStore interface {
	Create(ctx context.Context, user *models.UserRecord) error
	GetByUsername(ctx context.Context, username string) (*models.UserRecord, error)
	UpdateLastLogin(ctx context.Context, user *models.UserRecord) error
}

// Directory verifies the password factor. Every rejection surfaces as
// ErrInvalidCredentials: unknown username, wrong password and blocked
// account are indistinguishable to the caller, so login responses cannot
// be used to enumerate or probe accounts.
type Directory struct {
	users  UserStore
	hasher *hashing.Hasher
	logger *zap.Logger
}

func NewDirectory(users UserStore, hasher *hashing.Hasher, logger *zap.Logger) *Directory {
	return &Directory{
		users:  users,
		hasher: hasher,
		logger: logger,
	}
}

// Authenticate resolves username/password to the owning user record.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*models.UserRecord, error) {
	user, err := d.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, autherr.ErrUserNotFound) {
			d.logger.Debug("first factor rejected: unknown username",
				zap.String("username", username))
			return nil, autherr.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("resolving username: %w", err)
	}

	ok, err := d.hasher.VerifyPassword(password, &hashing.HashResult{
		Hash:          user.PasswordHash,
		Salt:          user.PasswordSalt,
		PepperVersion: user.PepperVersion,
	})
	if err != nil {
		d.logger.Error("password verification errored",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return nil, autherr.ErrInvalidCredentials
	}
	if !ok {
		d.logger.Debug("first factor rejected: wrong password",
			zap.String("user_id", user.UserID))
		return nil, autherr.ErrInvalidCredentials
	}

	if user.IsBlocked {
		d.logger.Warn("first factor rejected: blocked user",
			zap.String("user_id", user.UserID))
		return nil, autherr.ErrInvalidCredentials
	}

	if err := d.users.UpdateLastLogin(ctx, user); err != nil {
		// Best-effort bookkeeping; the login itself already succeeded.
		d.logger.Warn("failed to record last login",
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}

	return user, nil
}

// Register enrolls a user with a freshly hashed password. Used by the
// provisioning path and test fixtures; enrollment UX is out of scope.
func (d *Directory) Register(ctx context.Context, username, password, role string) (*models.UserRecord, error) {
	hashed, err := d.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &models.UserRecord{
		Username:      username,
		PasswordHash:  hashed.Hash,
		PasswordSalt:  hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		Role:          role,
	}
	if err := d.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	d.logger.Info("user registered",
		zap.String("user_id", user.UserID),
		zap.String("role", role))

	return user, nil
}
