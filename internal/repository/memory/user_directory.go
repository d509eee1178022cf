package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepup-service/internal/autherr"
	"stepup-service/internal/models"
)

// UserDirectory keeps user records in memory, keyed by username. It backs
// the first-factor directory in development builds and tests.
type UserDirectory struct {
	mu         sync.RWMutex
	byUsername map[string]*models.UserRecord
}

func NewUserDirectory() *UserDirectory {
	return &UserDirectory{
		byUsername: make(map[string]*models.UserRecord),
	}
}

func (d *UserDirectory) Create(ctx context.Context, user *models.UserRecord) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	stored := *user

	d.mu.Lock()
	d.byUsername[stored.Username] = &stored
	d.mu.Unlock()

	return nil
}

func (d *UserDirectory) GetByUsername(ctx context.Context, username string) (*models.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.byUsername[username]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (d *UserDirectory) UpdateLastLogin(ctx context.Context, user *models.UserRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.byUsername[user.Username]
	if !ok {
		return autherr.ErrUserNotFound
	}
	stored.LastLoginAt = time.Now().UTC()
	return nil
}

func (d *UserDirectory) GetByID(ctx context.Context, userID string) (*models.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, user := range d.byUsername {
		if user.UserID == userID {
			cp := *user
			return &cp, nil
		}
	}
	return nil, autherr.ErrUserNotFound
}
