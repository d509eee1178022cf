package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
	"stepup-service/internal/hashing"
	"stepup-service/internal/repository/memory"
)

func newTestDirectory(t *testing.T) (*Directory, *memory.UserDirectory) {
	t.Helper()

	hasher := hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
		},
	})
	store := memory.NewUserDirectory()
	return NewDirectory(store, hasher, zap.NewNop()), store
}

func TestAuthenticate(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	registered, err := d.Register(ctx, "alice", "correct horse battery staple", "customer")
	require.NoError(t, err)
	require.NotEmpty(t, registered.UserID)

	user, err := d.Authenticate(ctx, "alice", "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, registered.UserID, user.UserID)
	assert.Equal(t, "customer", user.Role)
}

func TestAuthenticateRejections(t *testing.T) {
	d, store := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, "alice", "hunter2hunter2", "customer")
	require.NoError(t, err)

	blocked, err := d.Register(ctx, "mallory", "hunter2hunter2", "customer")
	require.NoError(t, err)
	blocked.IsBlocked = true
	require.NoError(t, store.Create(ctx, blocked))

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"unknown username", "nobody", "hunter2hunter2"},
		{"wrong password", "alice", "wrong"},
		{"blocked user", "mallory", "hunter2hunter2"},
	}

	// All rejections collapse to the same error so a caller cannot tell
	// which check failed.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Authenticate(ctx, tt.username, tt.password)
			assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
		})
	}
}

func TestAuthenticateRecordsLastLogin(t *testing.T) {
	d, store := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, "alice", "hunter2hunter2", "customer")
	require.NoError(t, err)

	_, err = d.Authenticate(ctx, "alice", "hunter2hunter2")
	require.NoError(t, err)

	user, err := store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, user.LastLoginAt.IsZero())
}
