package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepup-service/internal/autherr"
	"stepup-service/internal/models"
)

func TestCreateSession(t *testing.T) {
	store := NewSessionStore(120 * time.Second)

	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	assert.NotEmpty(t, session.LoginID)
	assert.NotEmpty(t, session.Nonce)
	assert.Equal(t, "user-42", session.UserID)
	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.WithinDuration(t, session.CreatedAt.Add(120*time.Second), session.ExpiresAt, time.Millisecond)

	other, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)
	assert.NotEqual(t, session.LoginID, other.LoginID)
	assert.NotEqual(t, session.Nonce, other.Nonce, "nonces are never reissued")
}

func TestGetIsIdempotent(t *testing.T) {
	store := NewSessionStore(120 * time.Second)
	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		got, err := store.Get(context.Background(), session.LoginID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusPending, got.Status)
	}

	_, err = store.Get(context.Background(), "missing-login")
	assert.ErrorIs(t, err, autherr.ErrSessionNotFound)
}

func TestCompleteIfPending(t *testing.T) {
	store := NewSessionStore(120 * time.Second)
	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	ok, err := store.CompleteIfPending(context.Background(), session.LoginID, "final-cred")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(context.Background(), session.LoginID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, "final-cred", got.FinalCredential)
	require.NotNil(t, got.CompletedAt)

	// Second completion loses: terminal states never change.
	ok, err = store.CompleteIfPending(context.Background(), session.LoginID, "other-cred")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = store.Get(context.Background(), session.LoginID)
	require.NoError(t, err)
	assert.Equal(t, "final-cred", got.FinalCredential)
}

func TestCompleteIfPendingExpired(t *testing.T) {
	store := NewSessionStore(120 * time.Second)
	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	store.ForceExpiresAt(session.LoginID, time.Now().Add(-time.Second))

	ok, err := store.CompleteIfPending(context.Background(), session.LoginID, "final-cred")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(context.Background(), session.LoginID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)
	assert.Empty(t, got.FinalCredential)
}

func TestConcurrentCompletionSingleWinner(t *testing.T) {
	store := NewSessionStore(120 * time.Second)
	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	const attempts = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompleteIfPending(context.Background(), session.LoginID, "final-cred")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent completion may win")

	got, err := store.Get(context.Background(), session.LoginID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.NotEmpty(t, got.FinalCredential)
}

func TestMarkExpiredIsConditional(t *testing.T) {
	store := NewSessionStore(120 * time.Second)
	session, err := store.Create(context.Background(), "user-42")
	require.NoError(t, err)

	ok, err := store.CompleteIfPending(context.Background(), session.LoginID, "final-cred")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.MarkExpired(context.Background(), session.LoginID))

	got, err := store.Get(context.Background(), session.LoginID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status, "terminal status must not regress")
}

func TestFinalCredentialOnlyWhenCompleted(t *testing.T) {
	store := NewSessionStore(120 * time.Second)

	pending, err := store.Create(context.Background(), "user-1")
	require.NoError(t, err)
	completed, err := store.Create(context.Background(), "user-2")
	require.NoError(t, err)
	expired, err := store.Create(context.Background(), "user-3")
	require.NoError(t, err)

	_, err = store.CompleteIfPending(context.Background(), completed.LoginID, "final-cred")
	require.NoError(t, err)
	require.NoError(t, store.MarkExpired(context.Background(), expired.LoginID))

	for _, loginID := range []string{pending.LoginID, completed.LoginID, expired.LoginID} {
		got, err := store.Get(context.Background(), loginID)
		require.NoError(t, err)
		hasCredential := got.FinalCredential != ""
		isCompleted := got.Status == models.SessionStatusCompleted
		assert.Equal(t, isCompleted, hasCredential,
			"final credential present iff session completed: %s", got.Status)
	}
}
