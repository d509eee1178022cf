// Package memory provides in-process implementations of the step-up
// stores. Development builds and tests run on these; production wires
// the scylla implementations. Semantics, including the conditional
// completion, match the durable stores exactly.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepup-service/internal/autherr"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

// SessionStore keeps login sessions in a map guarded by a mutex. The
// mutex-held check-and-set in CompleteIfPending gives the same
// one-writer-wins guarantee the Scylla lightweight transaction provides.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.LoginSession
	tempTTL  time.Duration
}

func NewSessionStore(tempTTL time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.LoginSession),
		tempTTL:  tempTTL,
	}
}

func (s *SessionStore) Create(ctx context.Context, userID string) (*models.LoginSession, error) {
	nonce, err := util.RandomToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.LoginSession{
		LoginID:   uuid.NewString(),
		UserID:    userID,
		Nonce:     nonce,
		Status:    models.SessionStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tempTTL),
	}

	s.mu.Lock()
	s.sessions[session.LoginID] = session
	s.mu.Unlock()

	return copySession(session), nil
}

func (s *SessionStore) AttachTempCredential(ctx context.Context, loginID, cred string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[loginID]
	if !ok {
		return autherr.ErrSessionNotFound
	}
	session.TempCredential = cred
	return nil
}

func (s *SessionStore) Get(ctx context.Context, loginID string) (*models.LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[loginID]
	if !ok {
		return nil, autherr.ErrSessionNotFound
	}
	return copySession(session), nil
}

// CompleteIfPending transitions pending → completed and stores the final
// credential, or reports false without mutating when the session is
// non-pending or already past its deadline.
func (s *SessionStore) CompleteIfPending(ctx context.Context, loginID, finalCredential string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[loginID]
	if !ok {
		return false, nil
	}
	if session.Status != models.SessionStatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	if now.After(session.ExpiresAt) {
		// Lazy expiry observed during completion; settle the row.
		session.Status = models.SessionStatusExpired
		return false, nil
	}

	session.Status = models.SessionStatusCompleted
	session.FinalCredential = finalCredential
	session.CompletedAt = &now
	return true, nil
}

func (s *SessionStore) MarkExpired(ctx context.Context, loginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[loginID]
	if !ok {
		return autherr.ErrSessionNotFound
	}
	if session.Status == models.SessionStatusPending {
		session.Status = models.SessionStatusExpired
	}
	return nil
}

// ForceExpiresAt rewinds a session's deadline. Test hook; not part of the
// store contract.
func (s *SessionStore) ForceExpiresAt(loginID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[loginID]; ok {
		session.ExpiresAt = expiresAt
	}
}

func copySession(s *models.LoginSession) *models.LoginSession {
	out := *s
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		out.CompletedAt = &completedAt
	}
	return &out
}
