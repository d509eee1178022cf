package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

// SessionRepository persists login sessions in the login_sessions table.
// Completion goes through a lightweight transaction so that concurrent
// step-up attempts against the same session elect exactly one winner.
type SessionRepository struct {
	client  *ScyllaClient
	tempTTL time.Duration
}

func NewSessionRepository(client *ScyllaClient, tempTTL time.Duration) *SessionRepository {
	return &SessionRepository{
		client:  client,
		tempTTL: tempTTL,
	}
}

func (r *SessionRepository) Create(ctx context.Context, userID string) (*models.LoginSession, error) {
	nonce, err := util.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session nonce: %w", err)
	}

	now := time.Now().UTC()
	session := &models.LoginSession{
		LoginID:   uuid.New().String(),
		UserID:    userID,
		Nonce:     nonce,
		Status:    models.SessionStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.tempTTL),
	}

	query := r.client.Prepared.CreateSession.Bind(
		session.LoginID, session.UserID, session.Nonce,
		session.TempCredential, session.FinalCredential,
		session.Status, session.CreatedAt, session.ExpiresAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create login session",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create login session: %w", err)
	}

	util.Debug("Login session created",
		zap.String("login_id", session.LoginID),
		zap.String("user_id", userID),
		zap.Time("expires_at", session.ExpiresAt))

	return session, nil
}

func (r *SessionRepository) AttachTempCredential(ctx context.Context, loginID, cred string) error {
	query := r.client.Prepared.AttachTempCredential.Bind(cred, loginID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to attach temp credential",
			zap.String("login_id", loginID),
			zap.Error(err))
		return fmt.Errorf("failed to attach temp credential: %w", err)
	}

	return nil
}

func (r *SessionRepository) Get(ctx context.Context, loginID string) (*models.LoginSession, error) {
	session := &models.LoginSession{}
	var completedAt time.Time

	query := r.client.Prepared.GetSession.Bind(loginID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&session.LoginID, &session.UserID, &session.Nonce,
		&session.TempCredential, &session.FinalCredential,
		&session.Status, &session.CreatedAt, &session.ExpiresAt, &completedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrSessionNotFound
		}
		util.Error("Failed to get login session",
			zap.String("login_id", loginID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get login session: %w", err)
	}

	if !completedAt.IsZero() {
		session.CompletedAt = &completedAt
	}

	return session, nil
}

// CompleteIfPending atomically moves the session from pending to completed
// and stores the final credential. It returns false when the session is not
// pending anymore or its deadline already passed, with no changes applied.
// The conditional update is executed once and never retried: a timed-out
// apply is indistinguishable from a lost race.
func (r *SessionRepository) CompleteIfPending(ctx context.Context, loginID, finalCredential string) (bool, error) {
	now := time.Now().UTC()

	query := r.client.Prepared.CompleteSession.Bind(
		models.SessionStatusCompleted, finalCredential, now,
		loginID,
		models.SessionStatusPending, now).WithContext(ctx)

	previous := map[string]interface{}{}
	applied, err := query.MapScanCAS(previous)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		util.Error("Failed to apply session completion",
			zap.String("login_id", loginID),
			zap.Error(err))
		return false, fmt.Errorf("failed to complete login session: %w", err)
	}

	if !applied {
		util.Debug("Session completion not applied",
			zap.String("login_id", loginID),
			zap.Any("current_status", previous["status"]))
		return false, nil
	}

	return true, nil
}

// MarkExpired flips a pending session to expired. It is a best-effort
// housekeeping write: a concurrent completion winning the condition is not
// an error.
func (r *SessionRepository) MarkExpired(ctx context.Context, loginID string) error {
	query := r.client.Prepared.ExpireSession.Bind(
		models.SessionStatusExpired, loginID, models.SessionStatusPending).WithContext(ctx)

	previous := map[string]interface{}{}
	if _, err := query.MapScanCAS(previous); err != nil && err != gocql.ErrNotFound {
		util.Warn("Failed to mark session expired",
			zap.String("login_id", loginID),
			zap.Error(err))
		return fmt.Errorf("failed to mark session expired: %w", err)
	}

	return nil
}
