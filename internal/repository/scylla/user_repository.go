package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/bucketing"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

// UserRepository backs the first-factor directory. The users table is
// bucketed by user_bucket; username_to_user maps the login name to the
// bucketed primary key.
type UserRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{
		client:    client,
		bucketing: bm,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *models.UserRecord) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UserBucket = r.bucketing.GetUserBucket(user.UserID)

	// Both tables change in one logged batch so the username mapping can
	// never point at a missing row.
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.UserBucket, user.UserID, user.Username, user.PasswordHash,
		user.PasswordSalt, user.PepperVersion, user.Role, user.IsBlocked,
		user.CreatedAt, user.LastLoginAt)

	batch.Query(r.client.Prepared.CreateUsernameToUser.Statement(),
		user.Username, user.UserBucket, user.UserID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create user",
			zap.String("username", user.Username),
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("username", user.Username),
		zap.String("user_id", user.UserID),
		zap.Int("user_bucket", user.UserBucket))

	return nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.UserRecord, error) {
	var userBucket int
	var userID string

	lookup := r.client.Prepared.GetUserIDByUsername.Bind(username).WithContext(ctx)
	if err := r.client.ScanWithRetry(lookup, &userBucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrUserNotFound
		}
		util.Error("Failed to resolve username",
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}

	user := &models.UserRecord{}
	query := r.client.Prepared.GetUserByID.Bind(userBucket, userID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Username, &user.PasswordHash,
		&user.PasswordSalt, &user.PepperVersion, &user.Role, &user.IsBlocked,
		&user.CreatedAt, &user.LastLoginAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrUserNotFound
		}
		util.Error("Failed to get user by ID",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.UserRecord, error) {
	userBucket := r.bucketing.GetUserBucket(userID)

	user := &models.UserRecord{}
	query := r.client.Prepared.GetUserByID.Bind(userBucket, userID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Username, &user.PasswordHash,
		&user.PasswordSalt, &user.PepperVersion, &user.Role, &user.IsBlocked,
		&user.CreatedAt, &user.LastLoginAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrUserNotFound
		}
		util.Error("Failed to get user by ID",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, user *models.UserRecord) error {
	query := r.client.Prepared.UpdateUserLastLogin.Bind(
		time.Now().UTC(), user.UserBucket, user.UserID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Warn("Failed to update last login",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}

	return nil
}
