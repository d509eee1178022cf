package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/bucketing"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

// ValidationRepository appends biometric validation records. Records are
// written to the bucketed biometric_validations table and mirrored into
// validations_by_login for per-session audit reads; both writes go through
// one logged batch so the views cannot diverge.
type ValidationRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewValidationRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *ValidationRepository {
	return &ValidationRepository{
		client:    client,
		bucketing: bm,
	}
}

func (r *ValidationRepository) Append(ctx context.Context, rec *models.BiometricValidationRecord) error {
	if rec.ValidationID == "" {
		rec.ValidationID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ValidationBucket = r.bucketing.GetValidationBucket(rec.ValidationID)
	rec.CreatedDate = r.bucketing.GetDateBucket(rec.CreatedAt)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateValidation.Statement(),
		rec.ValidationBucket, rec.CreatedDate, rec.ValidationID, rec.UserID,
		rec.LoginID, rec.Nonce, rec.Decision, rec.ConfidenceScore,
		rec.AssertionRaw, rec.AssertionClaims, rec.DeviceFingerprint,
		rec.SourceIP, rec.CreatedAt)

	batch.Query(r.client.Prepared.CreateValidationByLogin.Statement(),
		rec.LoginID, rec.CreatedAt, rec.ValidationID, rec.UserID,
		rec.Decision, rec.ConfidenceScore)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to append validation record",
			zap.String("validation_id", rec.ValidationID),
			zap.String("login_id", rec.LoginID),
			zap.String("decision", rec.Decision),
			zap.Error(err))
		return fmt.Errorf("failed to append validation record: %w", err)
	}

	util.Debug("Validation record appended",
		zap.String("validation_id", rec.ValidationID),
		zap.String("login_id", rec.LoginID),
		zap.String("decision", rec.Decision))

	return nil
}

// ListByLogin returns the audit trail of one login session, newest first.
// Only the per-login view columns are populated.
func (r *ValidationRepository) ListByLogin(ctx context.Context, loginID string) ([]*models.BiometricValidationRecord, error) {
	iter := r.client.Prepared.GetValidationsByLogin.Bind(loginID).WithContext(ctx).Iter()

	var records []*models.BiometricValidationRecord
	rec := &models.BiometricValidationRecord{LoginID: loginID}
	for iter.Scan(&rec.ValidationID, &rec.UserID, &rec.Decision, &rec.ConfidenceScore, &rec.CreatedAt) {
		records = append(records, rec)
		rec = &models.BiometricValidationRecord{LoginID: loginID}
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list validation records",
			zap.String("login_id", loginID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}

	return records, nil
}
