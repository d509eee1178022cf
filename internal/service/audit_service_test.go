package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stepup-service/internal/models"
	"stepup-service/internal/repository/memory"
)

func TestAuditRecordSealsRawAssertion(t *testing.T) {
	log := memory.NewValidationLog()
	svc := NewAuditService(log, stubSealer{}, nil, nil, zaptest.NewLogger(t))

	rec := &models.BiometricValidationRecord{
		ValidationID:    "val-1",
		UserID:          "user-1",
		LoginID:         "login-1",
		Decision:        models.DecisionAccepted,
		ConfidenceScore: 0.91,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, svc.Record(context.Background(), rec, "raw-assertion-jwt"))

	records, err := svc.TrailFor(context.Background(), "login-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sealed:raw-assertion-jwt", records[0].AssertionRaw)
}

func TestAuditRecordWithoutPayload(t *testing.T) {
	log := memory.NewValidationLog()
	svc := NewAuditService(log, stubSealer{}, nil, nil, zaptest.NewLogger(t))

	rec := &models.BiometricValidationRecord{
		ValidationID: "val-2",
		UserID:       "user-1",
		LoginID:      "login-2",
		Decision:     models.DecisionRejected,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, svc.Record(context.Background(), rec, ""))

	records, err := svc.TrailFor(context.Background(), "login-2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].AssertionRaw)
}

func TestSearchValidationsWithoutBackend(t *testing.T) {
	svc := NewAuditService(memory.NewValidationLog(), stubSealer{}, nil, nil, zaptest.NewLogger(t))

	_, err := svc.SearchValidations(context.Background(), SearchQuery{UserID: "user-1"})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
}
