//go:build stepup_dev_bypass

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepup-service/internal/autherr"
	"stepup-service/internal/credential"
	"stepup-service/internal/models"
)

// testStroke builds n points marching along the x axis: dx pixels and
// dtMs milliseconds between consecutive points.
func testStroke(n int, dx float64, dtMs int) *models.StrokeCapture {
	points := make([]models.StrokePoint, n)
	for i := range points {
		points[i] = models.StrokePoint{X: float64(i) * dx, Y: 0, T: i * dtMs, P: 0.5}
	}
	return &models.StrokeCapture{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Points:     points,
		DurationMs: n * dtMs,
	}
}

func TestBypassAcceptsExplicitScore(t *testing.T) {
	require.True(t, BypassEnabled)

	fx := newEngine(t, nil)
	score := 0.93

	result, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Score:   &score,
	})
	require.NoError(t, err)
	assert.Equal(t, credential.LevelBiometric, result.AssuranceLevel)

	claims, err := fx.issuer.Verify(result.FinalCredential)
	require.NoError(t, err)
	require.NotNil(t, claims.BiometricProof)
	assert.Equal(t, "gesture_mock", claims.BiometricProof.Method)

	// Bypass decisions are audited like real ones, minus a raw assertion.
	records, err := fx.log.ListByLogin(context.Background(), fx.session.LoginID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.DecisionAccepted, records[0].Decision)
	assert.Empty(t, records[0].AssertionRaw)
	assert.Contains(t, records[0].AssertionClaims, "dev_bypass")
}

func TestBypassSharesSessionRules(t *testing.T) {
	fx := newEngine(t, nil)
	score := 0.93

	_, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   "not-the-nonce",
		Score:   &score,
	})
	assert.ErrorIs(t, err, autherr.ErrNonceMismatch)

	_, err = fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Score:   &score,
	})
	require.NoError(t, err)

	// Completed sessions refuse a second bypass just like the real path.
	_, err = fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Score:   &score,
	})
	assert.ErrorIs(t, err, autherr.ErrSessionNotPending)
}

func TestBypassRejectsLowScore(t *testing.T) {
	fx := newEngine(t, nil)
	score := 0.40

	_, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Score:   &score,
	})
	assert.ErrorIs(t, err, autherr.ErrBiometricScoreTooLow)

	records, err := fx.log.ListByLogin(context.Background(), fx.session.LoginID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.DecisionRejected, records[0].Decision)
}

func TestBypassScoresStrokeLocally(t *testing.T) {
	fx := newEngine(t, nil)

	// 220 points at 2 px/s: dense and steady, grades above threshold.
	result, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Stroke:  testStroke(220, 1.0, 500),
	})
	require.NoError(t, err)
	assert.Equal(t, credential.LevelBiometric, result.AssuranceLevel)
}

func TestBypassRequiresScoreOrStroke(t *testing.T) {
	fx := newEngine(t, nil)

	_, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
	})
	assert.ErrorIs(t, err, autherr.ErrMalformedRequest)
}

func TestDeriveMockScore(t *testing.T) {
	tests := []struct {
		name   string
		stroke *models.StrokeCapture
		want   float64
	}{
		{"dense steady stroke", testStroke(220, 1.0, 500), 0.90},
		{"average stroke", testStroke(150, 1.0, 500), 0.80},
		{"thin stroke", testStroke(110, 1.0, 500), 0.70},
		{"too few points", testStroke(80, 1.0, 500), 0},
		{"too slow", testStroke(150, 1.0, 10000), 0},
		{"too short a path", testStroke(150, 0.3, 500), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, deriveMockScore(tt.stroke), 1e-9)
		})
	}
}
