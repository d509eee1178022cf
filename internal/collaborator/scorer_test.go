package collaborator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
	"stepup-service/internal/models"
)

func newTestScorer(t *testing.T, url string) *Scorer {
	t.Helper()
	return NewScorer(config.CollaboratorsConfig{
		ScorerURL:      url,
		ScorerUsername: "bmfa_user",
		ScorerPassword: "secret",
		ScorerTimeout:  2 * time.Second,
	}, zaptest.NewLogger(t))
}

func normalizedFixture() *NormalizeResult {
	return &NormalizeResult{
		Points: make([]models.StrokePoint, 150),
		Features: &models.StrokeFeatures{
			NumPoints:     150,
			RealLength:    150,
			TotalDistance: 900,
			VelocityMean:  3.2,
			VelocityMax:   8.1,
			DurationMs:    2500,
		},
		Normalized: true,
	}
}

func scoreSubjectFixture() ScoreSubject {
	return ScoreSubject{
		UserID:  "user-1",
		LoginID: "login-1",
		Nonce:   "nonce-1",
	}
}

func TestScoreSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "bmfa_user", user)
		require.Equal(t, "secret", pass)

		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 150, req.RealLength)
		require.Len(t, req.NormalizedStroke, 150)
		require.Equal(t, "user-1", req.UserID)
		require.Equal(t, "login-1", req.LoginID)
		require.Equal(t, "nonce-1", req.Nonce)

		json.NewEncoder(w).Encode(ScoreResult{
			Assertion:  "header.payload.signature",
			IsValid:    true,
			Confidence: 0.85,
			Message:    "valid signature",
		})
	}))
	defer server.Close()

	verdict, err := newTestScorer(t, server.URL).Score(context.Background(), normalizedFixture(), scoreSubjectFixture())
	require.NoError(t, err)
	assert.True(t, verdict.IsValid)
	assert.Equal(t, "header.payload.signature", verdict.Assertion)
	assert.InDelta(t, 0.85, verdict.Confidence, 1e-9)
}

func TestScoreUnavailableOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := newTestScorer(t, server.URL).Score(context.Background(), normalizedFixture(), scoreSubjectFixture())
	assert.ErrorIs(t, err, autherr.ErrScorerUnavailable)
}

func TestScoreUnavailableOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestScorer(t, server.URL).Score(context.Background(), normalizedFixture(), scoreSubjectFixture())
	assert.ErrorIs(t, err, autherr.ErrScorerUnavailable)
}

func TestScoreUnavailableOnGarbageBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := newTestScorer(t, server.URL).Score(context.Background(), normalizedFixture(), scoreSubjectFixture())
	assert.ErrorIs(t, err, autherr.ErrScorerUnavailable)
}

func TestScoreUnavailableWhenValidVerdictLacksAssertion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ScoreResult{IsValid: true, Confidence: 0.9})
	}))
	defer server.Close()

	_, err := newTestScorer(t, server.URL).Score(context.Background(), normalizedFixture(), scoreSubjectFixture())
	assert.ErrorIs(t, err, autherr.ErrScorerUnavailable)
}
