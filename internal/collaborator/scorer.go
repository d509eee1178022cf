package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
	"stepup-service/internal/models"
)

type scoreRequest struct {
	NormalizedStroke []models.StrokePoint   `json:"normalized_stroke"`
	RealLength       int                    `json:"real_length"`
	Features         *models.StrokeFeatures `json:"features"`
	UserID           string                 `json:"user_id"`
	LoginID          string                 `json:"login_id"`
	Nonce            string                 `json:"nonce"`
}

// ScoreResult is the scorer's verdict on one stroke. Assertion carries the
// signed claim set the verifier checks; the other fields are advisory.
type ScoreResult struct {
	Assertion  string                 `json:"assertion"`
	IsValid    bool                   `json:"is_valid"`
	Confidence float64                `json:"confidence"`
	UserID     string                 `json:"user_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ScoreSubject binds a score request to the session being stepped up.
type ScoreSubject struct {
	UserID  string
	LoginID string
	Nonce   string
}

// Scorer calls the biometric scoring service. Unlike the normalizer there
// is no fallback: a step-up cannot be decided without a score, so failures
// surface as ErrScorerUnavailable.
type Scorer struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewScorer(cfg config.CollaboratorsConfig, logger *zap.Logger) *Scorer {
	return &Scorer{
		endpoint: cfg.ScorerURL,
		username: cfg.ScorerUsername,
		password: cfg.ScorerPassword,
		httpClient: &http.Client{
			Timeout: cfg.ScorerTimeout,
		},
		logger: logger,
	}
}

// Score submits a normalized stroke for validation. The subject ties the
// scorer's assertion to the session being stepped up.
func (s *Scorer) Score(ctx context.Context, result *NormalizeResult, subject ScoreSubject) (*ScoreResult, error) {
	payload, err := json.Marshal(scoreRequest{
		NormalizedStroke: result.Points,
		RealLength:       result.Features.RealLength,
		Features:         result.Features,
		UserID:           subject.UserID,
		LoginID:          subject.LoginID,
		Nonce:            subject.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.username, s.password)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Scorer request failed",
			zap.String("endpoint", s.endpoint),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", autherr.ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.logger.Error("Scorer returned error status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: status %d", autherr.ErrScorerUnavailable, resp.StatusCode)
	}

	verdict := &ScoreResult{}
	if err := json.NewDecoder(resp.Body).Decode(verdict); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", autherr.ErrScorerUnavailable, err)
	}
	if verdict.IsValid && verdict.Assertion == "" {
		return nil, fmt.Errorf("%w: verdict missing assertion", autherr.ErrScorerUnavailable)
	}

	s.logger.Debug("Stroke scored",
		zap.Bool("is_valid", verdict.IsValid),
		zap.Float64("confidence", verdict.Confidence))

	return verdict, nil
}
