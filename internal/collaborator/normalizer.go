package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"stepup-service/internal/config"
	"stepup-service/internal/models"
)

// NormalizeResult is what the step-up flow consumes: points ready for the
// scorer plus their features. Normalized reports whether the normalizer
// actually ran; on fallback the raw capture passes through with locally
// computed features.
type NormalizeResult struct {
	Points     []models.StrokePoint
	Features   *models.StrokeFeatures
	Normalized bool
}

type normalizeRequest struct {
	Timestamp        string               `json:"timestamp"`
	StrokePoints     []models.StrokePoint `json:"stroke_points"`
	StrokeDurationMs int                  `json:"stroke_duration_ms"`
}

type normalizeResponse struct {
	Status           string                 `json:"status"`
	Message          string                 `json:"message"`
	NormalizedStroke []models.StrokePoint   `json:"normalized_stroke"`
	Features         *models.StrokeFeatures `json:"features"`
}

// Normalizer calls the stroke normalization service synchronously. The
// call is best-effort: any failure, including timeout, degrades to the
// raw capture instead of failing the step-up.
type Normalizer struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewNormalizer(cfg config.CollaboratorsConfig, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		baseURL: cfg.NormalizerURL,
		httpClient: &http.Client{
			Timeout: cfg.NormalizerTimeout,
		},
		logger: logger,
	}
}

// Normalize submits the capture for padding and feature extraction. The
// temp credential authenticates this service to the normalizer.
func (n *Normalizer) Normalize(ctx context.Context, capture *models.StrokeCapture, tempCredential string) *NormalizeResult {
	result, err := n.call(ctx, capture, tempCredential)
	if err != nil {
		n.logger.Warn("Normalizer unavailable, falling back to raw stroke",
			zap.Int("num_points", len(capture.Points)),
			zap.Error(err))
		return &NormalizeResult{
			Points:     capture.Points,
			Features:   ComputeFeatures(capture.Points, capture.DurationMs, len(capture.Points)),
			Normalized: false,
		}
	}
	return result
}

func (n *Normalizer) call(ctx context.Context, capture *models.StrokeCapture, tempCredential string) (*NormalizeResult, error) {
	payload, err := json.Marshal(normalizeRequest{
		Timestamp:        capture.Timestamp,
		StrokePoints:     capture.Points,
		StrokeDurationMs: capture.DurationMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/normalize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build normalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tempCredential)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("normalize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("normalizer returned status %d", resp.StatusCode)
	}

	var body normalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode normalize response: %w", err)
	}

	if body.Status != "success" || len(body.NormalizedStroke) == 0 || body.Features == nil {
		return nil, fmt.Errorf("normalizer returned unusable result: status=%q", body.Status)
	}

	return &NormalizeResult{
		Points:     body.NormalizedStroke,
		Features:   body.Features,
		Normalized: true,
	}, nil
}
