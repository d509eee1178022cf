//go:build stepup_dev_bypass

package service

import (
	"context"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/collaborator"
	"stepup-service/internal/models"
)

// BypassEnabled reports whether this binary links the development bypass.
// The router mounts the bypass route only when true.
const BypassEnabled = true

// CompleteStepUpBypass scores a step-up locally instead of verifying a
// signed assertion, then runs the exact same session-state, nonce,
// threshold, audit, and completion logic as the production path. Only
// development builds link this implementation.
func (s *StepUpService) CompleteStepUpBypass(ctx context.Context, in BypassInput) (*StepUpResult, error) {
	if in.LoginID == "" || in.Nonce == "" {
		return nil, autherr.ErrMalformedRequest
	}
	if err := s.checkAttempts(in.LoginID); err != nil {
		return nil, err
	}

	var score float64
	switch {
	case in.Score != nil:
		score = *in.Score
	case in.Stroke != nil:
		score = deriveMockScore(in.Stroke)
	default:
		return nil, autherr.ErrMalformedRequest
	}

	session, err := s.lookupSession(ctx, in.LoginID)
	if err != nil {
		return nil, err
	}

	s.logger.Warn("Step-up bypass invoked",
		zap.String("login_id", in.LoginID),
		zap.String("user_id", session.UserID),
		zap.Float64("score", score))

	return s.decide(ctx, decisionInput{
		loginID:           in.LoginID,
		nonce:             in.Nonce,
		score:             score,
		scoreNumeric:      true,
		method:            "gesture_mock",
		claimsSnapshot:    bypassSnapshot(session, in.Nonce, score),
		deviceFingerprint: in.DeviceFingerprint,
		sourceIP:          in.SourceIP,
	})
}

// deriveMockScore grades a raw stroke without a scorer round trip. Sparse
// or implausible captures score zero; plausible ones start at 0.75 and
// shift with point density and pace.
func deriveMockScore(stroke *models.StrokeCapture) float64 {
	features := collaborator.ComputeFeatures(stroke.Points, stroke.DurationMs, len(stroke.Points))

	if features.NumPoints < 100 {
		return 0
	}
	if features.VelocityMean < 0.5 || features.VelocityMean > 20.0 {
		return 0
	}
	if features.TotalDistance < 50 {
		return 0
	}

	score := 0.75
	if features.NumPoints >= 200 {
		score += 0.10
	} else if features.NumPoints < 120 {
		score -= 0.10
	}
	if features.VelocityMean >= 1.0 && features.VelocityMean <= 5.0 {
		score += 0.05
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
