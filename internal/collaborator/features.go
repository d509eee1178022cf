package collaborator

import (
	"math"

	"stepup-service/internal/models"
)

// ComputeFeatures derives stroke features locally, matching what the
// normalizer computes remotely. Velocity is px/s over consecutive points;
// zero or negative time deltas are skipped.
func ComputeFeatures(points []models.StrokePoint, durationMs, realLength int) *models.StrokeFeatures {
	if len(points) < 2 {
		return &models.StrokeFeatures{
			NumPoints:  len(points),
			RealLength: realLength,
			DurationMs: durationMs,
		}
	}

	var totalDistance float64
	var velocitySum, velocityMax float64
	var velocityCount int

	for i := 1; i < len(points); i++ {
		dx := points[i].X - points[i-1].X
		dy := points[i].Y - points[i-1].Y
		distance := math.Sqrt(dx*dx + dy*dy)
		totalDistance += distance

		dtMs := points[i].T - points[i-1].T
		if dtMs > 0 {
			velocity := distance / (float64(dtMs) / 1000.0)
			velocitySum += velocity
			velocityCount++
			if velocity > velocityMax {
				velocityMax = velocity
			}
		}
	}

	var velocityMean float64
	if velocityCount > 0 {
		velocityMean = velocitySum / float64(velocityCount)
	}

	return &models.StrokeFeatures{
		NumPoints:     len(points),
		RealLength:    realLength,
		TotalDistance: round2(totalDistance),
		VelocityMean:  round2(velocityMean),
		VelocityMax:   round2(velocityMax),
		DurationMs:    durationMs,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
