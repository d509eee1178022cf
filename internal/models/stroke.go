package models

// StrokePoint is one sampled point of a biometric gesture, exactly as the
// capture client emits it: pixel coordinates, milliseconds since stroke
// start, pressure in [0,1].
type StrokePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int     `json:"t"`
	P float64 `json:"p"`
}

// StrokeCapture is a raw gesture as submitted with an inline step-up
// request, before any normalization.
type StrokeCapture struct {
	Timestamp  string        `json:"timestamp"`
	Points     []StrokePoint `json:"stroke_points"`
	DurationMs int           `json:"stroke_duration_ms"`
}

// StrokeFeatures summarizes a stroke for the scorer. NumPoints counts the
// points as sent (padding included), RealLength the points captured before
// padding. Velocities are px/s. The normalizer collaborator computes
// these; when it is unavailable they are derived locally from raw input.
type StrokeFeatures struct {
	NumPoints     int     `json:"num_points"`
	RealLength    int     `json:"real_length"`
	TotalDistance float64 `json:"total_distance"`
	VelocityMean  float64 `json:"velocity_mean"`
	VelocityMax   float64 `json:"velocity_max"`
	DurationMs    int     `json:"duration_ms"`
}
