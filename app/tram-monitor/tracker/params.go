package tracker

import "time"

// Params collects the pipeline's heuristic constants. The defaults were
// tuned against live ETTU traces; they are exposed so deployments can
// adjust them without a rebuild.
type Params struct {
	// MaxSnapDistanceM is the cutoff beyond which Match reports no result
	MaxSnapDistanceM float64
	// MaxApplySnapDistanceM is the cutoff for applying a snap to the published position
	MaxApplySnapDistanceM float64
	// MaxFinalSnapErrorM bounds the haversine error between raw GPS and the snapped point
	MaxFinalSnapErrorM float64
	// StopProgressMaxDistanceM is how far a stop may project from the
	// polyline and still get a cached progress value for section bounds
	StopProgressMaxDistanceM float64

	// CoursePenalty is added to a direction's score when the vehicle
	// course opposes the local stop-sequence bearing
	CoursePenalty float64
	// StickinessPenalty is added to directions other than the vehicle's previous one
	StickinessPenalty float64
	// ProbeFraction and ProbeMinM size the equal-probe test points
	ProbeFraction float64
	ProbeMinM     float64
	// ProbeEpsilonM is the equality band for the "at the stop" outcome
	ProbeEpsilonM float64

	MinSpeedKmh   float64
	MaxEtaSeconds int

	GhostTTL time.Duration
}

func DefaultParams() Params {
	return Params{
		MaxSnapDistanceM:         300,
		MaxApplySnapDistanceM:    60,
		MaxFinalSnapErrorM:       80,
		StopProgressMaxDistanceM: 120,
		CoursePenalty:            500000,
		StickinessPenalty:        200000,
		ProbeFraction:            0.35,
		ProbeMinM:                5,
		ProbeEpsilonM:            5,
		MinSpeedKmh:              5,
		MaxEtaSeconds:            3600,
		GhostTTL:                 120 * time.Second,
	}
}
