package tracker

import "math"

// Flat-earth meter conversions at the Yekaterinburg reference latitude
// (~56.84N). Adequate for distances inside one transit area; haversine is
// used where the result feeds an acceptance threshold.
const (
	refLatitudeDeg   = 56.84
	latMetersPerDeg  = 111320.0
	earthRadiusM     = 6371000.0
	degToRad         = math.Pi / 180.0
)

var lonMetersPerDeg = latMetersPerDeg * math.Cos(refLatitudeDeg*degToRad)

// flatDistanceM calculates the approximate distance in meters between two
// lat/lon pairs using the fixed reference latitude.
// will not produce good results where longitude rolls over from -179.9 to 179.9
func flatDistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * latMetersPerDeg
	dLon := (lon2 - lon1) * lonMetersPerDeg
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// haversineM calculates the great-circle distance in meters between two
// lat/lon pairs
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Asin(math.Sqrt(a))
}

// bearingDeg returns the bearing in degrees [0,360) from point 1 to point 2
// using the flat-earth approximation
func bearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	dLatM := (lat2 - lat1) * latMetersPerDeg
	dLonM := (lon2 - lon1) * lonMetersPerDeg
	b := math.Atan2(dLonM, dLatM) / degToRad
	return math.Mod(b+360, 360)
}

// angleDiffDeg folds the absolute difference between two bearings into [0,180]
func angleDiffDeg(a, b float64) float64 {
	diff := math.Mod(math.Abs(a-b), 360)
	if diff > 180 {
		diff = 360 - diff
	}
	return diff
}

// pointToSegmentM projects point p onto the segment from a to b, all in
// lat/lon degrees, working in flat-earth meters.
// Returns the distance in meters and the clamped parametric position t in [0,1].
// Degenerate segments collapse to point distance with t=0.
func pointToSegmentM(pLat, pLon, aLat, aLon, bLat, bLon float64) (distM, t float64) {
	px := (pLon - aLon) * lonMetersPerDeg
	py := (pLat - aLat) * latMetersPerDeg
	sx := (bLon - aLon) * lonMetersPerDeg
	sy := (bLat - aLat) * latMetersPerDeg

	segLenSq := sx*sx + sy*sy
	if segLenSq < 1e-6 {
		return math.Sqrt(px*px + py*py), 0
	}
	t = (px*sx + py*sy) / segLenSq
	t = math.Min(1, math.Max(0, t))
	dx := px - t*sx
	dy := py - t*sy
	return math.Sqrt(dx*dx + dy*dy), t
}
