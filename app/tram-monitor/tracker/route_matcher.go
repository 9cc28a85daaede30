package tracker

import (
	"math"
	"sync"
)

// MatchResult describes where on a route polyline a GPS point landed
type MatchResult struct {
	// Progress is the normalized position along the polyline, 0.0-1.0
	Progress float64
	// DistanceM is the perpendicular distance from the point to the polyline in meters
	DistanceM float64
	// Direction is 0 when the vehicle course follows the polyline, 1 when it opposes it
	Direction int
}

type routeGeometry struct {
	points [][2]float64 // [lat, lon]
	// cumulative meters from the first point up to points[i]
	cumM   []float64
	totalM float64
}

// RouteMatcher snaps GPS positions to pre-loaded route polylines using
// 1-D linear referencing
type RouteMatcher struct {
	mu             sync.RWMutex
	routes         map[int]*routeGeometry
	maxSnapDistM   float64
	bearingWindow  float64 // progress window for local bearing, each side
	endpointMargin float64 // progress margin where direction defaults to 0
}

func NewRouteMatcher(maxSnapDistanceM float64) *RouteMatcher {
	return &RouteMatcher{
		routes:         make(map[int]*routeGeometry),
		maxSnapDistM:   maxSnapDistanceM,
		bearingWindow:  0.005,
		endpointMargin: 0.01,
	}
}

// Load stores the polyline for routeId, replacing any prior geometry.
// Polylines with fewer than 2 points are ignored.
func (m *RouteMatcher) Load(routeId int, points [][2]float64) {
	if len(points) < 2 {
		return
	}
	geom := &routeGeometry{
		points: points,
		cumM:   make([]float64, len(points)),
	}
	for i := 1; i < len(points); i++ {
		geom.cumM[i] = geom.cumM[i-1] +
			flatDistanceM(points[i-1][0], points[i-1][1], points[i][0], points[i][1])
	}
	geom.totalM = geom.cumM[len(points)-1]

	m.mu.Lock()
	m.routes[routeId] = geom
	m.mu.Unlock()
}

// Match projects the point onto the route polyline.
// Returns nil when the route is unknown or the point is further than the
// snap cutoff from the polyline.
func (m *RouteMatcher) Match(routeId int, lat, lon, course float64) *MatchResult {
	m.mu.RLock()
	geom := m.routes[routeId]
	m.mu.RUnlock()
	if geom == nil {
		return nil
	}

	bestDist := math.MaxFloat64
	bestAlongM := 0.0
	for i := 0; i+1 < len(geom.points); i++ {
		a, b := geom.points[i], geom.points[i+1]
		d, t := pointToSegmentM(lat, lon, a[0], a[1], b[0], b[1])
		if d < bestDist {
			bestDist = d
			bestAlongM = geom.cumM[i] + t*(geom.cumM[i+1]-geom.cumM[i])
		}
	}
	if bestDist > m.maxSnapDistM {
		return nil
	}

	progress := 0.0
	if geom.totalM > 0 {
		progress = bestAlongM / geom.totalM
	}
	return &MatchResult{
		Progress:  progress,
		DistanceM: bestDist,
		Direction: m.inferDirection(geom, progress, course),
	}
}

// Interpolate returns the lat/lon on the route polyline at the given
// normalized progress. ok is false when the route is unknown.
func (m *RouteMatcher) Interpolate(routeId int, progress float64) (lat, lon float64, ok bool) {
	m.mu.RLock()
	geom := m.routes[routeId]
	m.mu.RUnlock()
	if geom == nil {
		return 0, 0, false
	}
	lat, lon = geom.interpolate(progress)
	return lat, lon, true
}

// TotalLength returns the polyline length in meters, 0 for unknown routes
func (m *RouteMatcher) TotalLength(routeId int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if geom := m.routes[routeId]; geom != nil {
		return geom.totalM
	}
	return 0
}

// HasRoute reports whether geometry is loaded for routeId
func (m *RouteMatcher) HasRoute(routeId int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[routeId] != nil
}

// inferDirection compares the local polyline bearing around progress with
// the vehicle course. Points near the endpoints always report direction 0.
func (m *RouteMatcher) inferDirection(geom *routeGeometry, progress, course float64) int {
	if progress < m.endpointMargin || progress > 1-m.endpointMargin {
		return 0
	}
	lat1, lon1 := geom.interpolate(math.Max(0, progress-m.bearingWindow))
	lat2, lon2 := geom.interpolate(math.Min(1, progress+m.bearingWindow))
	routeBearing := bearingDeg(lat1, lon1, lat2, lon2)
	if angleDiffDeg(course, routeBearing) > 90 {
		return 1
	}
	return 0
}

// interpolate walks the cumulative distance table to the point at progress
func (g *routeGeometry) interpolate(progress float64) (float64, float64) {
	progress = math.Min(1, math.Max(0, progress))
	target := progress * g.totalM
	for i := 1; i < len(g.points); i++ {
		if g.cumM[i] >= target {
			segLen := g.cumM[i] - g.cumM[i-1]
			t := 0.0
			if segLen > 0 {
				t = (target - g.cumM[i-1]) / segLen
			}
			a, b := g.points[i-1], g.points[i]
			return a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])
		}
	}
	last := g.points[len(g.points)-1]
	return last[0], last[1]
}
