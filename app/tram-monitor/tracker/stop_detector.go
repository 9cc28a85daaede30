package tracker

import (
	"math"
	"sort"
	"sync"
)

// StopOnRoute is one stop in the ordered sequence of a route direction
type StopOnRoute struct {
	StopId    int     `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Order     int     `json:"order"`
	Direction int     `json:"direction"`
	// CumulativeDistanceM is the running GPS distance along the stop
	// sequence from the first stop of this direction
	CumulativeDistanceM float64 `json:"cumulative_distance_m"`
}

// DetectionResult locates a vehicle within a route's stop sequence
type DetectionResult struct {
	PrevStop  *StopOnRoute
	NextStops []StopOnRoute
	Direction int
}

// StopDetector holds per-route, per-direction stop sequences and locates
// vehicles in them from raw GPS, disambiguating the travel direction with
// a scoring function over nearest-stop distance, course opposition and
// direction stickiness.
type StopDetector struct {
	mu sync.RWMutex
	// routeId -> direction -> stops sorted by order
	stops map[int]map[int][]StopOnRoute

	coursePenalty     float64
	stickinessPenalty float64
	probeFraction     float64
	probeMinM         float64
	probeEpsilonM     float64
}

func NewStopDetector(p Params) *StopDetector {
	return &StopDetector{
		stops:             make(map[int]map[int][]StopOnRoute),
		coursePenalty:     p.CoursePenalty,
		stickinessPenalty: p.StickinessPenalty,
		probeFraction:     p.ProbeFraction,
		probeMinM:         p.ProbeMinM,
		probeEpsilonM:     p.ProbeEpsilonM,
	}
}

// LoadRouteStops loads the stop sequences for a route, replacing any prior
// load. Stops are grouped by direction, sorted by order, and get their
// cumulative distance computed from the direction's first stop.
func (d *StopDetector) LoadRouteStops(routeId int, stops []StopOnRoute) {
	byDir := make(map[int][]StopOnRoute)
	for _, s := range stops {
		byDir[s.Direction] = append(byDir[s.Direction], s)
	}
	for dir, list := range byDir {
		sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
		cum := 0.0
		for i := range list {
			if i > 0 {
				cum += flatDistanceM(list[i-1].Lat, list[i-1].Lon, list[i].Lat, list[i].Lon)
			}
			list[i].CumulativeDistanceM = cum
		}
		byDir[dir] = list
	}

	d.mu.Lock()
	d.stops[routeId] = byDir
	d.mu.Unlock()
}

// Detect finds the vehicle's section in every direction that has stops and
// returns the best-scoring candidate. course and preferredDirection are
// optional; nil disables the corresponding penalty.
func (d *StopDetector) Detect(routeId int, lat, lon float64, course *float64,
	maxNext int, preferredDirection *int) DetectionResult {

	d.mu.RLock()
	byDir := d.stops[routeId]
	d.mu.RUnlock()
	if len(byDir) == 0 {
		return DetectionResult{}
	}

	bestScore := math.MaxFloat64
	var best DetectionResult
	for _, dir := range sortedDirections(byDir) {
		list := byDir[dir]
		if len(list) == 0 {
			continue
		}
		score, result := d.scoreDirection(list, dir, lat, lon, course, maxNext)
		if preferredDirection != nil && dir != *preferredDirection {
			score += d.stickinessPenalty
		}
		if score < bestScore {
			bestScore = score
			best = result
		}
	}
	return best
}

// DetectInDirection locates the vehicle within one direction only, with no
// course or stickiness penalties applied.
func (d *StopDetector) DetectInDirection(routeId, direction int, lat, lon float64,
	maxNext int) DetectionResult {

	d.mu.RLock()
	byDir := d.stops[routeId]
	d.mu.RUnlock()
	list := byDir[direction]
	if len(list) == 0 {
		return DetectionResult{}
	}
	_, result := d.scoreDirection(list, direction, lat, lon, nil, maxNext)
	return result
}

// AllStops returns every loaded stop for a route across directions
func (d *StopDetector) AllStops(routeId int) []StopOnRoute {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var result []StopOnRoute
	for _, dir := range sortedDirections(d.stops[routeId]) {
		result = append(result, d.stops[routeId][dir]...)
	}
	return result
}

func (d *StopDetector) scoreDirection(list []StopOnRoute, dir int,
	lat, lon float64, course *float64, maxNext int) (float64, DetectionResult) {

	closest := 0
	nearest := math.MaxFloat64
	for i := range list {
		dist := flatDistanceM(lat, lon, list[i].Lat, list[i].Lon)
		if dist < nearest {
			nearest = dist
			closest = i
		}
	}
	score := nearest * nearest

	if course != nil && len(list) >= 2 {
		segStart := closest
		if segStart > len(list)-2 {
			segStart = len(list) - 2
		}
		segBearing := bearingDeg(list[segStart].Lat, list[segStart].Lon,
			list[segStart+1].Lat, list[segStart+1].Lon)
		if angleDiffDeg(*course, segBearing) > 90 {
			score += d.coursePenalty
		}
	}

	section := d.sectionIndex(list, closest, lat, lon)
	result := DetectionResult{
		PrevStop:  &list[section],
		Direction: dir,
	}
	if section+1 < len(list) {
		end := section + 1 + maxNext
		if end > len(list) {
			end = len(list)
		}
		result.NextStops = append([]StopOnRoute(nil), list[section+1:end]...)
	}
	return score, result
}

// sectionIndex resolves which inter-stop interval the vehicle occupies,
// identified by the index of the stop it is after. The closest stop alone
// cannot tell before from after, so two probe points are placed from it
// toward its neighbours and the vehicle's distances to them compared.
func (d *StopDetector) sectionIndex(list []StopOnRoute, closest int, lat, lon float64) int {
	n := len(list)
	if closest == 0 || n < 3 {
		return 0
	}
	if closest == n-1 {
		return n - 2
	}

	prev, cur, next := list[closest-1], list[closest], list[closest+1]
	dPrev := flatDistanceM(cur.Lat, cur.Lon, prev.Lat, prev.Lon)
	dNext := flatDistanceM(cur.Lat, cur.Lon, next.Lat, next.Lon)
	probe := math.Max(d.probeMinM, d.probeFraction*math.Min(dPrev, dNext))

	prevProbeLat, prevProbeLon := probeToward(cur, prev, probe)
	nextProbeLat, nextProbeLon := probeToward(cur, next, probe)

	toPrevProbe := flatDistanceM(lat, lon, prevProbeLat, prevProbeLon)
	toNextProbe := flatDistanceM(lat, lon, nextProbeLat, nextProbeLon)

	switch {
	case math.Abs(toPrevProbe-toNextProbe) <= d.probeEpsilonM:
		// equidistant from both probes: the vehicle is at the stop itself
		return closest
	case toNextProbe < toPrevProbe:
		return closest
	default:
		return closest - 1
	}
}

// probeToward places a point dist meters from stop a in the direction of stop b
func probeToward(a, b StopOnRoute, dist float64) (float64, float64) {
	total := flatDistanceM(a.Lat, a.Lon, b.Lat, b.Lon)
	if total <= 0 {
		return a.Lat, a.Lon
	}
	t := dist / total
	return a.Lat + t*(b.Lat-a.Lat), a.Lon + t*(b.Lon-a.Lon)
}

func sortedDirections(byDir map[int][]StopOnRoute) []int {
	dirs := make([]int, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Ints(dirs)
	return dirs
}
