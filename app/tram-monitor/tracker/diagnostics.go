package tracker

import (
	"sync"
	"time"
)

// Projection event kinds recorded while clamping map-matching results
const (
	EventOutOfSection       = "out_of_section"
	EventBackwardProjection = "backward_projection"
	EventSnapRejectedError  = "snap_rejected_error"
	EventSnapRejectedFar    = "snap_rejected_far"
)

// projectionRingSize bounds the in-memory event history
const projectionRingSize = 500

// ProjectionEvent is one recorded clamp or rejection during map matching
type ProjectionEvent struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	VehicleId string    `json:"vehicle_id"`
	RouteId   int       `json:"route_id"`
	// Raw is the value before clamping, Adjusted after; both are route
	// progress in [0,1] except for snap rejections, where Raw is meters
	Raw      float64 `json:"raw"`
	Adjusted float64 `json:"adjusted"`
	Detail   string  `json:"detail,omitempty"`
}

// Diagnostics collects projection events and route resolution problems for
// the diagnostics endpoints
type Diagnostics struct {
	mu     sync.Mutex
	events []ProjectionEvent
	next   int
	filled bool
	counts map[string]int

	unresolved map[int][]int
	totalPath  map[int]int
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		events:     make([]ProjectionEvent, projectionRingSize),
		counts:     make(map[string]int),
		unresolved: make(map[int][]int),
		totalPath:  make(map[int]int),
	}
}

// Record appends one projection event, evicting the oldest once the ring
// is full
func (d *Diagnostics) Record(event ProjectionEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[d.next] = event
	d.next++
	if d.next == len(d.events) {
		d.next = 0
		d.filled = true
	}
	d.counts[event.Kind]++
}

// RecentEvents returns up to limit events, newest first
func (d *Diagnostics) RecentEvents(limit int) []ProjectionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.next
	if d.filled {
		size = len(d.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	result := make([]ProjectionEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (d.next - i + len(d.events)) % len(d.events)
		result = append(result, d.events[idx])
	}
	return result
}

// Counts returns the total events seen per kind since startup
func (d *Diagnostics) Counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[string]int, len(d.counts))
	for kind, n := range d.counts {
		counts[kind] = n
	}
	return counts
}

// SetRouteResolution replaces the per-route stop resolution report built
// during a catalog refresh
func (d *Diagnostics) SetRouteResolution(unresolved map[int][]int, totalPath map[int]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unresolved = unresolved
	d.totalPath = totalPath
}

// RouteResolution is the per-route stop resolution summary
type RouteResolution struct {
	RouteId       int   `json:"route_id"`
	PathStops     int   `json:"path_stops"`
	UnresolvedIds []int `json:"unresolved_stop_ids,omitempty"`
	ResolvedStops int   `json:"resolved_stops"`
}

// RouteResolutions returns the resolution summary for every known route
func (d *Diagnostics) RouteResolutions() []RouteResolution {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]RouteResolution, 0, len(d.totalPath))
	for routeId, total := range d.totalPath {
		missing := d.unresolved[routeId]
		result = append(result, RouteResolution{
			RouteId:       routeId,
			PathStops:     total,
			UnresolvedIds: missing,
			ResolvedStops: total - len(missing),
		})
	}
	return result
}
