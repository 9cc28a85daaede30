package tracker

import (
	"testing"
)

// northboundStops is an evenly spaced stop sequence up lon 60.600
func northboundStops(direction int) []StopOnRoute {
	lats := []float64{56.840, 56.844, 56.848, 56.852}
	ids := []int{1, 2, 3, 4}
	if direction == 1 {
		// the return direction visits the same platforms in reverse
		lats = []float64{56.852, 56.848, 56.844, 56.840}
		ids = []int{4, 3, 2, 1}
	}
	stops := make([]StopOnRoute, 0, len(lats))
	for i, lat := range lats {
		stops = append(stops, StopOnRoute{
			StopId:    ids[i],
			Lat:       lat,
			Lon:       60.600,
			Order:     i,
			Direction: direction,
		})
	}
	return stops
}

func loadedDetector(t *testing.T, directions ...int) *StopDetector {
	t.Helper()
	d := NewStopDetector(DefaultParams())
	var stops []StopOnRoute
	for _, dir := range directions {
		stops = append(stops, northboundStops(dir)...)
	}
	d.LoadRouteStops(18, stops)
	return d
}

func TestStopDetector_Detect_section(t *testing.T) {
	d := loadedDetector(t, 0)

	tests := []struct {
		name     string
		lat      float64
		wantPrev int
		wantNext int
	}{
		{name: "between second and third stop", lat: 56.846, wantPrev: 2, wantNext: 3},
		{name: "just past the first stop", lat: 56.8401, wantPrev: 1, wantNext: 2},
		{name: "standing at a stop counts as departed it", lat: 56.844, wantPrev: 2, wantNext: 3},
		{name: "past the last stop", lat: 56.853, wantPrev: 3, wantNext: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := d.Detect(18, tt.lat, 60.600, nil, 50, nil)
			if result.PrevStop == nil {
				t.Fatal("PrevStop = nil, want a stop")
			}
			if result.PrevStop.StopId != tt.wantPrev {
				t.Errorf("PrevStop.StopId = %d, want %d", result.PrevStop.StopId, tt.wantPrev)
			}
			if len(result.NextStops) == 0 {
				t.Fatal("NextStops empty, want at least one")
			}
			if result.NextStops[0].StopId != tt.wantNext {
				t.Errorf("NextStops[0].StopId = %d, want %d", result.NextStops[0].StopId, tt.wantNext)
			}
		})
	}
}

func TestStopDetector_Detect_unknownRoute(t *testing.T) {
	d := loadedDetector(t, 0)
	result := d.Detect(99, 56.846, 60.600, nil, 50, nil)
	if result.PrevStop != nil || len(result.NextStops) != 0 {
		t.Errorf("Detect(unknown route) = %+v, want empty result", result)
	}
}

func TestStopDetector_Detect_maxNextLimit(t *testing.T) {
	d := loadedDetector(t, 0)
	result := d.Detect(18, 56.8401, 60.600, nil, 2, nil)
	if len(result.NextStops) != 2 {
		t.Errorf("len(NextStops) = %d, want 2", len(result.NextStops))
	}
}

func TestStopDetector_Detect_stickiness(t *testing.T) {
	d := loadedDetector(t, 0, 1)

	// standing still mid-route both directions look identical; the
	// previously detected direction must win
	preferred := 1
	result := d.Detect(18, 56.846, 60.600, nil, 50, &preferred)
	if result.Direction != 1 {
		t.Errorf("Direction = %d, want the sticky direction 1", result.Direction)
	}

	preferred = 0
	result = d.Detect(18, 56.846, 60.600, nil, 50, &preferred)
	if result.Direction != 0 {
		t.Errorf("Direction = %d, want the sticky direction 0", result.Direction)
	}
}

func TestStopDetector_Detect_courseOverridesStickiness(t *testing.T) {
	d := loadedDetector(t, 0, 1)

	// moving due south opposes direction 0's stop sequence; the course
	// penalty must outweigh the stickiness bonus of the stale direction
	course := 180.0
	preferred := 0
	result := d.Detect(18, 56.846, 60.600, &course, 50, &preferred)
	if result.Direction != 1 {
		t.Errorf("Direction = %d, want 1 when moving against direction 0", result.Direction)
	}
	if result.PrevStop == nil || result.PrevStop.StopId != 3 {
		t.Errorf("PrevStop = %+v, want stop 3 on the southbound run", result.PrevStop)
	}
}

func TestStopDetector_cumulativeDistances(t *testing.T) {
	d := loadedDetector(t, 0)
	result := d.DetectInDirection(18, 0, 56.8401, 60.600, 50)
	if result.PrevStop == nil {
		t.Fatal("PrevStop = nil")
	}
	last := result.PrevStop.CumulativeDistanceM
	for _, stop := range result.NextStops {
		if stop.CumulativeDistanceM <= last {
			t.Fatalf("cumulative distance not increasing at stop %d: %v <= %v",
				stop.StopId, stop.CumulativeDistanceM, last)
		}
		last = stop.CumulativeDistanceM
	}
}
