package tracker

import (
	"encoding/json"
	"io"
	logger "log"
	"math"
	"testing"
	"time"

	"github.com/ekb-transit/tramtrack/business/data/ettu"
)

type fakeVehicleSource struct {
	vehicles []ettu.RawVehicle
}

func (f *fakeVehicleSource) FetchVehicles() ([]ettu.RawVehicle, error) {
	return f.vehicles, nil
}

type fakeReferenceSource struct{}

func (f *fakeReferenceSource) FetchStops() ([]ettu.RawStop, error) {
	return []ettu.RawStop{
		{Id: 1, Name: "Ploshchad", Lat: 56.840, Lon: 60.600},
		{Id: 2, Name: "Opera", Lat: 56.844, Lon: 60.600},
		{Id: 3, Name: "Tsirk", Lat: 56.848, Lon: 60.600, Direction: "to VIZ"},
		{Id: 4, Name: "Depo", Lat: 56.852, Lon: 60.600},
	}, nil
}

func (f *fakeReferenceSource) FetchRoutes() ([]ettu.RawRoute, error) {
	return []ettu.RawRoute{
		{
			Id:     18,
			Number: "18",
			Name:   "Ploshchad - Depo",
			Stops: []ettu.RouteStopRef{
				{Id: 1, Order: 0, Direction: 0},
				{Id: 2, Order: 1, Direction: 0},
				{Id: 3, Order: 2, Direction: 0},
				{Id: 4, Order: 3, Direction: 0},
			},
		},
	}, nil
}

type fakeGeometrySource struct{}

func (f *fakeGeometrySource) FetchTramGeometries() (map[string][][2]float64, error) {
	var points [][2]float64
	for lat := 56.838; lat <= 56.8541; lat += 0.002 {
		points = append(points, [2]float64{lat, 60.600})
	}
	return map[string][][2]float64{"18": points}, nil
}

func (f *fakeGeometrySource) FetchRoadGeometry(_ [][2]float64) [][2]float64 {
	return nil
}

type fakePublisher struct {
	payloads [][]byte
}

func (f *fakePublisher) Publish(payload []byte) error {
	f.payloads = append(f.payloads, payload)
	return nil
}

func testTracker(t *testing.T, src *fakeVehicleSource) (*Tracker, *fakePublisher, *Diagnostics) {
	t.Helper()
	return testTrackerWith(t, &fakeReferenceSource{}, src)
}

func testTrackerWith(t *testing.T, ref referenceSource, src *fakeVehicleSource) (*Tracker, *fakePublisher, *Diagnostics) {
	t.Helper()
	log := logger.New(io.Discard, "", 0)
	params := DefaultParams()
	diag := NewDiagnostics()
	matcher := NewRouteMatcher(params.MaxSnapDistanceM)
	detector := NewStopDetector(params)
	catalog := NewCatalogLoader(log, ref, &fakeGeometrySource{},
		nil, matcher, detector, diag, params)
	if err := catalog.Refresh(); err != nil {
		t.Fatalf("catalog refresh failed: %v", err)
	}
	publisher := &fakePublisher{}
	trk := NewTracker(log, src, catalog, matcher, detector, diag, publisher, nil, params)
	return trk, publisher, diag
}

func rawVehicle(lat, lon, speed, course float64) ettu.RawVehicle {
	return ettu.RawVehicle{
		DevId:     "777",
		BoardNum:  "0813",
		RouteNum:  "18",
		Lat:       lat,
		Lon:       lon,
		SpeedKmh:  speed,
		CourseDeg: course,
		OnRoute:   true,
	}
}

func TestTracker_Poll(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.6002, 20, 0)}}
	trk, publisher, _ := testTracker(t, src)

	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}

	snapshot := trk.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("len(snapshot) = %d, want 1", len(snapshot))
	}
	v := snapshot[0]
	if v.VehicleId != "777" || v.RouteId == nil || *v.RouteId != 18 || v.RouteNumber != "18" {
		t.Errorf("vehicle identity = %s/%v/%s, want 777/18/18", v.VehicleId, v.RouteId, v.RouteNumber)
	}
	if v.PrevStop == nil || v.PrevStop.Id != 2 {
		t.Fatalf("PrevStop = %+v, want stop 2", v.PrevStop)
	}
	if len(v.NextStops) == 0 || v.NextStops[0].Id != 3 {
		t.Fatalf("NextStops = %+v, want stop 3 first", v.NextStops)
	}
	if v.NextStops[0].Name != "Tsirk (to VIZ)" {
		t.Errorf("next stop name = %q, want the qualified display name", v.NextStops[0].Name)
	}
	if v.NextStops[0].EtaSeconds == nil {
		t.Error("next stop has no eta")
	}
	if v.Progress == nil {
		t.Fatal("Progress = nil, want a snapped progress")
	}
	// a 12m GPS offset should snap back onto the line
	if math.Abs(v.Lon-60.600) > 0.00005 {
		t.Errorf("Lon = %v, want snapped to 60.600", v.Lon)
	}
	if v.SignalLost {
		t.Error("SignalLost = true on a fresh reading")
	}

	if len(publisher.payloads) != 1 {
		t.Fatalf("published %d payloads, want 1", len(publisher.payloads))
	}
	var envelope struct {
		Type     string         `json:"type"`
		Vehicles []VehicleState `json:"vehicles"`
	}
	if err := json.Unmarshal(publisher.payloads[0], &envelope); err != nil {
		t.Fatalf("unmarshaling published payload: %v", err)
	}
	if envelope.Type != "update" || len(envelope.Vehicles) != 1 {
		t.Errorf("envelope = %s/%d vehicles, want update/1", envelope.Type, len(envelope.Vehicles))
	}
}

func TestTracker_Poll_ghostLifecycle(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.600, 20, 0)}}
	trk, _, _ := testTracker(t, src)

	base := time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC)
	now := base
	trk.now = func() time.Time { return now }

	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}

	// the vehicle disappears from the feed but stays within the TTL
	src.vehicles = nil
	now = base.Add(30 * time.Second)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	snapshot := trk.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("len(snapshot) = %d, want the ghost retained", len(snapshot))
	}
	if !snapshot[0].SignalLost {
		t.Error("SignalLost = false, want true for a missing vehicle")
	}
	if snapshot[0].SpeedKmh != 0 {
		t.Errorf("ghost SpeedKmh = %v, want 0", snapshot[0].SpeedKmh)
	}
	if arrivals := trk.ArrivalsForStop(4, nil); len(arrivals) != 0 {
		t.Errorf("arrivals include a signal-lost vehicle: %+v", arrivals)
	}

	// past the TTL the ghost is purged
	now = base.Add(200 * time.Second)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if snapshot = trk.Snapshot(); len(snapshot) != 0 {
		t.Errorf("len(snapshot) = %d, want 0 after the ghost TTL", len(snapshot))
	}
}

func TestTracker_Poll_backwardProjectionClamped(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.600, 20, 0)}}
	trk, _, diag := testTracker(t, src)

	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	first := trk.Snapshot()[0]
	if first.Progress == nil {
		t.Fatal("Progress = nil after first poll")
	}

	// the next reading jumps ~25m backward while the tram reports crawling
	// speed; slow movement cannot give a trustworthy bearing, so the
	// direction sticks and the regression is clamped
	src.vehicles = []ettu.RawVehicle{rawVehicle(56.845275, 60.600, 4, 0)}
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	second := trk.Snapshot()[0]
	if second.Progress == nil {
		t.Fatal("Progress = nil after second poll")
	}
	if *second.Progress < *first.Progress-0.0011 {
		t.Errorf("progress went backward: %v -> %v", *first.Progress, *second.Progress)
	}
	if diag.Counts()[EventBackwardProjection] == 0 {
		t.Error("no backward_projection event recorded")
	}
}

func TestTracker_Poll_farMatchClearsProgress(t *testing.T) {
	// a clean on-line reading first, so a progress value is carried
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.600, 20, 0)}}
	trk, _, diag := testTracker(t, src)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if trk.Snapshot()[0].Progress == nil {
		t.Fatal("Progress = nil after the on-line poll")
	}

	// ~100m east of the line: too far off to trust any projection, and the
	// carried value must not leak into the published state
	src.vehicles = []ettu.RawVehicle{rawVehicle(56.8455, 60.6017, 20, 0)}
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	v := trk.Snapshot()[0]
	if v.Progress != nil {
		t.Errorf("Progress = %v, want nil after a far match", *v.Progress)
	}
	if v.Lon != 60.6017 {
		t.Errorf("Lon = %v, want the raw reading kept", v.Lon)
	}
	if diag.Counts()[EventSnapRejectedFar] != 1 {
		t.Errorf("snap_rejected_far count = %d, want 1", diag.Counts()[EventSnapRejectedFar])
	}
}

func TestTracker_Poll_snapErrorClearsProgress(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.600, 20, 0)}}
	trk, _, diag := testTracker(t, src)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if trk.Snapshot()[0].Progress == nil {
		t.Fatal("Progress = nil after the on-line poll")
	}

	// a ~330m backward jump while moving: the monotonic clamp pins the
	// projection at the prior spot, which now sits too far from the
	// reading to publish
	src.vehicles = []ettu.RawVehicle{rawVehicle(56.8425, 60.600, 20, 0)}
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	v := trk.Snapshot()[0]
	if v.Progress != nil {
		t.Errorf("Progress = %v, want nil after the snap error", *v.Progress)
	}
	if v.Lat != 56.8425 {
		t.Errorf("Lat = %v, want the raw reading kept", v.Lat)
	}
	if diag.Counts()[EventBackwardProjection] != 1 {
		t.Errorf("backward_projection count = %d, want 1", diag.Counts()[EventBackwardProjection])
	}
	if diag.Counts()[EventSnapRejectedError] != 1 {
		t.Errorf("snap_rejected_error count = %d, want 1", diag.Counts()[EventSnapRejectedError])
	}
}

func TestTracker_Poll_unknownRouteBaseline(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{{
		DevId:    "555",
		BoardNum: "0402",
		RouteNum: "77",
		Lat:      56.8401,
		Lon:      60.6103,
		SpeedKmh: 17,
	}}}
	trk, _, _ := testTracker(t, src)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}

	snapshot := trk.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("len(snapshot) = %d, want the baseline state kept", len(snapshot))
	}
	v := snapshot[0]
	if v.RouteId != nil {
		t.Errorf("RouteId = %d, want nil for an unknown route number", *v.RouteId)
	}
	if v.RouteNumber != "77" || v.Lat != 56.8401 || v.Lon != 60.6103 {
		t.Errorf("baseline = %s at %v,%v, want the raw reading", v.RouteNumber, v.Lat, v.Lon)
	}
	if v.Progress != nil || v.PrevStop != nil || len(v.NextStops) != 0 {
		t.Errorf("baseline carries derived fields: %+v", v)
	}
}

// twoRouteSource adds a second route sharing the tail of the first one
type twoRouteSource struct {
	fakeReferenceSource
}

func (s *twoRouteSource) FetchRoutes() ([]ettu.RawRoute, error) {
	routes, err := s.fakeReferenceSource.FetchRoutes()
	if err != nil {
		return nil, err
	}
	return append(routes, ettu.RawRoute{
		Id:     33,
		Number: "33",
		Name:   "Opera - Depo",
		Stops: []ettu.RouteStopRef{
			{Id: 2, Order: 0, Direction: 0},
			{Id: 3, Order: 1, Direction: 0},
			{Id: 4, Order: 2, Direction: 0},
		},
	}), nil
}

func TestTracker_Poll_routeChangeResetsCarry(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{rawVehicle(56.8455, 60.600, 20, 0)}}
	trk, _, diag := testTrackerWith(t, &twoRouteSource{}, src)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if trk.Snapshot()[0].Progress == nil {
		t.Fatal("Progress = nil after the first poll")
	}

	// the same car reappears assigned to route 33; the progress carried on
	// route 18 must not clamp the new line's projection
	reassigned := rawVehicle(56.8455, 60.600, 20, 0)
	reassigned.RouteNum = "33"
	src.vehicles = []ettu.RawVehicle{reassigned}
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	v := trk.Snapshot()[0]
	if v.RouteId == nil || *v.RouteId != 33 {
		t.Fatalf("RouteId = %v, want 33", v.RouteId)
	}
	if v.Progress == nil {
		t.Fatal("Progress = nil on the new route")
	}
	// route 33's stop chain runs 56.844 to 56.852
	if math.Abs(*v.Progress-0.1875) > 0.01 {
		t.Errorf("Progress = %v, want ~0.19 measured on the new line", *v.Progress)
	}
	if diag.Counts()[EventBackwardProjection] != 0 {
		t.Error("old-route progress clamped the new route's projection")
	}
}

func TestTracker_clampProgress_outOfSection(t *testing.T) {
	trk, _, diag := testTracker(t, &fakeVehicleSource{})
	catalog := trk.catalog.Current()

	// a raw projection far past the detected section gets pulled back to
	// the section's far bound plus slack
	detection := DetectionResult{
		PrevStop:  &StopOnRoute{StopId: 2, Order: 1, Direction: 0},
		NextStops: []StopOnRoute{{StopId: 3, Order: 2, Direction: 0}},
	}
	track := &vehicleTrack{}
	vehicle := rawVehicle(56.8455, 60.600, 20, 0)
	got := trk.clampProgress(track, "777", 18, 0.9, &vehicle, catalog, detection, time.Now())

	// stop 2 sits at progress 0.375, stop 3 at 0.625
	if math.Abs(got-0.635) > 0.001 {
		t.Errorf("clamped progress = %v, want ~0.635", got)
	}
	if diag.Counts()[EventOutOfSection] != 1 {
		t.Errorf("out_of_section count = %d, want 1", diag.Counts()[EventOutOfSection])
	}

	// inside the section nothing is touched
	if got = trk.clampProgress(track, "777", 18, 0.5, &vehicle, catalog, detection, time.Now()); got != 0.5 {
		t.Errorf("in-section progress = %v, want 0.5 untouched", got)
	}
}

func TestTracker_ArrivalsForStop(t *testing.T) {
	src := &fakeVehicleSource{vehicles: []ettu.RawVehicle{
		rawVehicle(56.8455, 60.600, 36, 0),
		{DevId: "888", RouteNum: "18", Lat: 56.8405, Lon: 60.600, SpeedKmh: 36, CourseDeg: 0},
	}}
	trk, _, _ := testTracker(t, src)
	if err := trk.Poll(); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}

	arrivals := trk.ArrivalsForStop(4, nil)
	if len(arrivals) != 2 {
		t.Fatalf("len(arrivals) = %d, want 2", len(arrivals))
	}
	// the tram further along the line arrives first
	if arrivals[0].VehicleId != "777" || arrivals[1].VehicleId != "888" {
		t.Errorf("arrival order = %s,%s, want 777,888",
			arrivals[0].VehicleId, arrivals[1].VehicleId)
	}
	if arrivals[0].EtaSeconds == nil || arrivals[1].EtaSeconds == nil {
		t.Fatal("arrivals missing etas")
	}
	if *arrivals[0].EtaSeconds >= *arrivals[1].EtaSeconds {
		t.Errorf("etas not ordered: %d >= %d", *arrivals[0].EtaSeconds, *arrivals[1].EtaSeconds)
	}

	if got := trk.ArrivalsForStop(4, intPtr(18)); len(got) != 2 {
		t.Errorf("arrivals filtered to route 18 = %d, want 2", len(got))
	}
	if got := trk.ArrivalsForStop(4, intPtr(32)); len(got) != 0 {
		t.Errorf("arrivals for another route = %d, want 0", len(got))
	}
}

func TestTracker_travelTimeObservation(t *testing.T) {
	trk, _, _ := testTracker(t, &fakeVehicleSource{})

	// 12:00 UTC is 17:00 local on a Wednesday
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	prev := &StopOnRoute{StopId: 2, Order: 1, Direction: 0}

	tests := []struct {
		name      string
		track     vehicleTrack
		detection DetectionResult
		at        time.Time
		want      *int
		wantTo    int
	}{
		{
			name:      "adjacent transition",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(-60 * time.Second)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 3, Order: 2, Direction: 0}},
			at:        now,
			want:      intPtr(60),
			wantTo:    3,
		},
		{
			// a GPS gap can skip right over a stop; the passage still counts
			name:      "skipped stop still records",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(-60 * time.Second)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 4, Order: 3, Direction: 0}},
			at:        now,
			want:      intPtr(60),
			wantTo:    4,
		},
		{
			name:      "implausibly fast",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(-5 * time.Second)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 3, Order: 2, Direction: 0}},
			at:        now,
			want:      nil,
		},
		{
			name:      "direction change between distinct stops records",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(-60 * time.Second)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 3, Order: 2, Direction: 1}},
			at:        now,
			want:      intPtr(60),
			wantTo:    3,
		},
		{
			name:      "turnaround at the same stop",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(-60 * time.Second)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 2, Order: 1, Direction: 1}},
			at:        now,
			want:      nil,
		},
		{
			// 22:00 UTC is 03:00 local the next day
			name:      "night hours skipped",
			track:     vehicleTrack{prevStop: prev, sectionEnteredAt: now.Add(10 * time.Hour)},
			detection: DetectionResult{PrevStop: &StopOnRoute{StopId: 3, Order: 2, Direction: 0}},
			at:        now.Add(10*time.Hour + 60*time.Second),
			want:      nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := tt.track
			got := trk.travelTimeObservation(&track, 18, tt.detection, tt.at)
			if tt.want == nil {
				if got != nil {
					t.Errorf("observation = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("observation = nil, want one")
			}
			if got.Seconds != *tt.want {
				t.Errorf("Seconds = %d, want %d", got.Seconds, *tt.want)
			}
			if got.FromStopId != 2 || got.ToStopId != tt.wantTo {
				t.Errorf("transition = %d->%d, want 2->%d", got.FromStopId, got.ToStopId, tt.wantTo)
			}
			if got.DayType != DayTypeWeekday {
				t.Errorf("DayType = %s, want %s", got.DayType, DayTypeWeekday)
			}
			if got.HourBucket != 17 {
				t.Errorf("HourBucket = %d, want 17", got.HourBucket)
			}
		})
	}
}

func intPtr(v int) *int { return &v }
