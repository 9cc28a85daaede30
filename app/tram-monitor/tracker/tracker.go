package tracker

import (
	"encoding/json"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ekb-transit/tramtrack/business/data/ettu"
	"github.com/ekb-transit/tramtrack/business/data/tramdb"
	"github.com/jmoiron/sqlx"
)

// Pipeline thresholds that are position-quality judgements rather than
// tunables: how far a tram must move before its GPS track yields a usable
// bearing, and when a reading is trustworthy enough to pin the direction.
const (
	movementBearingMinM   = 30.0
	forwardEnforceMoveM   = 20.0
	forwardEnforceSpeed   = 5.0
	sectionSlack          = 0.01
	monotonicSlack        = 0.001
	recentPositionsKept   = 5
	displayedNextStops    = 5
	detectNextStops       = 50
	arrivalsPerStop       = 15
	minTravelTimeSeconds  = 10
	maxTravelTimeSeconds  = 1800
	nightHoursEnd         = 5
)

// vehicleSource supplies one poll's worth of raw positions
type vehicleSource interface {
	FetchVehicles() ([]ettu.RawVehicle, error)
}

// statePublisher receives the JSON state envelope after every poll
type statePublisher interface {
	Publish(payload []byte) error
}

// StopRef references a stop in the published vehicle state
type StopRef struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

// NextStopInfo is one upcoming stop with its arrival estimate
type NextStopInfo struct {
	Id         int    `json:"id"`
	Name       string `json:"name"`
	EtaSeconds *int   `json:"eta_seconds"`
}

// VehicleState is the published state of one tracked tram. RouteId is nil
// when the reported route number is not in the catalog.
type VehicleState struct {
	VehicleId   string         `json:"vehicle_id"`
	BoardNum    string         `json:"board_num,omitempty"`
	RouteId     *int           `json:"route_id"`
	RouteNumber string         `json:"route_number"`
	Lat         float64        `json:"lat"`
	Lon         float64        `json:"lon"`
	SpeedKmh    float64        `json:"speed_kmh"`
	CourseDeg   float64        `json:"course_deg"`
	Direction   int            `json:"direction"`
	Progress    *float64       `json:"progress"`
	PrevStop    *StopRef       `json:"prev_stop"`
	NextStops   []NextStopInfo `json:"next_stops"`
	SignalLost  bool           `json:"signal_lost"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StopArrival is one expected arrival at a stop
type StopArrival struct {
	VehicleId   string `json:"vehicle_id"`
	BoardNum    string `json:"board_num,omitempty"`
	RouteId     int    `json:"route_id"`
	RouteNumber string `json:"route_number"`
	StopsAway   int    `json:"stops_away"`
	EtaSeconds  *int   `json:"eta_seconds"`
}

// stateEnvelope frames every broadcast payload
type stateEnvelope struct {
	Type     string         `json:"type"`
	Vehicles []VehicleState `json:"vehicles"`
}

type recentPosition struct {
	lat, lon float64
	at       time.Time
}

// vehicleTrack is the tracker's internal per-vehicle state between polls
type vehicleTrack struct {
	state  VehicleState
	recent []recentPosition

	// routeId is the catalog route the carry state below belongs to,
	// 0 while the route is unknown
	routeId      int
	direction    int
	haveDir      bool
	progress     *float64
	prevStop     *StopOnRoute
	allNextStops []StopOnRoute
	// sectionEnteredAt is when prevStop last changed, the start of the
	// current inter-stop transition
	sectionEnteredAt time.Time
	lastSeen         time.Time
}

// Tracker runs the per-poll position pipeline and holds the live state of
// every tram on the network
type Tracker struct {
	log       *log.Logger
	source    vehicleSource
	catalog   *CatalogLoader
	matcher   *RouteMatcher
	detector  *StopDetector
	estimator *EtaEstimator
	diag      *Diagnostics
	publisher statePublisher
	db        *sqlx.DB
	holidays  *holidayCalendar
	params    Params

	// now is replaceable in tests
	now func() time.Time

	mu       sync.RWMutex
	vehicles map[string]*vehicleTrack
}

func NewTracker(log *log.Logger, source vehicleSource, catalog *CatalogLoader,
	matcher *RouteMatcher, detector *StopDetector, diag *Diagnostics,
	publisher statePublisher, db *sqlx.DB, params Params) *Tracker {

	return &Tracker{
		log:       log,
		source:    source,
		catalog:   catalog,
		matcher:   matcher,
		detector:  detector,
		estimator: NewEtaEstimator(params),
		diag:      diag,
		publisher: publisher,
		db:        db,
		holidays:  makeHolidayCalendar(),
		params:    params,
		now:       func() time.Time { return time.Now().UTC() },
		vehicles:  make(map[string]*vehicleTrack),
	}
}

// Poll runs one full cycle: fetch positions, run every vehicle through the
// pipeline, expire ghosts, publish the state envelope, persist history.
func (t *Tracker) Poll() error {
	raw, err := t.source.FetchVehicles()
	if err != nil {
		return err
	}
	now := t.now()
	catalog := t.catalog.Current()

	var positionRows []*tramdb.VehiclePosition
	var travelRows []*tramdb.TravelTimeObservation

	t.mu.Lock()
	seen := make(map[string]bool, len(raw))
	for i := range raw {
		vehicle := &raw[i]
		id := vehicle.DevId
		if id == "" {
			id = vehicle.BoardNum
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		track := t.vehicles[id]
		if track == nil {
			track = &vehicleTrack{sectionEnteredAt: now}
			t.vehicles[id] = track
		}

		routeId, ok := catalog.RouteIdByNumber(vehicle.RouteNum)
		if !ok {
			// unknown route number: the tram stays on the map with its raw
			// reading, nothing route-derived
			t.updateBaseline(track, id, vehicle, now)
			positionRows = append(positionRows, &tramdb.VehiclePosition{
				VehicleId: id,
				Lat:       vehicle.Lat,
				Lon:       vehicle.Lon,
				SpeedKmh:  vehicle.SpeedKmh,
				CourseDeg: vehicle.CourseDeg,
				SeenAt:    seenAt(vehicle, now),
			})
			continue
		}
		travel := t.advanceVehicle(track, id, routeId, vehicle, catalog, now)
		if travel != nil {
			travelRows = append(travelRows, travel)
		}
		positionRows = append(positionRows, &tramdb.VehiclePosition{
			VehicleId: id,
			RouteId:   &routeId,
			Lat:       vehicle.Lat,
			Lon:       vehicle.Lon,
			SpeedKmh:  vehicle.SpeedKmh,
			CourseDeg: vehicle.CourseDeg,
			Progress:  track.progress,
			Direction: track.direction,
			SeenAt:    seenAt(vehicle, now),
		})
	}

	// vehicles absent from this poll go signal-lost, then expire after the
	// ghost TTL so stale trams do not linger on the map
	for id, track := range t.vehicles {
		if seen[id] {
			continue
		}
		if now.Sub(track.lastSeen) > t.params.GhostTTL {
			delete(t.vehicles, id)
			continue
		}
		track.state.SignalLost = true
		track.state.SpeedKmh = 0
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(snapshot)
	t.persist(positionRows, travelRows)
	return nil
}

// advanceVehicle runs one raw reading through the pipeline, updating the
// track in place. Returns a travel time observation when the vehicle
// completed an inter-stop transition this cycle.
func (t *Tracker) advanceVehicle(track *vehicleTrack, id string, routeId int,
	vehicle *ettu.RawVehicle, catalog *Catalog, now time.Time) *tramdb.TravelTimeObservation {

	if track.routeId != routeId {
		// a tram reassigned to another line starts over: the carried
		// progress and direction belong to the old route
		track.routeId = routeId
		track.progress = nil
		track.haveDir = false
		track.prevStop = nil
		track.allNextStops = nil
	}

	track.recent = append(track.recent, recentPosition{lat: vehicle.Lat, lon: vehicle.Lon, at: now})
	if len(track.recent) > recentPositionsKept {
		track.recent = track.recent[len(track.recent)-recentPositionsKept:]
	}

	course := t.effectiveCourse(track, vehicle)
	var preferred *int
	if track.haveDir {
		dir := track.direction
		preferred = &dir
	}
	detection := t.detector.Detect(routeId, vehicle.Lat, vehicle.Lon, course,
		detectNextStops, preferred)

	travel := t.travelTimeObservation(track, routeId, detection, now)

	matchCourse := vehicle.CourseDeg
	if course != nil {
		matchCourse = *course
	}
	lat, lon := vehicle.Lat, vehicle.Lon
	switch match := t.matcher.Match(routeId, vehicle.Lat, vehicle.Lon, matchCourse); {
	case match == nil:
		track.progress = nil
	case match.DistanceM > t.params.MaxApplySnapDistanceM:
		// too far off the line to trust the projection at all
		track.progress = nil
		t.diag.Record(ProjectionEvent{
			At: now, Kind: EventSnapRejectedFar, VehicleId: id, RouteId: routeId,
			Raw: match.DistanceM, Adjusted: match.Progress,
		})
	default:
		progress := t.clampProgress(track, id, routeId, match.Progress, vehicle, catalog, detection, now)
		snapLat, snapLon, ok := t.matcher.Interpolate(routeId, progress)
		if !ok {
			track.progress = nil
			break
		}
		if snapErr := haversineM(vehicle.Lat, vehicle.Lon, snapLat, snapLon); snapErr <= t.params.MaxFinalSnapErrorM {
			lat, lon = snapLat, snapLon
			track.progress = &progress
		} else {
			// the clamps landed too far from the reading to mean anything
			track.progress = nil
			t.diag.Record(ProjectionEvent{
				At: now, Kind: EventSnapRejectedError, VehicleId: id, RouteId: routeId,
				Raw: snapErr, Adjusted: progress,
			})
		}
	}

	track.direction = detection.Direction
	track.haveDir = detection.PrevStop != nil
	track.prevStop = detection.PrevStop
	track.allNextStops = detection.NextStops

	displayed := detection.NextStops
	if len(displayed) > displayedNextStops {
		displayed = displayed[:displayedNextStops]
	}
	nextStops := make([]NextStopInfo, 0, len(displayed))
	for _, eta := range t.estimator.Calculate(vehicle.Lat, vehicle.Lon, vehicle.SpeedKmh, displayed) {
		nextStops = append(nextStops, NextStopInfo{
			Id:         eta.Stop.StopId,
			Name:       eta.Stop.Name,
			EtaSeconds: eta.EtaSeconds,
		})
	}

	var prevRef *StopRef
	if detection.PrevStop != nil {
		prevRef = &StopRef{Id: detection.PrevStop.StopId, Name: detection.PrevStop.Name}
	}

	track.lastSeen = now
	track.state = VehicleState{
		VehicleId:   id,
		BoardNum:    vehicle.BoardNum,
		RouteId:     &routeId,
		RouteNumber: vehicle.RouteNum,
		Lat:         lat,
		Lon:         lon,
		SpeedKmh:    vehicle.SpeedKmh,
		CourseDeg:   vehicle.CourseDeg,
		Direction:   detection.Direction,
		Progress:    track.progress,
		PrevStop:    prevRef,
		NextStops:   nextStops,
		SignalLost:  false,
		UpdatedAt:   now,
	}
	return travel
}

// updateBaseline records a reading whose route number is not in the
// catalog: the raw position is published as-is and any carry from a
// previously known route is discarded.
func (t *Tracker) updateBaseline(track *vehicleTrack, id string,
	vehicle *ettu.RawVehicle, now time.Time) {

	track.routeId = 0
	track.progress = nil
	track.haveDir = false
	track.prevStop = nil
	track.allNextStops = nil

	track.lastSeen = now
	track.state = VehicleState{
		VehicleId:   id,
		BoardNum:    vehicle.BoardNum,
		RouteNumber: vehicle.RouteNum,
		Lat:         vehicle.Lat,
		Lon:         vehicle.Lon,
		SpeedKmh:    vehicle.SpeedKmh,
		CourseDeg:   vehicle.CourseDeg,
		NextStops:   []NextStopInfo{},
		UpdatedAt:   now,
	}
}

// effectiveCourse decides which bearing to trust for direction scoring:
// the track's own movement when the tram has moved far enough, the
// reported course when it is moving fast enough for the compass to be
// meaningful, otherwise nothing.
func (t *Tracker) effectiveCourse(track *vehicleTrack, vehicle *ettu.RawVehicle) *float64 {
	if len(track.recent) >= 2 {
		oldest := track.recent[0]
		if flatDistanceM(oldest.lat, oldest.lon, vehicle.Lat, vehicle.Lon) > movementBearingMinM {
			bearing := bearingDeg(oldest.lat, oldest.lon, vehicle.Lat, vehicle.Lon)
			return &bearing
		}
	}
	if vehicle.SpeedKmh > t.params.MinSpeedKmh {
		course := vehicle.CourseDeg
		return &course
	}
	return nil
}

// clampProgress bounds a raw map-match against the vehicle's detected
// inter-stop section and against its own history, recording every
// correction for diagnostics
func (t *Tracker) clampProgress(track *vehicleTrack, id string, routeId int,
	progress float64, vehicle *ettu.RawVehicle, catalog *Catalog,
	detection DetectionResult, now time.Time) float64 {

	if detection.PrevStop != nil && len(detection.NextStops) > 0 {
		prevProg, prevOk := catalog.StopProgress(routeId, detection.PrevStop.StopId)
		nextProg, nextOk := catalog.StopProgress(routeId, detection.NextStops[0].StopId)
		if prevOk && nextOk {
			lo := math.Min(prevProg, nextProg) - sectionSlack
			hi := math.Max(prevProg, nextProg) + sectionSlack
			if progress < lo || progress > hi {
				clamped := math.Min(hi, math.Max(lo, progress))
				t.diag.Record(ProjectionEvent{
					At: now, Kind: EventOutOfSection, VehicleId: id, RouteId: routeId,
					Raw: progress, Adjusted: clamped,
				})
				progress = clamped
			}
		}
	}

	// a moving tram does not jump backward along its line; only enforce
	// this when the reading shows real movement
	if track.progress != nil && track.haveDir {
		moved := false
		if len(track.recent) >= 2 {
			oldest := track.recent[0]
			moved = flatDistanceM(oldest.lat, oldest.lon, vehicle.Lat, vehicle.Lon) > forwardEnforceMoveM
		}
		if moved || vehicle.SpeedKmh > forwardEnforceSpeed {
			last := *track.progress
			backward := false
			var clamped float64
			if detection.Direction == 0 && progress < last-monotonicSlack {
				backward, clamped = true, last
			}
			if detection.Direction == 1 && progress > last+monotonicSlack {
				backward, clamped = true, last
			}
			if backward {
				t.diag.Record(ProjectionEvent{
					At: now, Kind: EventBackwardProjection, VehicleId: id, RouteId: routeId,
					Raw: progress, Adjusted: clamped,
				})
				progress = clamped
			}
		}
	}
	return progress
}

// travelTimeObservation reports a completed transition when the vehicle's
// detected section moved to a different stop on the same route. Night
// hours and implausible durations are discarded rather than polluting the
// aggregates; a cross-route jump never reaches here because a route change
// resets the passage carry.
func (t *Tracker) travelTimeObservation(track *vehicleTrack, routeId int,
	detection DetectionResult, now time.Time) *tramdb.TravelTimeObservation {

	prev := track.prevStop
	cur := detection.PrevStop
	changed := cur != nil && (prev == nil || prev.StopId != cur.StopId || prev.Direction != cur.Direction)
	if !changed {
		return nil
	}
	defer func() { track.sectionEnteredAt = now }()

	if prev == nil || prev.StopId == cur.StopId {
		return nil
	}
	elapsed := int(now.Sub(track.sectionEnteredAt).Seconds())
	if elapsed <= minTravelTimeSeconds || elapsed >= maxTravelTimeSeconds {
		return nil
	}
	if localHour(now) < nightHoursEnd {
		return nil
	}
	return &tramdb.TravelTimeObservation{
		RouteId:    routeId,
		FromStopId: prev.StopId,
		ToStopId:   cur.StopId,
		DayType:    t.holidays.dayType(now),
		HourBucket: localHour(now),
		Seconds:    elapsed,
	}
}

// Snapshot returns the current state of every tracked vehicle, sorted by id
func (t *Tracker) Snapshot() []VehicleState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []VehicleState {
	result := make([]VehicleState, 0, len(t.vehicles))
	for _, track := range t.vehicles {
		result = append(result, track.state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VehicleId < result[j].VehicleId })
	return result
}

// Vehicle returns one vehicle's current state
func (t *Tracker) Vehicle(id string) (VehicleState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if track, ok := t.vehicles[id]; ok {
		return track.state, true
	}
	return VehicleState{}, false
}

// ArrivalsForStop returns expected arrivals at a stop across all routes
// serving it, soonest first. Signal-lost vehicles are excluded; a non-nil
// routeId narrows to one route.
func (t *Tracker) ArrivalsForStop(stopId int, routeId *int) []StopArrival {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var arrivals []StopArrival
	for id, track := range t.vehicles {
		if track.state.SignalLost || track.routeId == 0 {
			continue
		}
		if routeId != nil && track.routeId != *routeId {
			continue
		}
		idx := -1
		for i := range track.allNextStops {
			if track.allNextStops[i].StopId == stopId {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		etas := t.estimator.Calculate(track.state.Lat, track.state.Lon,
			track.state.SpeedKmh, track.allNextStops[:idx+1])
		arrival := StopArrival{
			VehicleId:   id,
			BoardNum:    track.state.BoardNum,
			RouteId:     track.routeId,
			RouteNumber: track.state.RouteNumber,
			StopsAway:   idx + 1,
		}
		if len(etas) > 0 {
			arrival.EtaSeconds = etas[len(etas)-1].EtaSeconds
		}
		arrivals = append(arrivals, arrival)
	}

	sort.Slice(arrivals, func(i, j int) bool {
		a, b := arrivals[i].EtaSeconds, arrivals[j].EtaSeconds
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		if *a != *b {
			return *a < *b
		}
		return arrivals[i].VehicleId < arrivals[j].VehicleId
	})
	if len(arrivals) > arrivalsPerStop {
		arrivals = arrivals[:arrivalsPerStop]
	}
	return arrivals
}

func (t *Tracker) publish(snapshot []VehicleState) {
	if t.publisher == nil {
		return
	}
	payload, err := json.Marshal(stateEnvelope{Type: "update", Vehicles: snapshot})
	if err != nil {
		t.log.Printf("marshaling state envelope: %v", err)
		return
	}
	if err = t.publisher.Publish(payload); err != nil {
		t.log.Printf("publishing state: %v", err)
	}
}

// persist appends position history, then folds travel time observations
// in. The two writes are independent so a failure in one never costs the
// other.
func (t *Tracker) persist(positions []*tramdb.VehiclePosition, travels []*tramdb.TravelTimeObservation) {
	if t.db == nil {
		return
	}
	if err := tramdb.RecordVehiclePositions(t.db, positions); err != nil {
		t.log.Printf("persisting vehicle positions: %v", err)
	}
	if err := tramdb.RecordTravelTimes(t.db, travels); err != nil {
		t.log.Printf("persisting travel times: %v", err)
	}
}

// seenAt prefers the upstream device timestamp when it is present and sane
func seenAt(vehicle *ettu.RawVehicle, now time.Time) time.Time {
	if vehicle.Timestamp.IsZero() || vehicle.Timestamp.After(now.Add(time.Minute)) {
		return now
	}
	return vehicle.Timestamp
}
