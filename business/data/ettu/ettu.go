// Package ettu provides the client for the ETTU (Gortrans) tram API and
// the typed records its feeds normalize into.
package ettu

import (
	"strconv"
	"time"
)

// ETTU timestamps are local to Asia/Yekaterinburg (UTC+5)
var yektZone = time.FixedZone("YEKT", 5*60*60)

// RawVehicle is one normalized record from the boards feed
type RawVehicle struct {
	DevId    string
	BoardNum string
	RouteNum string
	Lat      float64
	Lon      float64
	// SpeedKmh is the upstream-reported instantaneous speed
	SpeedKmh  float64
	CourseDeg float64
	OnRoute   bool
	// Timestamp is the upstream ATIME parsed to UTC; zero when absent or unparsable
	Timestamp time.Time
}

// RawStop is one normalized record from the points feed
type RawStop struct {
	Id   int
	Name string
	Lat  float64
	Lon  float64
	// Direction is the human direction label, e.g. the terminal the stop faces
	Direction string
}

// RouteStopRef is one entry of a route's ordered stop path. Coordinates
// and name are zero until resolved against the stop list.
type RouteStopRef struct {
	Id        int
	Name      string
	Lat       float64
	Lon       float64
	Order     int
	Direction int
	// DirectionLabel is filled from the resolved stop's Direction
	DirectionLabel string
}

// RawRoute is one normalized record from the routes feed
type RawRoute struct {
	Id     int
	Number string
	Name   string
	// Stops is the full ordered path used for tracking
	Stops []RouteStopRef
	// GeometryStops is the major-stop subset used for geometry fallbacks
	GeometryStops []RouteStopRef
}

// parseATime parses an ETTU ATIME string like "2026-02-13 16:30:42"
// (Yekaterinburg local) to UTC. Returns zero time when unparsable.
func parseATime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, yektZone)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// obj is a decoded JSON object with tolerant accessors. The ETTU API mixes
// uppercase and lowercase keys and returns numbers both as numbers and as
// strings depending on the endpoint's mood.
type obj map[string]interface{}

func (o obj) first(keys ...string) interface{} {
	for _, k := range keys {
		if v, present := o[k]; present && v != nil {
			return v
		}
	}
	return nil
}

func (o obj) str(keys ...string) string {
	switch v := o.first(keys...).(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (o obj) num(keys ...string) (float64, bool) {
	switch v := o.first(keys...).(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (o obj) numOrZero(keys ...string) float64 {
	f, _ := o.num(keys...)
	return f
}

func (o obj) intValue(keys ...string) (int, bool) {
	f, ok := o.num(keys...)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (o obj) list(keys ...string) []interface{} {
	if v, ok := o.first(keys...).([]interface{}); ok {
		return v
	}
	return nil
}

func asObj(v interface{}) (obj, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return obj(m), true
}

// itemList extracts the record array from a feed response that is either a
// bare JSON array or an object wrapping one under a known key
func itemList(decoded interface{}, wrapperKeys ...string) []interface{} {
	if items, ok := decoded.([]interface{}); ok {
		return items
	}
	if wrapper, ok := asObj(decoded); ok {
		return wrapper.list(wrapperKeys...)
	}
	return nil
}

// stopIdOf extracts a stop id from a path entry that is an int, a numeric
// string, or an object carrying id/ID
func stopIdOf(item interface{}) (int, bool) {
	switch v := item.(type) {
	case float64:
		return int(v), true
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return id, true
	case map[string]interface{}:
		return obj(v).intValue("id", "ID")
	}
	return 0, false
}
