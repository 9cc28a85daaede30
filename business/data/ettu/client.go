package ettu

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ekb-transit/tramtrack/foundation/httpclient"
)

// Client polls the ETTU API for tram positions, routes, and stops
type Client struct {
	log     *log.Logger
	baseUrl string
	http    *httpclient.Client
}

func NewClient(log *log.Logger, baseUrl string) *Client {
	return &Client{
		log:     log,
		baseUrl: baseUrl,
		http:    httpclient.NewClient(log, 30*time.Second),
	}
}

func (c *Client) get(path, label string) ([]byte, error) {
	return c.http.GetWithRetry(c.baseUrl+path+"?apiKey=111", label)
}

// FetchVehicles fetches all current tram positions. Records missing
// coordinates or a route assignment are dropped silently.
func (c *Client) FetchVehicles() ([]RawVehicle, error) {
	body, err := c.get("/api/v2/tram/boards/", "vehicles")
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parsing vehicles response: %w", err)
	}

	var vehicles []RawVehicle
	for _, item := range itemList(decoded, "vehicles", "boards") {
		record, ok := asObj(item)
		if !ok {
			continue
		}
		v := RawVehicle{
			DevId:     record.str("DEV_ID", "dev_id"),
			BoardNum:  record.str("BOARD_NUM", "board_num", "gos_num"),
			RouteNum:  record.str("ROUTE", "route", "marsh"),
			Lat:       record.numOrZero("LAT", "lat"),
			Lon:       record.numOrZero("LON", "lon", "lng"),
			SpeedKmh:  record.numOrZero("VELOCITY", "SPEED", "speed"),
			CourseDeg: record.numOrZero("COURSE", "course", "dir"),
			OnRoute:   record.numOrZero("ON_ROUTE", "on_route") != 0,
			Timestamp: parseATime(record.str("ATIME", "TIMESTAMP", "timestamp")),
		}
		if v.Lat == 0 || v.Lon == 0 || v.RouteNum == "" {
			continue
		}
		vehicles = append(vehicles, v)
	}
	c.log.Printf("fetched %d active trams from ETTU", len(vehicles))
	return vehicles, nil
}

// FetchStops fetches all tram stops. Records without an id or coordinates
// are dropped.
func (c *Client) FetchStops() ([]RawStop, error) {
	body, err := c.get("/api/v2/tram/points/", "stops")
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parsing stops response: %w", err)
	}

	var stops []RawStop
	for _, item := range itemList(decoded, "points", "stops", "stations") {
		record, ok := asObj(item)
		if !ok {
			continue
		}
		id, _ := record.intValue("ID", "id")
		if id == 0 {
			continue
		}
		s := RawStop{
			Id:        id,
			Name:      record.str("NAME", "name"),
			Lat:       record.numOrZero("LAT", "lat"),
			Lon:       record.numOrZero("LON", "lon", "lng"),
			Direction: record.str("DIRECTION", "direction"),
		}
		if s.Lat == 0 || s.Lon == 0 {
			continue
		}
		stops = append(stops, s)
	}
	c.log.Printf("fetched %d tram stops from ETTU", len(stops))
	return stops, nil
}

// FetchRoutes fetches tram route data with each route's ordered stop path.
// The path comes from the route's elements, one element per traversal
// direction; the element's position is the direction tag.
func (c *Client) FetchRoutes() ([]RawRoute, error) {
	body, err := c.get("/api/v2/tram/routes/", "routes")
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parsing routes response: %w", err)
	}

	var routes []RawRoute
	for _, item := range itemList(decoded, "routes") {
		record, ok := asObj(item)
		if !ok {
			continue
		}
		routeId, _ := record.intValue("id", "ID")
		route := RawRoute{
			Id:     routeId,
			Number: record.str("num", "NUM", "number"),
			Name:   record.str("name", "NAME", "title"),
		}

		for dirIdx, elemItem := range record.list("elements") {
			elem, ok := asObj(elemItem)
			if !ok {
				continue
			}
			// full_path has all stops (for tracking); path has major
			// stops only (for clean geometry)
			fullPath := elem.list("full_path", "path")
			geomPath := elem.list("path")
			if geomPath == nil {
				geomPath = fullPath
			}
			if fullPath == nil {
				fullPath = elem.list("stops", "stations")
				if geomPath == nil {
					geomPath = fullPath
				}
			}
			route.Stops = appendPath(route.Stops, fullPath, dirIdx)
			route.GeometryStops = appendPath(route.GeometryStops, geomPath, dirIdx)
		}

		// some responses carry a flat stop list instead of elements
		if len(route.Stops) == 0 {
			for order, stopItem := range record.list("stops", "stations") {
				id, ok := stopIdOf(stopItem)
				if !ok {
					continue
				}
				direction := 0
				if stopObj, isObj := asObj(stopItem); isObj {
					direction, _ = stopObj.intValue("direction", "ind")
				}
				route.Stops = append(route.Stops, RouteStopRef{
					Id:        id,
					Order:     order,
					Direction: direction,
				})
			}
		}

		if len(route.Stops) == 0 {
			c.log.Printf("route %s (%s): no stops parsed from response", route.Number, route.Name)
		}
		routes = append(routes, route)
	}
	c.log.Printf("fetched %d tram routes from ETTU", len(routes))
	return routes, nil
}

func appendPath(refs []RouteStopRef, path []interface{}, direction int) []RouteStopRef {
	for order, stopItem := range path {
		id, ok := stopIdOf(stopItem)
		if !ok {
			continue
		}
		refs = append(refs, RouteStopRef{
			Id:        id,
			Order:     order,
			Direction: direction,
		})
	}
	return refs
}
