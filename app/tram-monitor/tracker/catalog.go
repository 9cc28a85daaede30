package tracker

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ekb-transit/tramtrack/business/data/ettu"
	"github.com/ekb-transit/tramtrack/business/data/tramdb"
	"github.com/jmoiron/sqlx"
)

// Reference data cache policy: the stop list barely changes, route
// geometries change only with construction work.
const (
	stopsCacheKey       = "ettu_stops"
	stopsCacheMaxAge    = 7 * 24 * time.Hour
	geometryCacheMaxAge = 24 * time.Hour
)

// Geometry sources, best first
const (
	GeometrySourceOsm   = "osm"
	GeometrySourceOsrm  = "osrm"
	GeometrySourceStops = "stops"
)

// referenceSource fetches the route and stop reference feeds
type referenceSource interface {
	FetchStops() ([]ettu.RawStop, error)
	FetchRoutes() ([]ettu.RawRoute, error)
}

// geometrySource resolves route polylines from external map services
type geometrySource interface {
	FetchTramGeometries() (map[string][][2]float64, error)
	FetchRoadGeometry(waypoints [][2]float64) [][2]float64
}

// RouteInfo is one route of the active catalog
type RouteInfo struct {
	Id             int    `json:"id"`
	Number         string `json:"number"`
	Name           string `json:"name"`
	GeometrySource string `json:"geometry_source"`
}

// StopInfo is one stop of the active catalog
type StopInfo struct {
	Id        int     `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Direction string  `json:"direction,omitempty"`
}

// Catalog is an immutable snapshot of the resolved reference data. A
// refresh builds a complete replacement and the tracker swaps it in whole,
// so readers never see a half-updated network.
type Catalog struct {
	routes       []RouteInfo
	routeNumToId map[string]int
	routeIdToNum map[int]string

	stops        map[int]StopInfo
	stopToRoutes map[int][]int

	geometries map[int][][2]float64
	// stopProgress holds each stop's normalized position on its route's
	// polyline, used to bound snaps and to order arrivals
	stopProgress map[int]map[int]float64

	builtAt time.Time
}

func emptyCatalog() *Catalog {
	return &Catalog{
		routeNumToId: make(map[string]int),
		routeIdToNum: make(map[int]string),
		stops:        make(map[int]StopInfo),
		stopToRoutes: make(map[int][]int),
		geometries:   make(map[int][][2]float64),
		stopProgress: make(map[int]map[int]float64),
	}
}

// Routes returns the catalog's routes sorted by number
func (c *Catalog) Routes() []RouteInfo {
	return c.routes
}

// RouteIdByNumber resolves an ETTU route number to the route id
func (c *Catalog) RouteIdByNumber(number string) (int, bool) {
	id, ok := c.routeNumToId[number]
	return id, ok
}

// RouteNumber resolves a route id to its display number
func (c *Catalog) RouteNumber(routeId int) string {
	return c.routeIdToNum[routeId]
}

// Stop returns the catalog's record for a stop id
func (c *Catalog) Stop(stopId int) (StopInfo, bool) {
	s, ok := c.stops[stopId]
	return s, ok
}

// RoutesForStop returns the ids of routes whose path serves the stop
func (c *Catalog) RoutesForStop(stopId int) []int {
	return c.stopToRoutes[stopId]
}

// Geometry returns the route's polyline, nil when none resolved
func (c *Catalog) Geometry(routeId int) [][2]float64 {
	return c.geometries[routeId]
}

// StopProgress returns the stop's normalized position on the route
// polyline. ok is false when the stop projected too far from the line.
func (c *Catalog) StopProgress(routeId, stopId int) (float64, bool) {
	progress, ok := c.stopProgress[routeId][stopId]
	return progress, ok
}

// BuiltAt returns when this snapshot was assembled
func (c *Catalog) BuiltAt() time.Time {
	return c.builtAt
}

// CatalogLoader assembles Catalog snapshots from the ETTU feeds, the OSM
// geometry services and the local cache tables, and keeps the matcher and
// detector loaded with the result.
type CatalogLoader struct {
	log      *log.Logger
	source   referenceSource
	geo      geometrySource
	db       *sqlx.DB
	matcher  *RouteMatcher
	detector *StopDetector
	diag     *Diagnostics
	params   Params

	mu      sync.RWMutex
	current *Catalog
}

func NewCatalogLoader(log *log.Logger, source referenceSource, geo geometrySource,
	db *sqlx.DB, matcher *RouteMatcher, detector *StopDetector,
	diag *Diagnostics, params Params) *CatalogLoader {

	return &CatalogLoader{
		log:      log,
		source:   source,
		geo:      geo,
		db:       db,
		matcher:  matcher,
		detector: detector,
		diag:     diag,
		params:   params,
		current:  emptyCatalog(),
	}
}

// Current returns the active catalog snapshot, never nil
func (l *CatalogLoader) Current() *Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Refresh rebuilds the catalog from upstream and swaps it in. On error the
// previous snapshot stays active.
func (l *CatalogLoader) Refresh() error {
	stops, stopsFetched, err := l.loadStops()
	if err != nil {
		return fmt.Errorf("loading stops: %w", err)
	}
	routes, err := l.source.FetchRoutes()
	if err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}

	catalog := emptyCatalog()
	catalog.builtAt = time.Now().UTC()

	stopsById := make(map[int]ettu.RawStop, len(stops))
	for _, s := range stops {
		stopsById[s.Id] = s
		catalog.stops[s.Id] = StopInfo{
			Id:        s.Id,
			Name:      s.Name,
			Lat:       s.Lat,
			Lon:       s.Lon,
			Direction: s.Direction,
		}
	}

	unresolved := make(map[int][]int)
	totalPath := make(map[int]int)
	geometrySources := make(map[int]string)

	cachedGeoms, cachedSources := l.loadCachedGeometries()
	var osmGeoms map[string][][2]float64
	osmTried := false

	for i := range routes {
		route := &routes[i]
		if route.Id == 0 || route.Number == "" {
			continue
		}
		catalog.routeNumToId[route.Number] = route.Id
		catalog.routeIdToNum[route.Id] = route.Number

		resolved, missing := l.resolveRoutePath(route, stopsById)
		totalPath[route.Id] = len(route.Stops)
		if len(missing) > 0 {
			unresolved[route.Id] = missing
		}
		l.detector.LoadRouteStops(route.Id, resolved)

		for _, s := range resolved {
			if !containsInt(catalog.stopToRoutes[s.StopId], route.Id) {
				catalog.stopToRoutes[s.StopId] = append(catalog.stopToRoutes[s.StopId], route.Id)
			}
		}

		// best-available geometry: cache, then OSM relation, then OSRM
		// road snap, then the bare stop chain
		points := cachedGeoms[route.Number]
		source := cachedSources[route.Number]
		if len(points) < 2 {
			if !osmTried {
				osmTried = true
				var osmErr error
				if osmGeoms, osmErr = l.geo.FetchTramGeometries(); osmErr != nil {
					l.log.Printf("overpass fetch failed, falling back per route: %v", osmErr)
				}
			}
			points = osmGeoms[route.Number]
			source = GeometrySourceOsm
		}
		if len(points) < 2 {
			points = l.geo.FetchRoadGeometry(geometryWaypoints(route, stopsById))
			source = GeometrySourceOsrm
		}
		if len(points) < 2 {
			points = stopChain(resolved)
			source = GeometrySourceStops
		}
		if len(points) >= 2 {
			catalog.geometries[route.Id] = points
			geometrySources[route.Id] = source
			l.matcher.Load(route.Id, points)
			if cachedSources[route.Number] == "" && l.db != nil {
				if err := tramdb.RecordRouteGeometry(l.db, route.Number, source, points); err != nil {
					l.log.Printf("caching geometry for route %s: %v", route.Number, err)
				}
			}
		} else {
			l.log.Printf("route %s (%d): no geometry resolved", route.Number, route.Id)
		}

		catalog.stopProgress[route.Id] = l.computeStopProgress(route.Id, resolved)

		catalog.routes = append(catalog.routes, RouteInfo{
			Id:             route.Id,
			Number:         route.Number,
			Name:           route.Name,
			GeometrySource: geometrySources[route.Id],
		})
	}
	sort.Slice(catalog.routes, func(i, j int) bool {
		return catalog.routes[i].Number < catalog.routes[j].Number
	})

	l.persistReferenceData(routes, stops, stopsFetched)
	l.diag.SetRouteResolution(unresolved, totalPath)

	l.mu.Lock()
	l.current = catalog
	l.mu.Unlock()
	l.log.Printf("catalog refreshed: %d routes, %d stops", len(catalog.routes), len(catalog.stops))
	return nil
}

// loadStops serves stops from the database while the cached copy is fresh,
// hitting ETTU only when it has gone stale. fetched reports whether the
// returned list came from upstream.
func (l *CatalogLoader) loadStops() ([]ettu.RawStop, bool, error) {
	if l.db != nil {
		fresh, err := tramdb.CacheFresh(l.db, stopsCacheKey, stopsCacheMaxAge)
		if err != nil {
			l.log.Printf("checking stop cache freshness: %v", err)
		} else if fresh {
			rows, err := tramdb.LoadStops(l.db)
			if err == nil && len(rows) > 0 {
				stops := make([]ettu.RawStop, 0, len(rows))
				for _, row := range rows {
					stops = append(stops, ettu.RawStop{
						Id:        row.Id,
						Name:      row.Name,
						Lat:       row.Lat,
						Lon:       row.Lon,
						Direction: row.Direction,
					})
				}
				return stops, false, nil
			}
			if err != nil {
				l.log.Printf("loading cached stops: %v", err)
			}
		}
	}

	stops, err := l.source.FetchStops()
	if err != nil {
		return nil, false, err
	}
	return stops, true, nil
}

func (l *CatalogLoader) loadCachedGeometries() (map[string][][2]float64, map[string]string) {
	if l.db == nil {
		return nil, nil
	}
	geoms, sources, err := tramdb.LoadRouteGeometries(l.db, geometryCacheMaxAge)
	if err != nil {
		l.log.Printf("loading cached geometries: %v", err)
		return nil, nil
	}
	return geoms, sources
}

// resolveRoutePath joins a route's ordered stop id path against the stop
// list, producing detector-ready stops with display names like
// "Name (toward Terminal)". Unresolvable ids are reported for diagnostics.
func (l *CatalogLoader) resolveRoutePath(route *ettu.RawRoute,
	stopsById map[int]ettu.RawStop) ([]StopOnRoute, []int) {

	var resolved []StopOnRoute
	var missing []int
	for _, ref := range route.Stops {
		stop, ok := stopsById[ref.Id]
		if !ok {
			missing = append(missing, ref.Id)
			continue
		}
		resolved = append(resolved, StopOnRoute{
			StopId:    stop.Id,
			Name:      displayName(stop),
			Lat:       stop.Lat,
			Lon:       stop.Lon,
			Order:     ref.Order,
			Direction: ref.Direction,
		})
	}
	return resolved, missing
}

// computeStopProgress projects each resolved stop onto the route polyline.
// Stops further than the cutoff get no entry; duplicated stops keep the
// first projection.
func (l *CatalogLoader) computeStopProgress(routeId int, resolved []StopOnRoute) map[int]float64 {
	progress := make(map[int]float64)
	for _, s := range resolved {
		if _, present := progress[s.StopId]; present {
			continue
		}
		match := l.matcher.Match(routeId, s.Lat, s.Lon, 0)
		if match != nil && match.DistanceM <= l.params.StopProgressMaxDistanceM {
			progress[s.StopId] = match.Progress
		}
	}
	return progress
}

// persistReferenceData writes routes, stops and route paths to postgres,
// each in its own transaction so one failure does not lose the rest
func (l *CatalogLoader) persistReferenceData(routes []ettu.RawRoute, stops []ettu.RawStop, stopsFetched bool) {
	if l.db == nil {
		return
	}

	dbRoutes := make([]*tramdb.Route, 0, len(routes))
	for _, route := range routes {
		if route.Id == 0 {
			continue
		}
		dbRoutes = append(dbRoutes, &tramdb.Route{Id: route.Id, Number: route.Number, Name: route.Name})
	}
	if err := tramdb.RecordRoutes(l.db, dbRoutes); err != nil {
		l.log.Printf("persisting routes: %v", err)
	}

	if stopsFetched {
		dbStops := make([]*tramdb.Stop, 0, len(stops))
		for _, s := range stops {
			dbStops = append(dbStops, &tramdb.Stop{
				Id: s.Id, Name: s.Name, Lat: s.Lat, Lon: s.Lon, Direction: s.Direction,
			})
		}
		if err := tramdb.RecordStops(l.db, dbStops); err != nil {
			l.log.Printf("persisting stops: %v", err)
		} else if err = tramdb.TouchCacheMeta(l.db, stopsCacheKey); err != nil {
			l.log.Printf("touching stop cache meta: %v", err)
		}
	}

	for _, route := range routes {
		if route.Id == 0 || len(route.Stops) == 0 {
			continue
		}
		rows := make([]*tramdb.RouteStop, 0, len(route.Stops))
		for _, ref := range route.Stops {
			rows = append(rows, &tramdb.RouteStop{
				RouteId:   route.Id,
				StopId:    ref.Id,
				StopOrder: ref.Order,
				Direction: ref.Direction,
			})
		}
		if err := tramdb.RecordRouteStops(l.db, route.Id, rows); err != nil {
			l.log.Printf("persisting route %s path: %v", route.Number, err)
		}
	}
}

// displayName renders a stop for riders, qualifying it with the terminal
// it faces when the feed provides one
func displayName(stop ettu.RawStop) string {
	if stop.Direction == "" {
		return stop.Name
	}
	return fmt.Sprintf("%s (%s)", stop.Name, stop.Direction)
}

// geometryWaypoints returns the route's direction-0 major stop coordinates
// for the OSRM fallback
func geometryWaypoints(route *ettu.RawRoute, stopsById map[int]ettu.RawStop) [][2]float64 {
	refs := route.GeometryStops
	if len(refs) == 0 {
		refs = route.Stops
	}
	var waypoints [][2]float64
	for _, ref := range refs {
		if ref.Direction != 0 {
			continue
		}
		if stop, ok := stopsById[ref.Id]; ok {
			waypoints = append(waypoints, [2]float64{stop.Lat, stop.Lon})
		}
	}
	return waypoints
}

// stopChain falls back to the direction-0 stop sequence as the polyline
func stopChain(resolved []StopOnRoute) [][2]float64 {
	var points [][2]float64
	for _, s := range resolved {
		if s.Direction != 0 {
			continue
		}
		points = append(points, [2]float64{s.Lat, s.Lon})
	}
	return points
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
