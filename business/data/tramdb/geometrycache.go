package tramdb

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// cachedGeometry is one row of the route geometry cache
type cachedGeometry struct {
	RouteNumber string    `db:"route_number"`
	Source      string    `db:"source"`
	Points      []byte    `db:"points"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// RecordRouteGeometry caches a route polyline so the OSM services are not
// hit on every refresh
func RecordRouteGeometry(db *sqlx.DB, routeNumber, source string, points [][2]float64) error {
	encoded, err := json.Marshal(points)
	if err != nil {
		return err
	}
	row := cachedGeometry{
		RouteNumber: routeNumber,
		Source:      source,
		Points:      encoded,
		UpdatedAt:   time.Now(),
	}
	statementString := "insert into route_geometry_cache " +
		"(route_number, " +
		"source, " +
		"points, " +
		"updated_at) " +
		"values " +
		"(:route_number, " +
		":source, " +
		":points, " +
		":updated_at) " +
		"on conflict (route_number) do update set " +
		"source = excluded.source, " +
		"points = excluded.points, " +
		"updated_at = excluded.updated_at"
	statementString = db.Rebind(statementString)
	_, err = db.NamedExec(statementString, row)
	return err
}

// LoadRouteGeometries returns cached polylines no older than maxAge,
// keyed by route number, with the source each came from
func LoadRouteGeometries(db *sqlx.DB, maxAge time.Duration) (map[string][][2]float64, map[string]string, error) {
	var rows []cachedGeometry
	statementString := db.Rebind("select route_number, source, points, updated_at " +
		"from route_geometry_cache " +
		"where updated_at > ?")
	if err := db.Select(&rows, statementString, time.Now().Add(-maxAge)); err != nil {
		return nil, nil, err
	}

	geometries := make(map[string][][2]float64)
	sources := make(map[string]string)
	for _, row := range rows {
		var points [][2]float64
		if err := json.Unmarshal(row.Points, &points); err != nil {
			continue
		}
		if len(points) >= 2 {
			geometries[row.RouteNumber] = points
			sources[row.RouteNumber] = row.Source
		}
	}
	return geometries, sources, nil
}

// TouchCacheMeta records when a named dataset was last refreshed
func TouchCacheMeta(db *sqlx.DB, key string) error {
	statementString := db.Rebind("insert into data_cache_meta (key, refreshed_at) values (?, now()) " +
		"on conflict (key) do update set refreshed_at = now()")
	_, err := db.Exec(statementString, key)
	return err
}

// CacheFresh reports whether the named dataset was refreshed within maxAge
func CacheFresh(db *sqlx.DB, key string, maxAge time.Duration) (bool, error) {
	var refreshedAt time.Time
	statementString := db.Rebind("select refreshed_at from data_cache_meta where key = ?")
	err := db.Get(&refreshedAt, statementString, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(refreshedAt) < maxAge, nil
}
