// Package tramdb contains the postgres persistence for the tram monitor:
// the route/stop reference data, position history, learned travel times,
// and the geometry/stop cache tables.
package tramdb

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// Route is one row of the route reference table
type Route struct {
	Id        int       `db:"id"`
	Number    string    `db:"number"`
	Name      string    `db:"name"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Stop is one row of the stop reference table
type Stop struct {
	Id        int       `db:"id"`
	Name      string    `db:"name"`
	Lat       float64   `db:"lat"`
	Lon       float64   `db:"lon"`
	Direction string    `db:"direction"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RouteStop is one row of a route's ordered stop path
type RouteStop struct {
	RouteId   int `db:"route_id"`
	StopId    int `db:"stop_id"`
	StopOrder int `db:"stop_order"`
	Direction int `db:"direction"`
}

// RecordRoutes upserts route reference rows inside one transaction
func RecordRoutes(db *sqlx.DB, routes []*Route) error {
	now := time.Now()
	for _, route := range routes {
		route.UpdatedAt = now
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	statementString := "insert into route " +
		"(id, " +
		"number, " +
		"name, " +
		"updated_at) " +
		"values " +
		"(:id, " +
		":number, " +
		":name, " +
		":updated_at) " +
		"on conflict (id) do update set " +
		"number = excluded.number, " +
		"name = excluded.name, " +
		"updated_at = excluded.updated_at"
	statementString = tx.Rebind(statementString)
	for _, route := range routes {
		if _, err = tx.NamedExec(statementString, route); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordStops upserts stop reference rows inside one transaction
func RecordStops(db *sqlx.DB, stops []*Stop) error {
	now := time.Now()
	for _, stop := range stops {
		stop.UpdatedAt = now
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	statementString := "insert into stop " +
		"(id, " +
		"name, " +
		"lat, " +
		"lon, " +
		"direction, " +
		"updated_at) " +
		"values " +
		"(:id, " +
		":name, " +
		":lat, " +
		":lon, " +
		":direction, " +
		":updated_at) " +
		"on conflict (id) do update set " +
		"name = excluded.name, " +
		"lat = excluded.lat, " +
		"lon = excluded.lon, " +
		"direction = excluded.direction, " +
		"updated_at = excluded.updated_at"
	statementString = tx.Rebind(statementString)
	for _, stop := range stops {
		if _, err = tx.NamedExec(statementString, stop); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordRouteStops replaces a route's ordered stop path inside one
// transaction
func RecordRouteStops(db *sqlx.DB, routeId int, routeStops []*RouteStop) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	deleteString := tx.Rebind("delete from route_stop where route_id = ?")
	if _, err = tx.Exec(deleteString, routeId); err != nil {
		_ = tx.Rollback()
		return err
	}

	statementString := "insert into route_stop " +
		"(route_id, " +
		"stop_id, " +
		"stop_order, " +
		"direction) " +
		"values " +
		"(:route_id, " +
		":stop_id, " +
		":stop_order, " +
		":direction) " +
		"on conflict do nothing"
	statementString = tx.Rebind(statementString)
	for _, routeStop := range routeStops {
		if _, err = tx.NamedExec(statementString, routeStop); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadStops returns all persisted stop reference rows
func LoadStops(db *sqlx.DB) ([]*Stop, error) {
	var stops []*Stop
	err := db.Select(&stops, "select id, name, lat, lon, direction, updated_at from stop")
	return stops, err
}
