package tramdb

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// TravelTimeObservation is one measured transition between two adjacent
// stops on a route
type TravelTimeObservation struct {
	RouteId    int    `db:"route_id"`
	FromStopId int    `db:"from_stop_id"`
	ToStopId   int    `db:"to_stop_id"`
	DayType    string `db:"day_type"`
	// HourBucket is the local hour [0,24) the transition completed in
	HourBucket int `db:"hour_bucket"`
	Seconds    int `db:"seconds"`
}

// TravelTimeStat is one aggregated row of the travel time table
type TravelTimeStat struct {
	RouteId       int       `db:"route_id"`
	FromStopId    int       `db:"from_stop_id"`
	ToStopId      int       `db:"to_stop_id"`
	DayType       string    `db:"day_type"`
	HourBucket    int       `db:"hour_bucket"`
	MedianSeconds float64   `db:"median_seconds"`
	SampleCount   int       `db:"sample_count"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// RecordTravelTimes folds a batch of observations into the aggregate
// table inside one transaction. Each observation moves the stored value
// toward the new sample by 1/(sample_count+1), an incremental mean that
// needs no per-sample history.
func RecordTravelTimes(db *sqlx.DB, observations []*TravelTimeObservation) error {
	if len(observations) == 0 {
		return nil
	}
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	statementString := "insert into travel_time " +
		"(route_id, " +
		"from_stop_id, " +
		"to_stop_id, " +
		"day_type, " +
		"hour_bucket, " +
		"median_seconds, " +
		"sample_count, " +
		"updated_at) " +
		"values " +
		"(:route_id, " +
		":from_stop_id, " +
		":to_stop_id, " +
		":day_type, " +
		":hour_bucket, " +
		":seconds, " +
		"1, " +
		"now()) " +
		"on conflict (route_id, from_stop_id, to_stop_id, day_type, hour_bucket) do update set " +
		"median_seconds = travel_time.median_seconds + " +
		"((:seconds - travel_time.median_seconds) / (travel_time.sample_count + 1)), " +
		"sample_count = travel_time.sample_count + 1, " +
		"updated_at = now()"
	statementString = tx.Rebind(statementString)
	for _, observation := range observations {
		if _, err = tx.NamedExec(statementString, observation); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadTravelTimes returns the aggregated travel times for one route
func LoadTravelTimes(db *sqlx.DB, routeId int) ([]*TravelTimeStat, error) {
	var stats []*TravelTimeStat
	statementString := db.Rebind("select route_id, from_stop_id, to_stop_id, day_type, hour_bucket, " +
		"median_seconds, sample_count, updated_at " +
		"from travel_time " +
		"where route_id = ?")
	err := db.Select(&stats, statementString, routeId)
	return stats, err
}
