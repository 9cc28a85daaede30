package tramdb

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// VehiclePosition is one appended row of the position history table.
// RouteId is nil when the reading carried an unrecognized route number.
type VehiclePosition struct {
	VehicleId string    `db:"vehicle_id"`
	RouteId   *int      `db:"route_id"`
	Lat       float64   `db:"lat"`
	Lon       float64   `db:"lon"`
	SpeedKmh  float64   `db:"speed_kmh"`
	CourseDeg float64   `db:"course_deg"`
	Progress  *float64  `db:"progress"`
	Direction int       `db:"direction"`
	SeenAt    time.Time `db:"seen_at"`
	CreatedAt time.Time `db:"created_at"`
}

// RecordVehiclePositions appends one poll cycle's positions in a batch
func RecordVehiclePositions(db *sqlx.DB, positions []*VehiclePosition) error {
	if len(positions) == 0 {
		return nil
	}
	now := time.Now()
	for _, position := range positions {
		position.CreatedAt = now
	}

	statementString := "insert into vehicle_position " +
		"(vehicle_id, " +
		"route_id, " +
		"lat, " +
		"lon, " +
		"speed_kmh, " +
		"course_deg, " +
		"progress, " +
		"direction, " +
		"seen_at, " +
		"created_at) " +
		"values " +
		"(:vehicle_id, " +
		":route_id, " +
		":lat, " +
		":lon, " +
		":speed_kmh, " +
		":course_deg, " +
		":progress, " +
		":direction, " +
		":seen_at, " +
		":created_at)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, positions)
	return err
}

// PurgeOldVehiclePositions removes position history older than the
// retention window and returns the number of rows removed
func PurgeOldVehiclePositions(db *sqlx.DB, olderThan time.Time) (int64, error) {
	statementString := db.Rebind("delete from vehicle_position where created_at < ?")
	result, err := db.Exec(statementString, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
