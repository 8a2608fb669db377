package spatial

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AccessPoint is the nearest drivable approach to a destination that the
// road network cannot reach directly (a parking lot or trailhead).
type AccessPoint struct {
	ID   int64
	Name string
	Lat  float64
	Lon  float64
}

// ErrNoAccessPoint is returned when the access_points table has no rows.
var ErrNoAccessPoint = errors.New("no access point found")

// NearestAccessPoint returns the access point closest to the destination,
// using the KNN operator so the geometry index drives the search.
func (db *DB) NearestAccessPoint(ctx context.Context, lat, lon float64) (*AccessPoint, error) {
	const query = `
		SELECT id,
		       COALESCE(name, '') AS name,
		       ST_Y(geom)::float8 AS lat,
		       ST_X(geom)::float8 AS lon
		FROM access_points
		ORDER BY geom <-> ST_SetSRID(ST_MakePoint($1, $2), 4326)
		LIMIT 1`

	var ap AccessPoint
	err := db.pool.QueryRow(ctx, query, lon, lat).Scan(&ap.ID, &ap.Name, &ap.Lat, &ap.Lon)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAccessPoint
	}
	if err != nil {
		return nil, fmt.Errorf("nearest access point: %w", err)
	}
	return &ap, nil
}
