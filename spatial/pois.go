package spatial

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tourkit/navpack/plan"
)

// CorridorPOI is a candidate along-route POI before attachment to the
// polyline. Kind records which table it came from.
type CorridorPOI struct {
	SpotID    string
	Name      string
	Lon       float64
	Lat       float64
	Kind      plan.POIKind
	DistanceM float64
}

// POIsNearLines returns every spot and facility within radiusM meters of
// any of the given lines. Lines with fewer than two points are skipped; an
// empty input yields an empty result without touching the database.
//
// The corridor test runs on the geography type so radiusM is real meters.
func (db *DB) POIsNearLines(ctx context.Context, lines []plan.Polyline, radiusM float64, lang string) ([]CorridorPOI, error) {
	if !localizedLangs[lang] {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	wkt := multiLineWKT(lines)
	if wkt == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
		WITH corridor AS (
			SELECT ST_GeomFromText($1, 4326)::geography AS geog
		),
		all_pois AS (
			SELECT spot_id, official_name, geom, 'spot' AS kind, 1 AS tbl_ord
			FROM spots
			UNION ALL
			SELECT spot_id, official_name, geom, 'facility' AS kind, 2 AS tbl_ord
			FROM facilities
		)
		SELECT DISTINCT ON (p.spot_id)
			p.spot_id::text,
			%s AS name,
			ST_X(p.geom)::float8 AS lon,
			ST_Y(p.geom)::float8 AS lat,
			p.kind,
			ST_Distance(p.geom::geography, c.geog)::float8 AS distance_m
		FROM all_pois p, corridor c
		WHERE ST_DWithin(p.geom::geography, c.geog, $3)
		ORDER BY p.spot_id, p.tbl_ord`,
		localized("p.official_name", "$2"))

	rows, err := db.pool.Query(ctx, query, wkt, lang, radiusM)
	if err != nil {
		return nil, fmt.Errorf("query corridor pois: %w", err)
	}
	defer rows.Close()

	var out []CorridorPOI
	for rows.Next() {
		var p CorridorPOI
		var kind string
		if err := rows.Scan(&p.SpotID, &p.Name, &p.Lon, &p.Lat, &kind, &p.DistanceM); err != nil {
			return nil, fmt.Errorf("scan corridor poi: %w", err)
		}
		p.Kind = plan.POIKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// multiLineWKT renders the usable lines as a MultiLineString WKT literal.
// Returns "" when no line has two or more points.
func multiLineWKT(lines []plan.Polyline) string {
	var parts []string
	for _, line := range lines {
		pts := make([]string, 0, len(line))
		for _, p := range line {
			if len(p) < 2 {
				continue
			}
			pts = append(pts, formatCoord(p[0])+" "+formatCoord(p[1]))
		}
		if len(pts) >= 2 {
			parts = append(parts, "("+strings.Join(pts, ",")+")")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "MULTILINESTRING(" + strings.Join(parts, ",") + ")"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
