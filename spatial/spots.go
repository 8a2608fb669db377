package spatial

import (
	"context"
	"fmt"

	"github.com/tourkit/navpack/plan"
)

// spot metadata lives in two tables with the same shape. When the same id
// appears in both, spots wins over facilities (tbl_ord precedence below).

var localizedLangs = map[string]bool{"ja": true, "en": true, "zh": true}

// ResolveCoords maps spot ids to their coordinates across the spots and
// facilities tables in a single query. Unknown ids are simply absent from
// the result; the caller decides whether that is an error.
func (db *DB) ResolveCoords(ctx context.Context, spotIDs []string) (map[string]plan.Coord, error) {
	ids := nonEmpty(spotIDs)
	if len(ids) == 0 {
		return map[string]plan.Coord{}, nil
	}

	const query = `
		WITH all_pois AS (
			SELECT spot_id, geom, 1 AS tbl_ord
			FROM spots WHERE spot_id = ANY($1)
			UNION ALL
			SELECT spot_id, geom, 2 AS tbl_ord
			FROM facilities WHERE spot_id = ANY($1)
		)
		SELECT DISTINCT ON (spot_id)
			spot_id::text,
			ST_X(geom)::float8 AS lon,
			ST_Y(geom)::float8 AS lat
		FROM all_pois
		ORDER BY spot_id, tbl_ord`

	rows, err := db.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve spot coords: %w", err)
	}
	defer rows.Close()

	out := make(map[string]plan.Coord, len(ids))
	for rows.Next() {
		var id string
		var lon, lat float64
		if err := rows.Scan(&id, &lon, &lat); err != nil {
			return nil, fmt.Errorf("scan spot coord: %w", err)
		}
		out[id] = plan.Coord{Lat: lat, Lon: lon}
	}
	return out, rows.Err()
}

// ResolveSpots returns full spot metadata localized to lang for the given
// ids. Name and description columns are JSONB keyed by language code; a
// missing localization falls back to the English value, then empty.
func (db *DB) ResolveSpots(ctx context.Context, spotIDs []string, lang string) (map[string]plan.SpotRef, error) {
	ids := nonEmpty(spotIDs)
	if len(ids) == 0 {
		return map[string]plan.SpotRef{}, nil
	}
	if !localizedLangs[lang] {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	query := fmt.Sprintf(`
		WITH all_pois AS (
			SELECT spot_id, official_name, description, md_slug, geom, 1 AS tbl_ord
			FROM spots WHERE spot_id = ANY($1)
			UNION ALL
			SELECT spot_id, official_name, description, md_slug, geom, 2 AS tbl_ord
			FROM facilities WHERE spot_id = ANY($1)
		)
		SELECT DISTINCT ON (spot_id)
			spot_id::text,
			%s AS name,
			%s AS description,
			COALESCE(md_slug, '') AS md_slug,
			ST_Y(geom)::float8 AS lat,
			ST_X(geom)::float8 AS lon
		FROM all_pois
		ORDER BY spot_id, tbl_ord`,
		localized("official_name", "$2"), localized("description", "$2"))

	rows, err := db.pool.Query(ctx, query, ids, lang)
	if err != nil {
		return nil, fmt.Errorf("resolve spots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]plan.SpotRef, len(ids))
	for rows.Next() {
		var ref plan.SpotRef
		if err := rows.Scan(&ref.SpotID, &ref.Name, &ref.Description, &ref.MDSlug, &ref.Lat, &ref.Lon); err != nil {
			return nil, fmt.Errorf("scan spot: %w", err)
		}
		out[ref.SpotID] = ref
	}
	return out, rows.Err()
}

// localized renders the JSONB language lookup for a column. A missing
// localization falls back to the English value, then empty string.
func localized(col, langParam string) string {
	return "COALESCE(" + col + "->>" + langParam + ", " + col + "->>'en', '')"
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
