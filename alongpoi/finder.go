// Package alongpoi discovers points of interest near a route, bucketed by
// the transport mode of the corridor they fall in, and attaches each hit to
// its nearest polyline vertex.
package alongpoi

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/tourkit/navpack/geo"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/spatial"
)

// POIStore answers corridor queries against the spatial store.
type POIStore interface {
	POIsNearLines(ctx context.Context, lines []plan.Polyline, radiusM float64, lang string) ([]spatial.CorridorPOI, error)
}

// Finder runs the two per-mode corridor queries and merges the results.
type Finder struct {
	store  POIStore
	logger *slog.Logger
}

// NewFinder creates a corridor POI finder backed by the spatial store.
func NewFinder(store POIStore, logger *slog.Logger) *Finder {
	return &Finder{store: store, logger: logger}
}

// Find returns POIs within buf.CarM of the car sub-lines or buf.FootM of
// the foot sub-lines, excluding the given ids. When a POI matches both
// corridors, car wins. Each result carries the nearest polyline vertex
// index and its corridor distance in meters.
func (f *Finder) Find(ctx context.Context, polyline plan.Polyline, segments []plan.Segment, buf plan.Buffer, lang string, excluded map[string]bool) ([]plan.AlongPOI, error) {
	if len(polyline) < 2 {
		return nil, nil
	}

	carLines, footLines := geo.ModeLines(polyline, segments)

	carHits, err := f.store.POIsNearLines(ctx, carLines, buf.CarM, lang)
	if err != nil {
		return nil, fmt.Errorf("car corridor query: %w", err)
	}
	footHits, err := f.store.POIsNearLines(ctx, footLines, buf.FootM, lang)
	if err != nil {
		return nil, fmt.Errorf("foot corridor query: %w", err)
	}

	seen := make(map[string]bool)
	var out []plan.AlongPOI

	appendHits := func(hits []spatial.CorridorPOI, mode plan.Mode) {
		for _, h := range hits {
			if h.SpotID == "" || excluded[h.SpotID] || seen[h.SpotID] {
				continue
			}
			seen[h.SpotID] = true
			out = append(out, f.attach(h, mode, polyline))
		}
	}
	appendHits(carHits, plan.ModeCar)
	appendHits(footHits, plan.ModeFoot)

	f.logger.Debug("corridor pois found",
		"car_hits", len(carHits), "foot_hits", len(footHits), "kept", len(out))
	return out, nil
}

// attach computes the nearest-vertex index and fills the corridor distance,
// falling back to a local projection when the store reported none.
func (f *Finder) attach(h spatial.CorridorPOI, mode plan.Mode, polyline plan.Polyline) plan.AlongPOI {
	idx, _ := geo.NearestVertex(polyline, h.Lon, h.Lat)
	if idx < 0 {
		idx = 0
	}
	dist := h.DistanceM
	if dist == 0 {
		if d := geo.DistanceToPolyline(polyline, h.Lon, h.Lat); !math.IsInf(d, 1) {
			dist = d
		}
	}
	return plan.AlongPOI{
		SpotID:            h.SpotID,
		Name:              h.Name,
		Lon:               h.Lon,
		Lat:               h.Lat,
		Kind:              h.Kind,
		NearestIdx:        idx,
		DistanceM:         dist,
		SourceSegmentMode: mode,
	}
}
