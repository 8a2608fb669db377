package route

import (
	"encoding/json"

	"github.com/tourkit/navpack/plan"
)

// Stitched is the concatenated view of a leg sequence.
type Stitched struct {
	Route    plan.FeatureCollection
	Polyline plan.Polyline
	Segments []plan.Segment
	Legs     []plan.Leg
}

// Stitch concatenates leg geometries into one polyline and records the
// inclusive vertex range of each leg as a mode-tagged segment. When a leg's
// first point coincides with the previous leg's last point, the duplicate
// vertex is dropped so the shared join appears once. Legs with empty
// geometry get a degenerate segment anchored at the current end of the
// polyline, keeping the segment list aligned with the leg list.
func Stitch(legs []Leg) *Stitched {
	out := &Stitched{
		Route: plan.FeatureCollection{Type: "FeatureCollection"},
	}

	for _, leg := range legs {
		coords := leg.Geometry
		if len(coords) == 0 {
			anchor := len(out.Polyline) - 1
			if anchor < 0 {
				anchor = 0
			}
			out.Segments = append(out.Segments, plan.Segment{
				Mode:     leg.Mode,
				StartIdx: anchor,
				EndIdx:   anchor,
			})
			out.Route.Features = append(out.Route.Features, legFeature(leg, nil))
			out.Legs = append(out.Legs, summaryLeg(leg))
			continue
		}

		var startIdx int
		switch {
		case len(out.Polyline) == 0:
			startIdx = 0
			out.Polyline = append(out.Polyline, coords...)
		case samePoint(out.Polyline[len(out.Polyline)-1], coords[0]):
			startIdx = len(out.Polyline) - 1
			out.Polyline = append(out.Polyline, coords[1:]...)
		default:
			startIdx = len(out.Polyline)
			out.Polyline = append(out.Polyline, coords...)
		}

		out.Segments = append(out.Segments, plan.Segment{
			Mode:     leg.Mode,
			StartIdx: startIdx,
			EndIdx:   len(out.Polyline) - 1,
		})
		out.Route.Features = append(out.Route.Features, legFeature(leg, coords))
		out.Legs = append(out.Legs, summaryLeg(leg))
	}

	return out
}

func summaryLeg(leg Leg) plan.Leg {
	return plan.Leg{
		Mode:      leg.Mode,
		From:      leg.From,
		To:        leg.To,
		DistanceM: leg.DistanceM,
		DurationS: leg.DurationS,
	}
}

func legFeature(leg Leg, coords plan.Polyline) plan.Feature {
	if coords == nil {
		coords = plan.Polyline{}
	}
	raw, _ := json.Marshal(coords)
	return plan.Feature{
		Type: "Feature",
		Properties: map[string]any{
			"mode":     string(leg.Mode),
			"from_idx": leg.FromIdx,
			"to_idx":   leg.ToIdx,
			"distance": leg.DistanceM,
			"duration": leg.DurationS,
		},
		Geometry: plan.Geometry{Type: "LineString", Coordinates: raw},
	}
}

func samePoint(a, b []float64) bool {
	return len(a) >= 2 && len(b) >= 2 && a[0] == b[0] && a[1] == b[1]
}
