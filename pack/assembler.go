package pack

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tourkit/navpack/geo"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/route"
	"github.com/tourkit/navpack/voice"
)

// Assembler composes the final manifest from the pipeline's stage outputs.
type Assembler struct {
	packsRoot string
	logger    *slog.Logger
}

// NewAssembler creates an assembler writing under the given packs root.
func NewAssembler(packsRoot string, logger *slog.Logger) *Assembler {
	return &Assembler{packsRoot: packsRoot, logger: logger}
}

// Input carries everything one job produced before assembly.
type Input struct {
	PackID    string
	Language  string
	Stitched  *route.Stitched
	Waypoints []plan.SpotRef
	AlongPOIs []plan.AlongPOI
	Narration []plan.NarrationItem
	Audio     []voice.Result
}

// Assemble joins narration and audio, finalizes legs and waypoint info,
// writes the manifest, and returns the in-memory response echo.
func (a *Assembler) Assemble(in Input) (*plan.PlanResponse, error) {
	if in.PackID == "" {
		return nil, fmt.Errorf("assemble: missing pack id")
	}

	m := &plan.Manifest{
		PackID:        in.PackID,
		Language:      in.Language,
		GeneratedAt:   time.Now().UTC(),
		Route:         in.Stitched.Route,
		Polyline:      in.Stitched.Polyline,
		Segments:      in.Stitched.Segments,
		Legs:          FinalizeLegs(in.Stitched.Legs, in.Stitched.Segments, in.Stitched.Polyline),
		WaypointsInfo: waypointsInfo(in.Waypoints, in.Stitched.Polyline),
		AlongPOIs:     in.AlongPOIs,
		Assets:        JoinAssets(in.Narration, in.Audio, a.logger),
	}

	if _, err := WriteManifest(a.packsRoot, m); err != nil {
		return nil, err
	}
	a.logger.Info("pack assembled",
		"pack_id", m.PackID,
		"legs", len(m.Legs),
		"along_pois", len(m.AlongPOIs),
		"assets", len(m.Assets))

	return &plan.PlanResponse{
		PackID:        m.PackID,
		Language:      m.Language,
		Route:         m.Route,
		Polyline:      m.Polyline,
		Segments:      m.Segments,
		Legs:          m.Legs,
		WaypointsInfo: m.WaypointsInfo,
		AlongPOIs:     m.AlongPOIs,
		Assets:        m.Assets,
		ManifestURL:   ManifestURL(m.PackID),
	}, nil
}

// JoinAssets merges narration items with synthesis results on the
// (spot_id, variant) identity key. Every narration item yields an asset;
// the audio record is nil when synthesis failed for that key. Audio with no
// matching narration is dropped with a warning, since the narration set
// defines what the pack contains.
func JoinAssets(items []plan.NarrationItem, audio []voice.Result, logger *slog.Logger) []plan.Asset {
	byKey := make(map[plan.AssetKey]voice.Result, len(audio))
	for _, r := range audio {
		key := plan.AssetKey{SpotID: r.SpotID, Variant: plan.NormalizeVariant(string(r.Variant))}
		byKey[key] = r
	}

	matched := make(map[plan.AssetKey]bool, len(items))
	assets := make([]plan.Asset, 0, len(items))
	for _, it := range items {
		asset := plan.Asset{SpotID: it.SpotID, Variant: it.Variant, Text: it.Text}
		if r, ok := byKey[it.Key()]; ok {
			matched[it.Key()] = true
			asset.Audio = &plan.Audio{
				URL:         r.URL,
				SizeBytes:   r.SizeBytes,
				DurationSec: r.DurationSec,
				Format:      r.Format,
				TextURL:     r.TextURL,
			}
		}
		assets = append(assets, asset)
	}

	for _, r := range audio {
		key := plan.AssetKey{SpotID: r.SpotID, Variant: plan.NormalizeVariant(string(r.Variant))}
		if !matched[key] {
			logger.Warn("dropping audio with no matching narration",
				"spot_id", r.SpotID, "variant", r.Variant)
		}
	}
	return assets
}

// waypointsInfo runs the nearest-vertex attachment over the planned
// waypoints themselves so clients render them with the same shape as
// along-route POIs.
func waypointsInfo(waypoints []plan.SpotRef, polyline plan.Polyline) []plan.AlongPOI {
	out := make([]plan.AlongPOI, 0, len(waypoints))
	for _, w := range waypoints {
		idx, dist := geo.NearestVertex(polyline, w.Lon, w.Lat)
		if idx < 0 {
			idx, dist = 0, 0
		}
		out = append(out, plan.AlongPOI{
			SpotID:     w.SpotID,
			Name:       w.Name,
			Lon:        w.Lon,
			Lat:        w.Lat,
			Kind:       plan.POIKindSpot,
			NearestIdx: idx,
			DistanceM:  dist,
		})
	}
	return out
}

// FinalizeLegs fills missing leg endpoint coordinates from the leg's
// polyline segment. Legs arrive in two shapes, explicit coordinates or
// vertex indices; clients only ever see explicit coordinates.
func FinalizeLegs(legs []plan.Leg, segments []plan.Segment, polyline plan.Polyline) []plan.Leg {
	out := make([]plan.Leg, len(legs))
	copy(out, legs)
	for i := range out {
		if out[i].From != (plan.Coord{}) || out[i].To != (plan.Coord{}) {
			continue
		}
		if i >= len(segments) {
			continue
		}
		out[i].From = idxCoord(polyline, segments[i].StartIdx)
		out[i].To = idxCoord(polyline, segments[i].EndIdx)
	}
	return out
}

func idxCoord(polyline plan.Polyline, idx int) plan.Coord {
	if idx < 0 || idx >= len(polyline) || len(polyline[idx]) < 2 {
		return plan.Coord{}
	}
	return plan.Coord{Lon: polyline[idx][0], Lat: polyline[idx][1]}
}
