// Package plan defines the domain model for navigation pack planning:
// the plan request, route geometry, along-route POIs, narration variants,
// audio assets, and the durable pack manifest.
package plan

import (
	"encoding/json"
	"time"
)

// Mode is the transport mode of a leg or segment.
type Mode string

const (
	ModeCar  Mode = "car"
	ModeFoot Mode = "foot"
)

// Coord is a WGS84 coordinate in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Polyline is an ordered list of [lon, lat] points.
type Polyline [][]float64

// Waypoint identifies a planned stop by spot id.
type Waypoint struct {
	SpotID string `json:"spot_id"`
}

// Buffer holds the corridor widths for along-route POI discovery, in meters.
type Buffer struct {
	CarM  float64 `json:"car_m"`
	FootM float64 `json:"foot_m"`
}

// Default corridor widths. Drivers pass POIs at speed so the car corridor
// is wide; walkers encounter them intimately so the foot corridor is narrow.
const (
	DefaultBufferCarM  = 300
	DefaultBufferFootM = 10
)

// PlanRequest is the immutable input to one plan job.
type PlanRequest struct {
	Language       string     `json:"language"`
	Origin         Coord      `json:"origin"`
	Waypoints      []Waypoint `json:"waypoints"`
	ReturnToOrigin *bool      `json:"return_to_origin,omitempty"`
	Buffer         *Buffer    `json:"buffer,omitempty"`
}

// SpotRef is a resolved spot: coordinates plus metadata localized to the
// request language. Derived per job, never persisted by the core.
type SpotRef struct {
	SpotID      string  `json:"spot_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MDSlug      string  `json:"md_slug,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Segment indexes an inclusive vertex range of the polyline, tagged with
// the transport mode. Segments are contiguous and cover the polyline exactly.
type Segment struct {
	Mode     Mode `json:"mode"`
	StartIdx int  `json:"start_idx"`
	EndIdx   int  `json:"end_idx"`
}

// Leg is a single routed segment with explicit endpoint coordinates.
type Leg struct {
	Mode      Mode    `json:"mode"`
	From      Coord   `json:"from"`
	To        Coord   `json:"to"`
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
}

// Feature is a GeoJSON feature carrying one leg's geometry and properties.
type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   Geometry       `json:"geometry"`
}

// Geometry is a GeoJSON geometry. Coordinates is [[lon,lat], ...] for
// LineString and [[[lon,lat], ...], ...] for MultiLineString.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// FeatureCollection is the GeoJSON view of a stitched route.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// POIKind distinguishes sightseeing spots from facilities (parking,
// restrooms, shops).
type POIKind string

const (
	POIKindSpot     POIKind = "spot"
	POIKindFacility POIKind = "facility"
)

// AlongPOI is a point of interest within a mode-specific corridor around
// the route, attached to its nearest polyline vertex.
type AlongPOI struct {
	SpotID            string  `json:"spot_id"`
	Name              string  `json:"name"`
	Lon               float64 `json:"lon"`
	Lat               float64 `json:"lat"`
	Kind              POIKind `json:"kind,omitempty"`
	NearestIdx        int     `json:"nearest_idx"`
	DistanceM         float64 `json:"distance_m"`
	SourceSegmentMode Mode    `json:"source_segment_mode,omitempty"`
}

// Variant identifies one narration rendition of a spot.
type Variant string

const (
	VariantBase        Variant = "base"
	VariantWeather1    Variant = "weather_1"    // cloudy
	VariantWeather2    Variant = "weather_2"    // rainy
	VariantCongestion1 Variant = "congestion_1" // mild congestion
	VariantCongestion2 Variant = "congestion_2" // heavy congestion
)

// SituationalVariants lists the four pre-computed variants generated for
// planned waypoints, in a stable order.
var SituationalVariants = []Variant{
	VariantWeather1,
	VariantWeather2,
	VariantCongestion1,
	VariantCongestion2,
}

// NormalizeVariant maps the wire form (absent/empty means base) to a Variant.
func NormalizeVariant(s string) Variant {
	if s == "" {
		return VariantBase
	}
	return Variant(s)
}

// AssetKey is the identity key joining narration and audio across stages.
type AssetKey struct {
	SpotID  string
	Variant Variant
}

// NarrationItem is one generated narration text, keyed by (spot_id, variant).
type NarrationItem struct {
	SpotID  string  `json:"spot_id"`
	Variant Variant `json:"variant"`
	Text    string  `json:"text"`
}

// Key returns the identity key of the item.
func (n NarrationItem) Key() AssetKey {
	return AssetKey{SpotID: n.SpotID, Variant: n.Variant}
}

// AudioFormat is the container format of a synthesized audio file.
type AudioFormat string

const (
	FormatMP3 AudioFormat = "mp3"
	FormatWAV AudioFormat = "wav"
)

// Audio describes one synthesized audio file under the pack root.
// URL is a path rooted at /packs/{pack_id}/, not an absolute URL.
type Audio struct {
	URL         string      `json:"url"`
	SizeBytes   int64       `json:"size_bytes"`
	DurationSec float64     `json:"duration_sec"`
	Format      AudioFormat `json:"format"`
	TextURL     string      `json:"text_url,omitempty"`
}

// Asset is the joined narration/audio record for one (spot, variant) pair.
// Text is always present; Audio is nil when synthesis failed.
type Asset struct {
	SpotID  string  `json:"spot_id"`
	Variant Variant `json:"variant"`
	Text    string  `json:"text"`
	Audio   *Audio  `json:"audio"`
}

// Manifest is the durable record of a completed plan, written to
// {packs_root}/{pack_id}/manifest.json. It is the sole authoritative output
// of a job.
type Manifest struct {
	PackID        string            `json:"pack_id"`
	Language      string            `json:"language"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Route         FeatureCollection `json:"route"`
	Polyline      Polyline          `json:"polyline"`
	Segments      []Segment         `json:"segments"`
	Legs          []Leg             `json:"legs"`
	WaypointsInfo []AlongPOI        `json:"waypoints_info"`
	AlongPOIs     []AlongPOI        `json:"along_pois"`
	Assets        []Asset           `json:"assets"`
}

// PlanResponse is the in-memory echo of the manifest returned to pollers.
type PlanResponse struct {
	PackID        string            `json:"pack_id"`
	Language      string            `json:"language"`
	Route         FeatureCollection `json:"route"`
	Polyline      Polyline          `json:"polyline"`
	Segments      []Segment         `json:"segments"`
	Legs          []Leg             `json:"legs"`
	WaypointsInfo []AlongPOI        `json:"waypoints_info"`
	AlongPOIs     []AlongPOI        `json:"along_pois"`
	Assets        []Asset           `json:"assets"`
	ManifestURL   string            `json:"manifest_url"`
}

// RouteResult is the synchronous route-only computation returned by the
// /nav/route endpoint: the stitched route with along-POIs but no narration
// or audio.
type RouteResult struct {
	Route         FeatureCollection `json:"route"`
	Polyline      Polyline          `json:"polyline"`
	Segments      []Segment         `json:"segments"`
	Legs          []Leg             `json:"legs"`
	WaypointsInfo []AlongPOI        `json:"waypoints_info"`
	AlongPOIs     []AlongPOI        `json:"along_pois"`
}
