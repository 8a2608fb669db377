// Package geo provides the geometric primitives used by route stitching and
// along-route POI attachment: haversine distance on WGS84, a spherical
// (Web-Mercator) metric projection, nearest-vertex search, and per-mode
// polyline slicing.
package geo

import (
	"math"

	"github.com/tourkit/navpack/plan"
)

const (
	// earthRadiusM is the mean Earth radius used by both the haversine
	// formula and the spherical Mercator projection.
	earthRadiusM = 6371000.0

	degToRad = math.Pi / 180.0
)

// Haversine returns the great-circle distance between two WGS84 coordinates
// in meters.
func Haversine(a, b plan.Coord) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLat := (b.Lat - a.Lat) * degToRad
	dLon := (b.Lon - a.Lon) * degToRad

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// mercator projects a lon/lat pair onto the spherical Mercator plane
// (EPSG:3857), in meters. Adequate as a local metric for nearest-vertex
// comparisons; not used for corridor widths, which the spatial store
// computes on the geography type.
func mercator(lon, lat float64) (x, y float64) {
	x = earthRadiusM * lon * degToRad
	// Clamp to the projection's latitude domain.
	if lat > 85.05112878 {
		lat = 85.05112878
	} else if lat < -85.05112878 {
		lat = -85.05112878
	}
	y = earthRadiusM * math.Log(math.Tan(math.Pi/4+lat*degToRad/2))
	return x, y
}

// NearestVertex returns the index of the polyline vertex closest to the
// given point under the Mercator metric, together with that distance in
// meters. Returns (-1, +Inf) for an empty polyline.
func NearestVertex(polyline plan.Polyline, lon, lat float64) (int, float64) {
	px, py := mercator(lon, lat)
	bestIdx := -1
	bestD := math.Inf(1)
	for i, p := range polyline {
		if len(p) < 2 {
			continue
		}
		x, y := mercator(p[0], p[1])
		d := math.Hypot(x-px, y-py)
		if d < bestD {
			bestD = d
			bestIdx = i
		}
	}
	return bestIdx, bestD
}

// DistanceToPolyline returns the minimum distance in meters from the point
// to any segment of the polyline, under the Mercator metric. Returns +Inf
// when the polyline has fewer than two vertices.
func DistanceToPolyline(polyline plan.Polyline, lon, lat float64) float64 {
	if len(polyline) < 2 {
		return math.Inf(1)
	}
	px, py := mercator(lon, lat)
	best := math.Inf(1)
	ax, ay := mercator(polyline[0][0], polyline[0][1])
	for i := 1; i < len(polyline); i++ {
		bx, by := mercator(polyline[i][0], polyline[i][1])
		d := pointSegmentDistance(px, py, ax, ay, bx, by)
		if d < best {
			best = d
		}
		ax, ay = bx, by
	}
	return best
}

// pointSegmentDistance is the planar distance from p to segment ab.
func pointSegmentDistance(px, py, ax, ay, bx, by float64) float64 {
	dx := bx - ax
	dy := by - ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(px-ax, py-ay)
	}
	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(px-(ax+t*dx), py-(ay+t*dy))
}

// SliceRange extracts polyline vertices [startIdx, endIdx] inclusive,
// clamping both ends. A single-vertex result is widened with a neighbor so
// the slice always describes a drawable line when the polyline allows it.
func SliceRange(polyline plan.Polyline, startIdx, endIdx int) plan.Polyline {
	if len(polyline) == 0 {
		return nil
	}
	startIdx = clamp(startIdx, 0, len(polyline)-1)
	endIdx = clamp(endIdx, 0, len(polyline)-1)
	if endIdx < startIdx {
		startIdx, endIdx = endIdx, startIdx
	}
	seg := polyline[startIdx : endIdx+1]
	if len(seg) == 1 {
		if startIdx > 0 {
			seg = polyline[startIdx-1 : startIdx+1]
		} else if len(polyline) > 1 {
			seg = polyline[0:2]
		}
	}
	return seg
}

// ModeLines partitions the polyline into per-mode line collections: one
// aggregating all car sub-lines and one all foot sub-lines. Each entry is a
// [[lon,lat], ...] line suitable for a GeoJSON MultiLineString.
func ModeLines(polyline plan.Polyline, segments []plan.Segment) (car, foot []plan.Polyline) {
	for _, seg := range segments {
		coords := SliceRange(polyline, seg.StartIdx, seg.EndIdx)
		if len(coords) < 2 {
			continue
		}
		line := make(plan.Polyline, len(coords))
		for i, p := range coords {
			pt := make([]float64, len(p))
			copy(pt, p)
			line[i] = pt
		}
		if seg.Mode == plan.ModeFoot {
			foot = append(foot, line)
		} else {
			car = append(car, line)
		}
	}
	return car, foot
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
