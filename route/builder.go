package route

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tourkit/navpack/geo"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/spatial"
)

// DefaultArrivalToleranceM is how far a routed car path's endpoint may sit
// from the intended destination before the route is rejected. The routing
// engine snaps to the nearest road; past this distance the target is
// considered off-road and the access-point fallback kicks in.
const DefaultArrivalToleranceM = 50

// fallbackAPOffsetDeg shifts the destination east when no access point can
// be resolved at all. Keeps the pipeline progressing under a degraded
// spatial store; not meant to be correct.
const fallbackAPOffsetDeg = 0.01

// Solver is the per-pair routing engine interface.
type Solver interface {
	Route(ctx context.Context, mode plan.Mode, src, dst plan.Coord) (*Result, error)
}

// AccessPointResolver finds the nearest drivable approach to an off-road
// destination.
type AccessPointResolver interface {
	NearestAccessPoint(ctx context.Context, lat, lon float64) (*spatial.AccessPoint, error)
}

// Leg is a routed segment with its raw geometry, before stitching.
type Leg struct {
	Mode      plan.Mode
	FromIdx   int
	ToIdx     int
	From      plan.Coord
	To        plan.Coord
	DistanceM float64
	DurationS float64
	Geometry  plan.Polyline
}

// Builder turns an ordered point sequence into legs, switching from car to
// foot at access points when the road network cannot reach a destination.
type Builder struct {
	solver     Solver
	aps        AccessPointResolver
	toleranceM float64
	logger     *slog.Logger
}

// NewBuilder creates a leg builder. toleranceM <= 0 selects the default
// arrival tolerance.
func NewBuilder(solver Solver, aps AccessPointResolver, toleranceM float64, logger *slog.Logger) *Builder {
	if toleranceM <= 0 {
		toleranceM = DefaultArrivalToleranceM
	}
	return &Builder{solver: solver, aps: aps, toleranceM: toleranceM, logger: logger}
}

// BuildLegs routes each consecutive point pair. The vehicle position starts
// at points[0] and only advances to a destination the car actually reached;
// after a foot leg the vehicle stays parked at the access point, so the next
// leg departs from there.
//
// A transport-level solver failure on the direct car attempt aborts the
// build; the caller retries the whole job. Failures on the fallback legs are
// recorded as degenerate zero-distance legs instead, matching the engine's
// "no route" answer shape.
func (b *Builder) BuildLegs(ctx context.Context, points []plan.Coord) ([]Leg, error) {
	if len(points) < 2 {
		return nil, nil
	}

	legs := make([]Leg, 0, len(points)-1)
	carPos := points[0]

	for i := 0; i < len(points)-1; i++ {
		src := carPos
		dst := points[i+1]

		direct, err := b.solver.Route(ctx, plan.ModeCar, src, dst)
		if err != nil {
			return nil, fmt.Errorf("route car leg %d: %w", i, err)
		}
		if direct.OK && b.arrived(direct.Geometry, dst) {
			legs = append(legs, resultLeg(plan.ModeCar, direct, i, src, dst))
			carPos = dst
			continue
		}

		ap := b.accessPoint(ctx, dst)
		toAP := b.routeOrDegenerate(ctx, plan.ModeCar, src, ap, i)
		legs = append(legs, resultLeg(plan.ModeCar, toAP, i, src, ap))
		carPos = ap

		onFoot := b.routeOrDegenerate(ctx, plan.ModeFoot, ap, dst, i)
		legs = append(legs, resultLeg(plan.ModeFoot, onFoot, i, ap, dst))
	}

	return legs, nil
}

// arrived checks the arrival tolerance against the last geometry point.
// Empty geometry counts as not arrived.
func (b *Builder) arrived(g plan.Polyline, dst plan.Coord) bool {
	if len(g) == 0 {
		return false
	}
	last := g[len(g)-1]
	if len(last) < 2 {
		return false
	}
	d := geo.Haversine(plan.Coord{Lon: last[0], Lat: last[1]}, dst)
	return d <= b.toleranceM
}

// accessPoint resolves the nearest access point to dst, falling back to a
// small eastward offset when the spatial store cannot answer.
func (b *Builder) accessPoint(ctx context.Context, dst plan.Coord) plan.Coord {
	ap, err := b.aps.NearestAccessPoint(ctx, dst.Lat, dst.Lon)
	if err != nil {
		b.logger.Warn("access point lookup failed, using offset fallback",
			"lat", dst.Lat, "lon", dst.Lon, "error", err)
		return plan.Coord{Lat: dst.Lat, Lon: dst.Lon + fallbackAPOffsetDeg}
	}
	return plan.Coord{Lat: ap.Lat, Lon: ap.Lon}
}

// routeOrDegenerate routes src→dst and degrades any failure to an empty
// no-route result so the leg is still recorded.
func (b *Builder) routeOrDegenerate(ctx context.Context, mode plan.Mode, src, dst plan.Coord, idx int) *Result {
	res, err := b.solver.Route(ctx, mode, src, dst)
	if err != nil {
		b.logger.Warn("fallback leg routing failed, recording degenerate leg",
			"mode", mode, "leg", idx, "error", err)
		return &Result{OK: false}
	}
	if !res.OK {
		b.logger.Warn("fallback leg has no route, recording degenerate leg",
			"mode", mode, "leg", idx)
	}
	return res
}

func resultLeg(mode plan.Mode, res *Result, i int, from, to plan.Coord) Leg {
	return Leg{
		Mode:      mode,
		FromIdx:   i,
		ToIdx:     i + 1,
		From:      from,
		To:        to,
		DistanceM: res.DistanceM,
		DurationS: res.DurationS,
		Geometry:  res.Geometry,
	}
}
