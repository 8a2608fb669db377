package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourkit/navpack/metrics"
	"github.com/tourkit/navpack/pack"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/route"
	"github.com/tourkit/navpack/storage"
	"github.com/tourkit/navpack/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	refs map[string]plan.SpotRef
	err  error
}

func (f *fakeResolver) ResolveSpots(_ context.Context, ids []string, _ string) (map[string]plan.SpotRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]plan.SpotRef)
	for _, id := range ids {
		if ref, ok := f.refs[id]; ok {
			out[id] = ref
		}
	}
	return out, nil
}

// fakeLegs routes each consecutive point pair as one car leg with a
// two-point geometry.
type fakeLegs struct {
	err    error
	points [][]plan.Coord
}

func (f *fakeLegs) BuildLegs(_ context.Context, points []plan.Coord) ([]route.Leg, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.points = append(f.points, points)
	legs := make([]route.Leg, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		legs = append(legs, route.Leg{
			Mode:      plan.ModeCar,
			From:      points[i],
			To:        points[i+1],
			DistanceM: 1000,
			DurationS: 120,
			Geometry: plan.Polyline{
				{points[i].Lon, points[i].Lat},
				{points[i+1].Lon, points[i+1].Lat},
			},
		})
	}
	return legs, nil
}

type fakePOIs struct {
	pois []plan.AlongPOI
	err  error
}

func (f *fakePOIs) Find(_ context.Context, _ plan.Polyline, _ []plan.Segment, _ plan.Buffer, _ string, _ map[string]bool) ([]plan.AlongPOI, error) {
	return f.pois, f.err
}

// fakeNarrator emits a base item per spot plus the situational variants for
// planned waypoints, mirroring the real planner's variant set.
type fakeNarrator struct {
	err   error
	calls int
}

func (f *fakeNarrator) Generate(_ context.Context, _ string, plannedIDs []string, along []plan.AlongPOI, _ map[string]plan.SpotRef) ([]plan.NarrationItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var items []plan.NarrationItem
	seen := make(map[string]bool)
	for _, id := range plannedIDs {
		seen[id] = true
		items = append(items, plan.NarrationItem{SpotID: id, Variant: plan.VariantBase, Text: "about " + id})
	}
	for _, p := range along {
		if seen[p.SpotID] {
			continue
		}
		seen[p.SpotID] = true
		items = append(items, plan.NarrationItem{SpotID: p.SpotID, Variant: plan.VariantBase, Text: "about " + p.SpotID})
	}
	for _, id := range plannedIDs {
		for _, v := range plan.SituationalVariants {
			items = append(items, plan.NarrationItem{SpotID: id, Variant: v, Text: fmt.Sprintf("about %s (%s)", id, v)})
		}
	}
	return items, nil
}

type fakeSynth struct {
	failAll bool
	skip    map[plan.AssetKey]bool
	calls   int
}

func (f *fakeSynth) SynthesizeBatch(_ context.Context, packID, _ string, items []plan.NarrationItem) ([]voice.Result, error) {
	f.calls++
	if f.failAll {
		return nil, errors.New("speech engine down")
	}
	var out []voice.Result
	for _, it := range items {
		if it.Text == "" || f.skip[it.Key()] {
			continue
		}
		out = append(out, voice.Result{
			SpotID:      it.SpotID,
			Variant:     it.Variant,
			URL:         "/packs/" + packID + "/" + it.SpotID + ".mp3",
			SizeBytes:   2048,
			DurationSec: 4.5,
			Format:      plan.FormatMP3,
		})
	}
	return out, nil
}

type fixture struct {
	pipeline *Pipeline
	narrator *fakeNarrator
	synth    *fakeSynth
	legs     *fakeLegs
	packsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	refs := map[string]plan.SpotRef{
		"spot_a": {SpotID: "spot_a", Name: "Castle", Lat: 35.01, Lon: 135.01},
		"spot_b": {SpotID: "spot_b", Name: "Shrine", Lat: 35.02, Lon: 135.02},
		"spot_c": {SpotID: "spot_c", Name: "Garden", Lat: 35.03, Lon: 135.03},
	}
	narrator := &fakeNarrator{}
	synth := &fakeSynth{}
	legs := &fakeLegs{}
	dir := t.TempDir()
	p := NewPipeline(
		&fakeResolver{refs: refs},
		legs,
		&fakePOIs{pois: []plan.AlongPOI{
			{SpotID: "fac_1", Name: "Parking", Lon: 135.015, Lat: 35.015, Kind: plan.POIKindFacility, NearestIdx: 1, DistanceM: 42},
		}},
		narrator,
		synth,
		pack.NewAssembler(dir, testLogger()),
		nil,
		metrics.New(),
		testLogger(),
	)
	return &fixture{pipeline: p, narrator: narrator, synth: synth, legs: legs, packsDir: dir}
}

func planJob(t *testing.T, req plan.PlanRequest) *storage.Job {
	t.Helper()
	raw, err := json.Marshal(PlanPayload{Request: req})
	require.NoError(t, err)
	return &storage.Job{
		ID:      "job_1",
		Kind:    storage.JobKindPlan,
		Queue:   QueueNav,
		PackID:  "pk_test",
		Payload: raw,
	}
}

func threeWaypointRequest() plan.PlanRequest {
	return plan.PlanRequest{
		Language: "ja",
		Origin:   plan.Coord{Lat: 35.0, Lon: 135.0},
		Waypoints: []plan.Waypoint{
			{SpotID: "spot_a"}, {SpotID: "spot_b"}, {SpotID: "spot_c"},
		},
	}
}

func TestPipelinePlanSuccess(t *testing.T) {
	f := newFixture(t)
	job := planJob(t, threeWaypointRequest())

	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	resp, ok := result.(*plan.PlanResponse)
	require.True(t, ok)

	assert.Equal(t, "pk_test", resp.PackID)
	assert.Equal(t, "ja", resp.Language)
	// origin -> a -> b -> c -> origin
	assert.Len(t, resp.Legs, 4)
	// 3 planned bases + 1 along base + 3 planned * 4 variants
	assert.Len(t, resp.Assets, 16)
	for _, a := range resp.Assets {
		assert.NotNil(t, a.Audio, "asset %s/%s should have audio", a.SpotID, a.Variant)
	}
	assert.Len(t, resp.AlongPOIs, 1)
	assert.Len(t, resp.WaypointsInfo, 3)
	assert.Equal(t, "/packs/pk_test/manifest.json", resp.ManifestURL)

	m, err := pack.ReadManifest(f.packsDir, "pk_test")
	require.NoError(t, err)
	assert.Equal(t, "pk_test", m.PackID)
	assert.Len(t, m.Assets, 16)
}

func TestPipelineNoReturnToOrigin(t *testing.T) {
	f := newFixture(t)
	req := threeWaypointRequest()
	ret := false
	req.ReturnToOrigin = &ret

	result, err := f.pipeline.Handle(context.Background(), planJob(t, req))
	require.NoError(t, err)
	resp := result.(*plan.PlanResponse)
	// origin -> a -> b -> c
	assert.Len(t, resp.Legs, 3)
}

func TestPipelineSingleWaypointRoundTrip(t *testing.T) {
	f := newFixture(t)
	req := threeWaypointRequest()
	req.Waypoints = req.Waypoints[:1]

	result, err := f.pipeline.Handle(context.Background(), planJob(t, req))
	require.NoError(t, err)
	resp := result.(*plan.PlanResponse)
	// origin -> a -> origin: outbound and return are distinct legs.
	assert.Len(t, resp.Legs, 2)
}

func TestPipelineUnknownWaypoint(t *testing.T) {
	f := newFixture(t)
	req := threeWaypointRequest()
	req.Waypoints = append(req.Waypoints, plan.Waypoint{SpotID: "spot_nope"})

	_, err := f.pipeline.Handle(context.Background(), planJob(t, req))
	require.Error(t, err)
	assert.Equal(t, KindValidation, ClassifyError(err))
	assert.Contains(t, err.Error(), "spot_nope")

	_, err = pack.ReadManifest(f.packsDir, "pk_test")
	assert.Error(t, err, "rejected plan must not leave a manifest behind")
}

func TestPipelineInvalidLanguage(t *testing.T) {
	f := newFixture(t)
	req := threeWaypointRequest()
	req.Language = "fr"

	_, err := f.pipeline.Handle(context.Background(), planJob(t, req))
	require.Error(t, err)
	assert.Equal(t, KindValidation, ClassifyError(err))
}

func TestPipelineRoutingFailure(t *testing.T) {
	f := newFixture(t)
	f.legs.err = errors.New("connection refused")

	_, err := f.pipeline.Handle(context.Background(), planJob(t, threeWaypointRequest()))
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, ClassifyError(err))
}

func TestPipelineRoutingTimeout(t *testing.T) {
	f := newFixture(t)
	f.legs.err = fmt.Errorf("route: %w", context.DeadlineExceeded)

	_, err := f.pipeline.Handle(context.Background(), planJob(t, threeWaypointRequest()))
	require.Error(t, err)
	assert.Equal(t, KindUpstreamTimeout, ClassifyError(err))
}

func TestPipelinePartialSynthesis(t *testing.T) {
	f := newFixture(t)
	f.synth.skip = map[plan.AssetKey]bool{
		{SpotID: "spot_b", Variant: plan.VariantBase}: true,
	}

	result, err := f.pipeline.Handle(context.Background(), planJob(t, threeWaypointRequest()))
	require.NoError(t, err, "partial synthesis must not fail the job")
	resp := result.(*plan.PlanResponse)

	textOnly := 0
	for _, a := range resp.Assets {
		if a.Audio == nil {
			textOnly++
			assert.Equal(t, "spot_b", a.SpotID)
			assert.NotEmpty(t, a.Text)
		}
	}
	assert.Equal(t, 1, textOnly)
}

func TestPipelineSynthesisTotalFailure(t *testing.T) {
	f := newFixture(t)
	f.synth.failAll = true

	result, err := f.pipeline.Handle(context.Background(), planJob(t, threeWaypointRequest()))
	require.NoError(t, err, "an all-text pack beats a failed job")
	resp := result.(*plan.PlanResponse)
	require.Len(t, resp.Assets, 16)
	for _, a := range resp.Assets {
		assert.Nil(t, a.Audio)
		assert.NotEmpty(t, a.Text)
	}
}

func TestPipelineDuplicateConsecutivePoints(t *testing.T) {
	f := newFixture(t)
	req := plan.PlanRequest{
		Language:  "en",
		Origin:    plan.Coord{Lat: 35.01, Lon: 135.01}, // same as spot_a
		Waypoints: []plan.Waypoint{{SpotID: "spot_a"}},
	}

	result, err := f.pipeline.Handle(context.Background(), planJob(t, req))
	require.NoError(t, err)
	resp := result.(*plan.PlanResponse)
	// origin == spot_a collapses, leaving spot_a -> origin only.
	assert.Len(t, resp.Legs, 1)
}

func TestRouteOnly(t *testing.T) {
	f := newFixture(t)
	req := threeWaypointRequest()

	result, err := f.pipeline.RouteOnly(context.Background(), &req)
	require.NoError(t, err)
	assert.Len(t, result.Legs, 4)
	assert.Len(t, result.AlongPOIs, 1)
	assert.NotEmpty(t, result.Polyline)
	assert.Equal(t, 0, f.narrator.calls, "route-only must not narrate")
	assert.Equal(t, 0, f.synth.calls, "route-only must not synthesize")
}

func TestNarrationHandler(t *testing.T) {
	narrator := &fakeNarrator{}
	h := NewNarrationHandler(narrator, testLogger())

	raw, err := json.Marshal(NarrationPayload{
		Language:   "ja",
		PlannedIDs: []string{"spot_a"},
		Along:      []plan.AlongPOI{{SpotID: "fac_1", Name: "Parking"}},
		Refs:       map[string]plan.SpotRef{"spot_a": {SpotID: "spot_a", Name: "Castle"}},
	})
	require.NoError(t, err)

	result, err := h.Handle(context.Background(), &storage.Job{
		ID: "job_n", Kind: storage.JobKindNarration, Queue: QueueLLM, Payload: raw,
	})
	require.NoError(t, err)
	nr, ok := result.(NarrationResult)
	require.True(t, ok)
	// 2 bases + 4 variants for the planned spot
	assert.Len(t, nr.Items, 6)
}

func TestNarrationHandlerBadPayload(t *testing.T) {
	h := NewNarrationHandler(&fakeNarrator{}, testLogger())
	_, err := h.Handle(context.Background(), &storage.Job{ID: "j", Payload: []byte("{")})
	require.Error(t, err)
	assert.Equal(t, KindInternal, ClassifyError(err))
}
