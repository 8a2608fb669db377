package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tourkit/navpack/narration"
	"github.com/tourkit/navpack/pack"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/route"
	"github.com/tourkit/navpack/storage"
	"github.com/tourkit/navpack/voice"

	"github.com/tourkit/navpack/metrics"
)

// PlanPayload is the payload of a plan job.
type PlanPayload struct {
	Request plan.PlanRequest `json:"request"`
}

// NarrationPayload is the payload of a delegated narration job on the llm
// queue. It carries everything the narration stage needs so the llm worker
// never touches the spatial store.
type NarrationPayload struct {
	Language   string                  `json:"language"`
	PlannedIDs []string                `json:"planned_ids"`
	Along      []plan.AlongPOI         `json:"along_pois"`
	Refs       map[string]plan.SpotRef `json:"refs"`
}

// NarrationResult is the delegated narration job's result.
type NarrationResult struct {
	Items []plan.NarrationItem `json:"items"`
}

// SpotResolver resolves planned waypoint ids against the spatial store.
type SpotResolver interface {
	ResolveSpots(ctx context.Context, ids []string, lang string) (map[string]plan.SpotRef, error)
}

// LegBuilder routes an ordered point sequence into legs.
type LegBuilder interface {
	BuildLegs(ctx context.Context, points []plan.Coord) ([]route.Leg, error)
}

// POIFinder discovers corridor POIs along the stitched route.
type POIFinder interface {
	Find(ctx context.Context, polyline plan.Polyline, segments []plan.Segment, buf plan.Buffer, lang string, excluded map[string]bool) ([]plan.AlongPOI, error)
}

// Narrator generates the narration item set.
type Narrator interface {
	Generate(ctx context.Context, language string, plannedIDs []string, along []plan.AlongPOI, refs map[string]plan.SpotRef) ([]plan.NarrationItem, error)
}

// Synthesizer produces audio for narration items.
type Synthesizer interface {
	SynthesizeBatch(ctx context.Context, packID, lang string, items []plan.NarrationItem) ([]voice.Result, error)
}

// PackAssembler writes the manifest and builds the response.
type PackAssembler interface {
	Assemble(in pack.Input) (*plan.PlanResponse, error)
}

// Dispatcher hands narration work to the llm queue and awaits its result.
// Nil disables delegation and the pipeline narrates inline.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind storage.JobKind, queue string, payload any) (*storage.Job, error)
	Jobs() *storage.JobStore
}

// Pipeline executes one plan job end to end.
type Pipeline struct {
	resolver    SpotResolver
	legs        LegBuilder
	pois        POIFinder
	narrator    Narrator
	synthesizer Synthesizer
	assembler   PackAssembler
	dispatcher  Dispatcher
	m           *metrics.Metrics
	logger      *slog.Logger

	// narrationWait bounds the wait for a delegated narration job,
	// including its queue time.
	narrationWait time.Duration
}

// NewPipeline wires the plan pipeline. dispatcher may be nil to narrate
// inline instead of delegating to the llm queue.
func NewPipeline(resolver SpotResolver, legs LegBuilder, pois POIFinder, narrator Narrator, synthesizer Synthesizer, assembler PackAssembler, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		resolver:      resolver,
		legs:          legs,
		pois:          pois,
		narrator:      narrator,
		synthesizer:   synthesizer,
		assembler:     assembler,
		dispatcher:    dispatcher,
		m:             m,
		logger:        logger,
		narrationWait: 10 * time.Minute,
	}
}

// Handle runs a plan job. Implements Handler for the nav queue.
func (p *Pipeline) Handle(ctx context.Context, job *storage.Job) (any, error) {
	var payload PlanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, NewStageError(KindInternal, "decode", err)
	}
	req := payload.Request
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewStageError(KindValidation, "validate", err)
	}

	routed, waypoints, err := p.routeStage(ctx, &req)
	if err != nil {
		return nil, err
	}

	along, err := p.poiStage(ctx, &req, routed)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]plan.SpotRef, len(waypoints))
	for _, w := range waypoints {
		refs[w.SpotID] = w
	}
	items, err := p.narrationStage(ctx, job, &req, along, refs)
	if err != nil {
		return nil, err
	}

	audio := p.synthesisStage(ctx, job, &req, items)

	resp, err := p.assembleStage(job, &req, routed, waypoints, along, items, audio)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RouteOnly computes the route and corridor POIs synchronously, without
// narration, audio, or a manifest. Serves the synchronous route endpoint.
func (p *Pipeline) RouteOnly(ctx context.Context, req *plan.PlanRequest) (*plan.RouteResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewStageError(KindValidation, "validate", err)
	}

	routed, _, err := p.routeStage(ctx, req)
	if err != nil {
		return nil, err
	}
	along, err := p.poiStage(ctx, req, routed)
	if err != nil {
		return nil, err
	}

	return &plan.RouteResult{
		Route:         routed.Route,
		Polyline:      routed.Polyline,
		Segments:      routed.Segments,
		Legs:          routed.Legs,
		WaypointsInfo: nil,
		AlongPOIs:     along,
	}, nil
}

// routeStage resolves waypoints and builds the stitched route. The point
// sequence is origin, waypoints in order, and origin again when the plan
// returns. Duplicate consecutive points collapse.
func (p *Pipeline) routeStage(ctx context.Context, req *plan.PlanRequest) (*route.Stitched, []plan.SpotRef, error) {
	defer p.observeStage("route")()

	ids := req.WaypointIDs()
	refs, err := p.resolver.ResolveSpots(ctx, ids, req.Language)
	if err != nil {
		return nil, nil, NewStageError(classifyUpstream(ctx, err), "resolve", err)
	}

	waypoints := make([]plan.SpotRef, 0, len(ids))
	points := []plan.Coord{req.Origin}
	for _, id := range ids {
		ref, ok := refs[id]
		if !ok {
			return nil, nil, NewStageError(KindValidation, "resolve",
				fmt.Errorf("unknown waypoint spot_id %q", id))
		}
		waypoints = append(waypoints, ref)
		points = appendPoint(points, plan.Coord{Lat: ref.Lat, Lon: ref.Lon})
	}
	if req.ReturnToOrigin == nil || *req.ReturnToOrigin {
		points = appendPoint(points, req.Origin)
	}

	legs, err := p.legs.BuildLegs(ctx, points)
	if err != nil {
		return nil, nil, NewStageError(classifyUpstream(ctx, err), "route", err)
	}
	return route.Stitch(legs), waypoints, nil
}

func (p *Pipeline) poiStage(ctx context.Context, req *plan.PlanRequest, routed *route.Stitched) ([]plan.AlongPOI, error) {
	defer p.observeStage("along_poi")()

	excluded := make(map[string]bool, len(req.Waypoints))
	for _, id := range req.WaypointIDs() {
		excluded[id] = true
	}
	along, err := p.pois.Find(ctx, routed.Polyline, routed.Segments, *req.Buffer, req.Language, excluded)
	if err != nil {
		return nil, NewStageError(classifyUpstream(ctx, err), "along_poi", err)
	}
	return along, nil
}

// narrationStage delegates to the llm queue when a dispatcher is wired,
// recording the child job id on the parent so pollers can follow it.
func (p *Pipeline) narrationStage(ctx context.Context, job *storage.Job, req *plan.PlanRequest, along []plan.AlongPOI, refs map[string]plan.SpotRef) ([]plan.NarrationItem, error) {
	defer p.observeStage("narration")()

	if p.dispatcher == nil {
		items, err := p.narrator.Generate(ctx, req.Language, req.WaypointIDs(), along, refs)
		if err != nil {
			return nil, NewStageError(classifyNarration(ctx, err), "narration", err)
		}
		return items, nil
	}

	child, err := p.dispatcher.Enqueue(ctx, storage.JobKindNarration, QueueLLM, NarrationPayload{
		Language:   req.Language,
		PlannedIDs: req.WaypointIDs(),
		Along:      along,
		Refs:       refs,
	})
	if err != nil {
		return nil, NewStageError(KindStorage, "narration", err)
	}

	job.ChildJobID = child.ID
	if err := p.dispatcher.Jobs().Update(ctx, job); err != nil {
		p.logger.Warn("failed to record child job link",
			"job_id", job.ID, "child_job_id", child.ID, "error", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.narrationWait)
	defer cancel()
	done, err := p.dispatcher.Jobs().WaitTerminal(waitCtx, child.ID)
	if err != nil {
		return nil, NewStageError(classifyUpstream(waitCtx, err), "narration", err)
	}
	if done.State == storage.JobStateFailed {
		kind := Kind(done.ErrorKind)
		if kind == "" {
			kind = KindInternal
		}
		return nil, NewStageError(kind, "narration",
			fmt.Errorf("narration job %s failed: %s", child.ID, done.ErrorMessage))
	}

	var result NarrationResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, NewStageError(KindInternal, "narration", err)
	}
	return result.Items, nil
}

// synthesisStage tolerates partial failure: missing audio surfaces as
// text-only assets, and a fully failed engine yields an all-text pack
// rather than a failed job.
func (p *Pipeline) synthesisStage(ctx context.Context, job *storage.Job, req *plan.PlanRequest, items []plan.NarrationItem) []voice.Result {
	defer p.observeStage("synthesis")()

	audio, err := p.synthesizer.SynthesizeBatch(ctx, job.PackID, req.Language, items)
	if err != nil {
		p.logger.Warn("synthesis failed entirely, pack will be text-only",
			"job_id", job.ID, "error", err)
	}
	speakable := 0
	for _, it := range items {
		if it.Text != "" {
			speakable++
		}
	}
	p.m.SynthesisItems.WithLabelValues("succeeded").Add(float64(len(audio)))
	if failed := speakable - len(audio); failed > 0 {
		p.m.SynthesisItems.WithLabelValues("failed").Add(float64(failed))
		p.logger.Warn("partial synthesis",
			"job_id", job.ID, "kind", KindPartialSynthesis,
			"requested", speakable, "synthesized", len(audio))
	}
	return audio
}

func (p *Pipeline) assembleStage(job *storage.Job, req *plan.PlanRequest, routed *route.Stitched, waypoints []plan.SpotRef, along []plan.AlongPOI, items []plan.NarrationItem, audio []voice.Result) (*plan.PlanResponse, error) {
	defer p.observeStage("assemble")()

	resp, err := p.assembler.Assemble(pack.Input{
		PackID:    job.PackID,
		Language:  req.Language,
		Stitched:  routed,
		Waypoints: waypoints,
		AlongPOIs: along,
		Narration: items,
		Audio:     audio,
	})
	if err != nil {
		return nil, NewStageError(KindStorage, "assemble", err)
	}
	return resp, nil
}

func (p *Pipeline) observeStage(stage string) func() {
	started := time.Now()
	return func() {
		p.m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}
}

func appendPoint(points []plan.Coord, c plan.Coord) []plan.Coord {
	if len(points) > 0 && points[len(points)-1] == c {
		return points
	}
	return append(points, c)
}

// classifyUpstream distinguishes timeouts from unavailability.
func classifyUpstream(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return KindUpstreamTimeout
	}
	return KindUpstreamUnavailable
}

// classifyNarration additionally maps engine rejections to protocol errors
// so they are not retried.
func classifyNarration(ctx context.Context, err error) Kind {
	if errors.Is(err, narration.ErrBadRequest) {
		return KindUpstreamProtocol
	}
	return classifyUpstream(ctx, err)
}

// NarrationHandler runs delegated narration jobs on the llm queue.
type NarrationHandler struct {
	narrator Narrator
	logger   *slog.Logger
}

// NewNarrationHandler creates the llm queue handler.
func NewNarrationHandler(narrator Narrator, logger *slog.Logger) *NarrationHandler {
	return &NarrationHandler{narrator: narrator, logger: logger}
}

// Handle implements Handler.
func (h *NarrationHandler) Handle(ctx context.Context, job *storage.Job) (any, error) {
	var payload NarrationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, NewStageError(KindInternal, "decode", err)
	}

	items, err := h.narrator.Generate(ctx, payload.Language, payload.PlannedIDs, payload.Along, payload.Refs)
	if err != nil {
		return nil, NewStageError(classifyNarration(ctx, err), "narration", err)
	}
	return NarrationResult{Items: items}, nil
}
