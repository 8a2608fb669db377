package narration

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tourkit/navpack/plan"
)

// Describer is the batch generation interface, implemented by Client.
type Describer interface {
	Describe(ctx context.Context, req DescribeRequest) ([]DescribeItem, error)
}

// Planner decides which (spot, variant) pairs need narration and turns the
// engine's answers into a complete item set.
type Planner struct {
	client Describer
	logger *slog.Logger
}

// NewPlanner creates a narration planner over the given engine client.
func NewPlanner(client Describer, logger *slog.Logger) *Planner {
	return &Planner{client: client, logger: logger}
}

// thinkRE matches chain-of-thought blocks some models leak into output.
var thinkRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Generate produces narration items covering every required pair: one base
// narration for each unique spot (planned first, then along-route, first
// seen order), plus the four situational variants for planned waypoints
// only. Pairs the engine did not answer come back with empty text so the
// job can proceed.
func (p *Planner) Generate(ctx context.Context, language string, plannedIDs []string, along []plan.AlongPOI, refs map[string]plan.SpotRef) ([]plan.NarrationItem, error) {
	requests := p.buildRequests(plannedIDs, along, refs)
	if len(requests) == 0 {
		return nil, nil
	}

	items, err := p.client.Describe(ctx, DescribeRequest{
		Language: language,
		Style:    "narration",
		Spots:    requests,
	})
	if err != nil {
		return nil, fmt.Errorf("generate narration: %w", err)
	}

	byKey := make(map[plan.AssetKey]string, len(items))
	for _, it := range items {
		key := plan.AssetKey{SpotID: it.SpotID, Variant: plan.NormalizeVariant(string(it.Variant))}
		byKey[key] = CleanText(it.Text)
	}

	out := make([]plan.NarrationItem, 0, len(requests))
	missing := 0
	for _, req := range requests {
		key := plan.AssetKey{SpotID: req.SpotID, Variant: req.Variant}
		text, ok := byKey[key]
		if !ok {
			missing++
		}
		out = append(out, plan.NarrationItem{SpotID: req.SpotID, Variant: req.Variant, Text: text})
	}
	if missing > 0 {
		p.logger.Warn("narration engine returned fewer items than requested",
			"requested", len(requests), "missing", missing)
	}
	return out, nil
}

// buildRequests assembles the batch: base for the planned∪along union in
// first-seen order, then situational variants for planned waypoints.
func (p *Planner) buildRequests(plannedIDs []string, along []plan.AlongPOI, refs map[string]plan.SpotRef) []SpotRequest {
	seen := make(map[string]bool)
	var union []string
	for _, id := range plannedIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			union = append(union, id)
		}
	}
	planned := make(map[string]bool, len(union))
	for _, id := range union {
		planned[id] = true
	}
	for _, poi := range along {
		if poi.SpotID != "" && !seen[poi.SpotID] {
			seen[poi.SpotID] = true
			union = append(union, poi.SpotID)
		}
	}

	var out []SpotRequest
	for _, id := range union {
		out = append(out, p.request(id, plan.VariantBase, refs))
	}
	for _, id := range union {
		if !planned[id] {
			continue
		}
		for _, v := range plan.SituationalVariants {
			out = append(out, p.request(id, v, refs))
		}
	}
	return out
}

func (p *Planner) request(spotID string, variant plan.Variant, refs map[string]plan.SpotRef) SpotRequest {
	req := SpotRequest{SpotID: spotID, Variant: variant}
	if ref, ok := refs[spotID]; ok {
		req.Name = ref.Name
		req.Description = ref.Description
		req.MDSlug = ref.MDSlug
	}
	return req
}

// CleanText strips leaked chain-of-thought blocks and trims whitespace.
func CleanText(s string) string {
	return strings.TrimSpace(thinkRE.ReplaceAllString(s, ""))
}
