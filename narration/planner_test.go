package narration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tourkit/navpack/plan"
)

type fakeDescriber struct {
	gotReq DescribeRequest
	items  []DescribeItem
	err    error
	echo   bool
}

func (f *fakeDescriber) Describe(_ context.Context, req DescribeRequest) ([]DescribeItem, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.echo {
		out := make([]DescribeItem, 0, len(req.Spots))
		for _, s := range req.Spots {
			out = append(out, DescribeItem{SpotID: s.SpotID, Variant: s.Variant, Text: "about " + s.SpotID})
		}
		return out, nil
	}
	return f.items, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlanner_VariantPlan(t *testing.T) {
	f := &fakeDescriber{echo: true}
	p := NewPlanner(f, testLogger())

	planned := []string{"spot_a", "spot_b", "spot_c"}
	along := []plan.AlongPOI{
		{SpotID: "along_1"},
		{SpotID: "along_2"},
		{SpotID: "spot_b"}, // already planned, must not duplicate
	}

	items, err := p.Generate(context.Background(), "ja", planned, along, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// 5 unique spots get a base narration, 3 planned spots get 4 variants.
	want := 5 + 3*4
	if len(items) != want {
		t.Fatalf("expected %d items, got %d", want, len(items))
	}

	counts := make(map[plan.AssetKey]int)
	for _, it := range items {
		counts[it.Key()]++
	}
	for _, id := range planned {
		if counts[plan.AssetKey{SpotID: id, Variant: plan.VariantBase}] != 1 {
			t.Errorf("planned %s missing base", id)
		}
		for _, v := range plan.SituationalVariants {
			if counts[plan.AssetKey{SpotID: id, Variant: v}] != 1 {
				t.Errorf("planned %s missing variant %s", id, v)
			}
		}
	}
	for _, id := range []string{"along_1", "along_2"} {
		if counts[plan.AssetKey{SpotID: id, Variant: plan.VariantBase}] != 1 {
			t.Errorf("along %s missing base", id)
		}
		if counts[plan.AssetKey{SpotID: id, Variant: plan.VariantWeather1}] != 0 {
			t.Errorf("along %s must not get situational variants", id)
		}
	}
}

func TestPlanner_FirstSeenOrder(t *testing.T) {
	f := &fakeDescriber{echo: true}
	p := NewPlanner(f, testLogger())

	_, err := p.Generate(context.Background(), "en",
		[]string{"b", "a", "b"},
		[]plan.AlongPOI{{SpotID: "c"}, {SpotID: "a"}},
		nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var baseOrder []string
	for _, s := range f.gotReq.Spots {
		if s.Variant == plan.VariantBase {
			baseOrder = append(baseOrder, s.SpotID)
		}
	}
	want := []string{"b", "a", "c"}
	if len(baseOrder) != len(want) {
		t.Fatalf("base order = %v, want %v", baseOrder, want)
	}
	for i := range want {
		if baseOrder[i] != want[i] {
			t.Fatalf("base order = %v, want %v", baseOrder, want)
		}
	}
}

func TestPlanner_RefsAttached(t *testing.T) {
	f := &fakeDescriber{echo: true}
	p := NewPlanner(f, testLogger())

	refs := map[string]plan.SpotRef{
		"spot_a": {SpotID: "spot_a", Name: "The Falls", Description: "A waterfall.", MDSlug: "falls"},
	}
	_, err := p.Generate(context.Background(), "en", []string{"spot_a"}, nil, refs)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if f.gotReq.Language != "en" {
		t.Errorf("language = %q", f.gotReq.Language)
	}
	if f.gotReq.Spots[0].Name != "The Falls" || f.gotReq.Spots[0].MDSlug != "falls" {
		t.Errorf("spot ref not attached: %+v", f.gotReq.Spots[0])
	}
}

func TestPlanner_MissingItemsFilledEmpty(t *testing.T) {
	f := &fakeDescriber{items: []DescribeItem{
		{SpotID: "spot_a", Variant: plan.VariantBase, Text: "hello"},
	}}
	p := NewPlanner(f, testLogger())

	items, err := p.Generate(context.Background(), "ja", []string{"spot_a"}, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	byKey := make(map[plan.AssetKey]string)
	for _, it := range items {
		byKey[it.Key()] = it.Text
	}
	if byKey[plan.AssetKey{SpotID: "spot_a", Variant: plan.VariantBase}] != "hello" {
		t.Error("answered item lost its text")
	}
	if byKey[plan.AssetKey{SpotID: "spot_a", Variant: plan.VariantWeather2}] != "" {
		t.Error("missing item must have empty text")
	}
}

func TestPlanner_EmptyVariantTreatedAsBase(t *testing.T) {
	f := &fakeDescriber{items: []DescribeItem{
		{SpotID: "spot_a", Variant: "", Text: "base text"},
	}}
	p := NewPlanner(f, testLogger())

	items, err := p.Generate(context.Background(), "ja", []string{"spot_a"}, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, it := range items {
		if it.Variant == plan.VariantBase && it.Text != "base text" {
			t.Errorf("empty variant should join as base, got %q", it.Text)
		}
	}
}

func TestPlanner_EngineError(t *testing.T) {
	f := &fakeDescriber{err: errors.New("engine down")}
	p := NewPlanner(f, testLogger())

	_, err := p.Generate(context.Background(), "ja", []string{"spot_a"}, nil, nil)
	if err == nil {
		t.Fatal("expected engine error to surface")
	}
}

func TestPlanner_NoSpots(t *testing.T) {
	f := &fakeDescriber{}
	p := NewPlanner(f, testLogger())

	items, err := p.Generate(context.Background(), "ja", nil, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if items != nil {
		t.Errorf("expected no items, got %v", items)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  hello  ", "hello"},
		{"think block stripped", "<think>reasoning here</think>The falls are tall.", "The falls are tall."},
		{"multiline think", "<think>line1\nline2</think>\n\nGuide text.", "Guide text."},
		{"two blocks", "<think>a</think>mid<think>b</think> end", "mid end"},
		{"no think", "clean already", "clean already"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.in); got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
