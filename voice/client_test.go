package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tourkit/navpack/plan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func narrationItems(n int) []plan.NarrationItem {
	items := make([]plan.NarrationItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, plan.NarrationItem{
			SpotID:  "spot_" + string(rune('a'+i)),
			Variant: plan.VariantBase,
			Text:    "some narration",
		})
	}
	return items
}

func echoHandler(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/synthesize_and_save" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req synthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		resp := synthResponse{PackID: req.PackID, Language: req.Language}
		for _, it := range req.Items {
			resp.Items = append(resp.Items, Result{
				SpotID:      it.SpotID,
				Variant:     it.Variant,
				URL:         "/packs/" + req.PackID + "/" + Filename(it.SpotID, it.Variant, req.Language, plan.FormatMP3),
				SizeBytes:   16000,
				DurationSec: 2.5,
				Format:      plan.FormatMP3,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestClient_SynthesizeBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(echoHandler(t, &calls))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithFanOut(2, 2))
	results, err := c.SynthesizeBatch(context.Background(), "pack-1", "ja", narrationItems(5))
	if err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	// 5 items in sub-batches of 2 means 3 engine calls.
	if calls.Load() != 3 {
		t.Errorf("expected 3 sub-batch calls, got %d", calls.Load())
	}
}

func TestClient_EmptyTextSkipped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(echoHandler(t, &calls))
	defer srv.Close()

	items := []plan.NarrationItem{
		{SpotID: "a", Variant: plan.VariantBase, Text: "hello"},
		{SpotID: "b", Variant: plan.VariantBase, Text: "   "},
		{SpotID: "c", Variant: plan.VariantBase, Text: ""},
	}

	c := NewClient(srv.URL, testLogger())
	results, err := c.SynthesizeBatch(context.Background(), "pack-1", "en", items)
	if err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}
	if len(results) != 1 || results[0].SpotID != "a" {
		t.Errorf("results = %+v", results)
	}
}

func TestClient_AllEmptyNoCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(echoHandler(t, &calls))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	results, err := c.SynthesizeBatch(context.Background(), "pack-1", "en",
		[]plan.NarrationItem{{SpotID: "a", Text: ""}})
	if err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}
	if results != nil || calls.Load() != 0 {
		t.Errorf("expected no engine calls, got %d with %v", calls.Load(), results)
	}
}

func TestClient_PartialFailureTolerated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req synthRequest
		json.NewDecoder(r.Body).Decode(&req)
		if n == 1 {
			http.Error(w, "synth failed", http.StatusInternalServerError)
			return
		}
		resp := synthResponse{}
		for _, it := range req.Items {
			resp.Items = append(resp.Items, Result{SpotID: it.SpotID, Variant: it.Variant, Format: plan.FormatMP3, SizeBytes: 8000})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithFanOut(2, 1))
	results, err := c.SynthesizeBatch(context.Background(), "pack-1", "ja", narrationItems(4))
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected the surviving sub-batch's 2 results, got %d", len(results))
	}
}

func TestClient_TotalFailureErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithFanOut(2, 2))
	_, err := c.SynthesizeBatch(context.Background(), "pack-1", "ja", narrationItems(4))
	if err == nil {
		t.Fatal("expected error when every sub-batch fails")
	}
}

func TestClient_RequestCarriesSynthesisSettings(t *testing.T) {
	var body map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(synthResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithBitrate(96), WithSaveText(true))
	if _, err := c.SynthesizeBatch(context.Background(), "pack-1", "ja", narrationItems(1)); err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}

	// The engine transcodes at the requested bitrate, so it must travel in
	// the request rather than stay a local estimation constant.
	for _, key := range []string{"pack_id", "language", "items", "preferred_format", "bitrate_kbps", "save_text"} {
		if _, ok := body[key]; !ok {
			t.Errorf("request body missing %q", key)
		}
	}
	if string(body["bitrate_kbps"]) != "96" {
		t.Errorf("bitrate_kbps = %s, want 96", body["bitrate_kbps"])
	}
}

func TestClient_DurationBackfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := synthResponse{Items: []Result{
			{SpotID: "a", Variant: plan.VariantBase, Format: plan.FormatMP3, SizeBytes: 80000},
			{SpotID: "b", Variant: plan.VariantBase, Format: plan.FormatWAV, SizeBytes: 80000},
			{SpotID: "c", Variant: plan.VariantBase, Format: plan.FormatMP3, SizeBytes: 80000, DurationSec: 3},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithBitrate(64))
	results, err := c.SynthesizeBatch(context.Background(), "pack-1", "ja", narrationItems(3))
	if err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.SpotID] = r
	}
	// 80000 bytes at 64 kbps is 10 seconds.
	if byID["a"].DurationSec != 10 {
		t.Errorf("mp3 backfill = %v, want 10", byID["a"].DurationSec)
	}
	if byID["b"].DurationSec != 0 {
		t.Errorf("wav without the bytes stays 0, got %v", byID["b"].DurationSec)
	}
	if byID["c"].DurationSec != 3 {
		t.Errorf("reported duration must be kept, got %v", byID["c"].DurationSec)
	}
}
