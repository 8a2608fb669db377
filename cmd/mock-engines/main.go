// Package main implements a mock upstream server for local development and
// e2e testing. It stands in for all four engines navpack talks to: an
// OSRM-compatible router, the along-route POI service, the narration engine,
// and the speech engine. Responses are deterministic, so workflow wiring
// can be tested fast, offline, and without GPUs.
//
// Usage:
//
//	mock-engines -port 9100 -packs ./packs
//
// The router answers every pair with a straight-line route. The narration
// engine composes a template sentence per spot and variant. The speech
// engine writes real WAV files with silence under the packs directory, so
// finished packs contain playable audio and honest sizes.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tourkit/navpack/geo"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/voice"
)

const (
	carSpeedMS  = 11.1 // ~40 km/h
	footSpeedMS = 1.33 // ~4.8 km/h

	sampleRate     = 16000
	secondsPerItem = 2
)

type server struct {
	packsRoot string
	calls     atomic.Int64
}

func main() {
	port := flag.Int("port", 9100, "listen port")
	packs := flag.String("packs", "./packs", "packs root for synthesized audio")
	flag.Parse()

	if err := os.MkdirAll(*packs, 0o755); err != nil {
		log.Fatalf("create packs root: %v", err)
	}

	s := &server{packsRoot: *packs}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /route/v1/", s.handleRoute)
	mux.HandleFunc("POST /along", s.handleAlong)
	mux.HandleFunc("POST /describe", s.handleDescribe)
	mux.HandleFunc("POST /synthesize_and_save", s.handleSynthesize)
	mux.HandleFunc("GET /stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock engines listening on %s (packs: %s)", addr, *packs)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// handleRoute answers /route/v1/{profile}/{lon,lat;lon,lat} with a
// straight-line two-point route in OSRM response shape.
func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	rest := strings.TrimPrefix(r.URL.Path, "/route/v1/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	profile, coordPart := parts[0], parts[1]

	coords, err := parseCoords(coordPart)
	if err != nil || len(coords) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"code": "InvalidQuery"})
		return
	}

	src, dst := coords[0], coords[len(coords)-1]
	dist := geo.Haversine(
		plan.Coord{Lon: src[0], Lat: src[1]},
		plan.Coord{Lon: dst[0], Lat: dst[1]},
	)
	speed := carSpeedMS
	if profile == "foot" {
		speed = footSpeedMS
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code": "Ok",
		"routes": []map[string]any{{
			"distance": dist,
			"duration": dist / speed,
			"geometry": map[string]any{
				"type":        "LineString",
				"coordinates": [][]float64{src, dst},
			},
		}},
	})
}

func parseCoords(s string) ([][]float64, error) {
	var out [][]float64
	for _, pair := range strings.Split(s, ";") {
		lonlat := strings.Split(pair, ",")
		if len(lonlat) != 2 {
			return nil, fmt.Errorf("bad pair %q", pair)
		}
		lon, err := strconv.ParseFloat(lonlat[0], 64)
		if err != nil {
			return nil, err
		}
		lat, err := strconv.ParseFloat(lonlat[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, []float64{lon, lat})
	}
	return out, nil
}

// handleAlong returns one deterministic facility near the middle of the
// submitted polyline.
func (s *server) handleAlong(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	var req struct {
		Polyline plan.Polyline `json:"polyline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Polyline) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"pois": []any{}, "count": 0})
		return
	}

	mid := req.Polyline[len(req.Polyline)/2]
	writeJSON(w, http.StatusOK, map[string]any{
		"pois": []map[string]any{{
			"spot_id":             "mock_facility_1",
			"name":                "Roadside Station",
			"lon":                 mid[0],
			"lat":                 mid[1],
			"kind":                "facility",
			"distance_m":          25.0,
			"source_segment_mode": "car",
		}},
		"count": 1,
	})
}

// handleDescribe composes a template narration per (spot, variant).
func (s *server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	var req struct {
		Language string `json:"language"`
		Spots    []struct {
			SpotID  string `json:"spot_id"`
			Name    string `json:"name"`
			Variant string `json:"variant"`
		} `json:"spots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items := make([]map[string]any, 0, len(req.Spots))
	for _, spot := range req.Spots {
		name := spot.Name
		if name == "" {
			name = spot.SpotID
		}
		text := fmt.Sprintf("<think>mock reasoning</think>Welcome to %s.", name)
		if spot.Variant != "" && spot.Variant != "base" {
			text = fmt.Sprintf("Welcome to %s (%s rendition).", name, spot.Variant)
		}
		items = append(items, map[string]any{
			"spot_id": spot.SpotID,
			"variant": spot.Variant,
			"text":    text,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleSynthesize writes a silent WAV file per item under the pack
// directory and reports it the way the real engine would.
func (s *server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	var req struct {
		PackID   string `json:"pack_id"`
		Language string `json:"language"`
		Items    []struct {
			SpotID  string `json:"spot_id"`
			Variant string `json:"variant"`
			Text    string `json:"text"`
		} `json:"items"`
		SaveText bool `json:"save_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PackID == "" {
		http.Error(w, "pack_id required", http.StatusBadRequest)
		return
	}

	dir := filepath.Join(s.packsRoot, req.PackID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(req.Items))
	for _, item := range req.Items {
		name := voice.Filename(item.SpotID, plan.Variant(item.Variant), req.Language, plan.FormatWAV)
		data := silentWAV(secondsPerItem)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := map[string]any{
			"spot_id":      item.SpotID,
			"variant":      item.Variant,
			"url":          "/packs/" + req.PackID + "/" + name,
			"size_bytes":   len(data),
			"duration_sec": float64(secondsPerItem),
			"format":       "wav",
		}
		if req.SaveText {
			textName := voice.TextFilename(item.SpotID, plan.Variant(item.Variant), req.Language)
			if err := os.WriteFile(filepath.Join(dir, textName), []byte(item.Text), 0o644); err == nil {
				out["text_url"] = "/packs/" + req.PackID + "/" + textName
			}
		}
		items = append(items, out)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pack_id":  req.PackID,
		"language": req.Language,
		"items":    items,
	})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": s.calls.Load()})
}

// silentWAV builds a canonical 16-bit mono PCM WAV of the given length.
func silentWAV(seconds int) []byte {
	dataSize := sampleRate * 2 * seconds
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
