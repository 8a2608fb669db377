package alongpoi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tourkit/navpack/geo"
	"github.com/tourkit/navpack/plan"
)

// ServiceFinder queries a standalone corridor-POI HTTP service instead of
// the spatial store. Selected when a POI service base URL is configured;
// deployments without a local PostGIS run this way.
type ServiceFinder struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewServiceFinder creates a finder that POSTs corridor requests to the
// given service base URL.
func NewServiceFinder(baseURL string, logger *slog.Logger) *ServiceFinder {
	return &ServiceFinder{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type alongRequest struct {
	Polyline plan.Polyline      `json:"polyline"`
	Segments []plan.Segment     `json:"segments"`
	Buffer   map[string]float64 `json:"buffer"`
}

type alongResponse struct {
	POIs  []serviceHit `json:"pois"`
	Count int          `json:"count"`
}

type serviceHit struct {
	SpotID            string  `json:"spot_id"`
	Name              string  `json:"name"`
	Lon               float64 `json:"lon"`
	Lat               float64 `json:"lat"`
	Kind              string  `json:"kind"`
	DistanceM         float64 `json:"distance_m"`
	SourceSegmentMode string  `json:"source_segment_mode"`
}

// Find implements the same contract as Finder.Find over HTTP. The lang
// argument is unused; the service returns names in its own default locale.
func (s *ServiceFinder) Find(ctx context.Context, polyline plan.Polyline, segments []plan.Segment, buf plan.Buffer, _ string, excluded map[string]bool) ([]plan.AlongPOI, error) {
	if len(polyline) < 2 {
		return nil, nil
	}

	payload, err := json.Marshal(alongRequest{
		Polyline: polyline,
		Segments: segments,
		Buffer:   map[string]float64{"car": buf.CarM, "foot": buf.FootM},
	})
	if err != nil {
		return nil, fmt.Errorf("encode corridor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/along", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build corridor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("corridor service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("corridor service returned status %d", resp.StatusCode)
	}

	var parsed alongResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode corridor response: %w", err)
	}

	seen := make(map[string]bool)
	var out []plan.AlongPOI
	for _, h := range parsed.POIs {
		if h.SpotID == "" || excluded[h.SpotID] || seen[h.SpotID] {
			continue
		}
		seen[h.SpotID] = true
		idx, _ := geo.NearestVertex(polyline, h.Lon, h.Lat)
		if idx < 0 {
			idx = 0
		}
		mode := plan.Mode(h.SourceSegmentMode)
		if mode == "" {
			mode = plan.ModeCar
		}
		out = append(out, plan.AlongPOI{
			SpotID:            h.SpotID,
			Name:              h.Name,
			Lon:               h.Lon,
			Lat:               h.Lat,
			Kind:              plan.POIKind(h.Kind),
			NearestIdx:        idx,
			DistanceM:         h.DistanceM,
			SourceSegmentMode: mode,
		})
	}
	return out, nil
}
