// Package route talks to the external routing engine and turns its per-pair
// answers into a stitched multi-modal route: legs with mode switching at
// access points, a single concatenated polyline, and mode-tagged segments.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tourkit/navpack/plan"
)

// DefaultTimeout bounds a single routing engine call.
const DefaultTimeout = 30 * time.Second

// Result is one routing engine answer. OK false means the engine responded
// but found no route; transport failures are returned as errors instead so
// the caller can tell "no route" from "engine down".
type Result struct {
	OK        bool
	DistanceM float64
	DurationS float64
	Geometry  plan.Polyline
}

// Client queries an OSRM-compatible routing engine over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a routing client for the given engine base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: DefaultTimeout},
		logger:  logger,
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Type        string      `json:"type"`
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route requests the best route for one (src, dst) pair under the given
// transport mode. The coordinate order on the wire is lon,lat.
func (c *Client) Route(ctx context.Context, mode plan.Mode, src, dst plan.Coord) (*Result, error) {
	url := c.routeURL(mode, src, dst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build route request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read routing engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("routing engine returned non-200",
			"status", resp.StatusCode, "mode", mode)
		return &Result{OK: false}, nil
	}

	var parsed osrmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode routing engine response: %w", err)
	}
	if parsed.Code != "Ok" || len(parsed.Routes) == 0 {
		return &Result{OK: false}, nil
	}

	best := parsed.Routes[0]
	return &Result{
		OK:        true,
		DistanceM: best.Distance,
		DurationS: best.Duration,
		Geometry:  plan.Polyline(best.Geometry.Coordinates),
	}, nil
}

func (c *Client) routeURL(mode plan.Mode, src, dst plan.Coord) string {
	coords := fmtLonLat(src) + ";" + fmtLonLat(dst)
	return fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson&steps=false&alternatives=0",
		c.baseURL, mode, coords)
}

func fmtLonLat(c plan.Coord) string {
	return strconv.FormatFloat(c.Lon, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lat, 'f', -1, 64)
}
