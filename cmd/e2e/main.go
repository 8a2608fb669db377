// Package main provides the e2e test runner CLI. It drives a running
// navpack facade from the outside: submits a plan, follows the poll
// protocol to a terminal state, and checks the finished pack.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		baseURL    string
		spotIDs    []string
		language   string
		originLat  float64
		originLon  float64
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run navpack e2e tests",
		Long: `Run end-to-end tests against a running navpack facade.

Available scenarios:
  plan   - Submit a plan, poll to completion, verify the pack
  route  - Synchronous route-only computation
  all    - Run all scenarios (default)

Examples:
  e2e                               # Run all scenarios
  e2e plan                          # Run specific scenario
  e2e --base http://host:8080       # Custom facade URL
  e2e --spot spot_a --spot spot_b   # Custom waypoints
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarioName := "all"
			if len(args) > 0 {
				scenarioName = args[0]
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := &driver{
				baseURL:  strings.TrimRight(baseURL, "/"),
				language: language,
				origin:   [2]float64{originLat, originLon},
				spotIDs:  spotIDs,
				httpc:    &http.Client{Timeout: 30 * time.Second},
			}
			return run(ctx, d, scenarioName, outputJSON)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base", "http://localhost:8080", "Facade base URL")
	cmd.Flags().StringArrayVar(&spotIDs, "spot", []string{"spot_a"}, "Waypoint spot ids")
	cmd.Flags().StringVar(&language, "language", "ja", "Plan language")
	cmd.Flags().Float64Var(&originLat, "origin-lat", 35.0, "Origin latitude")
	cmd.Flags().Float64Var(&originLon, "origin-lon", 135.0, "Origin longitude")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Global timeout")

	return cmd
}

type driver struct {
	baseURL  string
	language string
	origin   [2]float64
	spotIDs  []string
	httpc    *http.Client
}

type result struct {
	Scenario string        `json:"scenario"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func run(ctx context.Context, d *driver, scenarioName string, outputJSON bool) error {
	scenarios := map[string]func(context.Context) error{
		"plan":  d.runPlan,
		"route": d.runRoute,
	}
	order := []string{"plan", "route"}

	var toRun []string
	if scenarioName == "all" {
		toRun = order
	} else {
		if _, ok := scenarios[scenarioName]; !ok {
			return fmt.Errorf("unknown scenario: %s", scenarioName)
		}
		toRun = []string{scenarioName}
	}

	results := make([]result, 0, len(toRun))
	allPassed := true
	for _, name := range toRun {
		if ctx.Err() != nil {
			break
		}
		started := time.Now()
		err := scenarios[name](ctx)
		r := result{Scenario: name, Success: err == nil, Duration: time.Since(started)}
		if err != nil {
			r.Error = err.Error()
			allPassed = false
		}
		results = append(results, r)
		if !outputJSON {
			status := "✓ PASSED"
			if err != nil {
				status = "✗ FAILED"
			}
			fmt.Printf("  %s  %s (%dms)\n", status, name, r.Duration.Milliseconds())
			if err != nil {
				fmt.Printf("           %v\n", err)
			}
		}
	}

	if outputJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}

	if !allPassed {
		return fmt.Errorf("some scenarios failed")
	}
	return nil
}

func (d *driver) planRequest() map[string]any {
	waypoints := make([]map[string]string, 0, len(d.spotIDs))
	for _, id := range d.spotIDs {
		waypoints = append(waypoints, map[string]string{"spot_id": id})
	}
	return map[string]any{
		"language":  d.language,
		"origin":    map[string]float64{"lat": d.origin[0], "lon": d.origin[1]},
		"waypoints": waypoints,
	}
}

// runPlan exercises the full submit/poll protocol: 202 with a Location,
// 202 ready:false while working, then a stable 200 with the pack.
func (d *driver) runPlan(ctx context.Context) error {
	status, headers, body, err := d.post(ctx, "/nav/plan", d.planRequest())
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("submit: status %d, want 202: %s", status, body)
	}
	location := headers.Get("Location")
	if location == "" {
		return fmt.Errorf("submit: missing Location header")
	}

	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if accepted.Status != "accepted" || accepted.TaskID == "" {
		return fmt.Errorf("submit: unexpected body %s", body)
	}

	var final []byte
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("poll: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}

		status, _, body, err := d.get(ctx, location)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusAccepted:
			continue
		case http.StatusOK:
			final = body
		default:
			return fmt.Errorf("poll: job failed with status %d: %s", status, body)
		}
		break
	}

	var resp struct {
		PackID      string `json:"pack_id"`
		ManifestURL string `json:"manifest_url"`
		Assets      []any  `json:"assets"`
	}
	if err := json.Unmarshal(final, &resp); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	if resp.PackID == "" || resp.ManifestURL == "" {
		return fmt.Errorf("result: incomplete response %s", final)
	}
	if len(resp.Assets) == 0 {
		return fmt.Errorf("result: no assets in pack %s", resp.PackID)
	}

	// The result must be stable across polls.
	status, _, again, err := d.get(ctx, location)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !bytes.Equal(final, again) {
		return fmt.Errorf("repoll: result not stable")
	}

	// The manifest must be served.
	status, _, _, err = d.get(ctx, resp.ManifestURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("manifest: status %d at %s", status, resp.ManifestURL)
	}
	return nil
}

func (d *driver) runRoute(ctx context.Context) error {
	status, _, body, err := d.post(ctx, "/nav/route", d.planRequest())
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("route: status %d: %s", status, body)
	}

	var resp struct {
		Polyline [][]float64 `json:"polyline"`
		Legs     []any       `json:"legs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	if len(resp.Polyline) < 2 || len(resp.Legs) == 0 {
		return fmt.Errorf("route: degenerate result %s", body)
	}
	return nil
}

func (d *driver) post(ctx context.Context, path string, payload any) (int, http.Header, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

func (d *driver) get(ctx context.Context, path string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	return d.do(req)
}

func (d *driver) do(req *http.Request) (int, http.Header, []byte, error) {
	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}
