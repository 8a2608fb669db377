package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tourkit/navpack/plan"
)

const (
	// DefaultTimeout bounds one synthesis sub-batch. Synthesis is GPU-bound
	// and a cold engine can take minutes.
	DefaultTimeout = 5 * time.Minute

	// DefaultSubBatchSize is how many items go into one engine call.
	DefaultSubBatchSize = 8

	// DefaultMaxConcurrent bounds the sub-batch fan-out.
	DefaultMaxConcurrent = 4

	// DefaultBitrateKbps is assumed for MP3 duration estimation when the
	// engine reports none.
	DefaultBitrateKbps = 64
)

// Result is one synthesized audio artifact, keyed like the narration item
// that produced it.
type Result struct {
	SpotID      string           `json:"spot_id"`
	Variant     plan.Variant     `json:"variant"`
	URL         string           `json:"url"`
	SizeBytes   int64            `json:"size_bytes"`
	DurationSec float64          `json:"duration_sec"`
	Format      plan.AudioFormat `json:"format"`
	TextURL     string           `json:"text_url,omitempty"`
}

// Client submits narration items to the speech engine, which synthesizes
// and persists audio under the pack directory itself.
type Client struct {
	baseURL       string
	httpc         *http.Client
	logger        *slog.Logger
	subBatchSize  int
	maxConcurrent int
	format        plan.AudioFormat
	bitrateKbps   int
	saveText      bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpc = c
	}
}

// WithFormat sets the preferred output format.
func WithFormat(f plan.AudioFormat) ClientOption {
	return func(cl *Client) {
		cl.format = f
	}
}

// WithBitrate sets the MP3 bitrate requested from the engine, also assumed
// when estimating durations the engine left out.
func WithBitrate(kbps int) ClientOption {
	return func(cl *Client) {
		if kbps > 0 {
			cl.bitrateKbps = kbps
		}
	}
}

// WithSaveText asks the engine to write narration text sidecars.
func WithSaveText(save bool) ClientOption {
	return func(cl *Client) {
		cl.saveText = save
	}
}

// WithFanOut tunes the sub-batch size and concurrency bound.
func WithFanOut(subBatchSize, maxConcurrent int) ClientOption {
	return func(cl *Client) {
		if subBatchSize > 0 {
			cl.subBatchSize = subBatchSize
		}
		if maxConcurrent > 0 {
			cl.maxConcurrent = maxConcurrent
		}
	}
}

// NewClient creates a speech engine client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpc:         &http.Client{Timeout: DefaultTimeout},
		logger:        logger,
		subBatchSize:  DefaultSubBatchSize,
		maxConcurrent: DefaultMaxConcurrent,
		format:        plan.FormatMP3,
		bitrateKbps:   DefaultBitrateKbps,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type synthItem struct {
	SpotID  string       `json:"spot_id"`
	Variant plan.Variant `json:"variant"`
	Text    string       `json:"text"`
}

type synthRequest struct {
	PackID          string           `json:"pack_id"`
	Language        string           `json:"language"`
	Items           []synthItem      `json:"items"`
	PreferredFormat plan.AudioFormat `json:"preferred_format"`
	BitrateKbps     int              `json:"bitrate_kbps"`
	SaveText        bool             `json:"save_text"`
}

type synthResponse struct {
	PackID   string   `json:"pack_id"`
	Language string   `json:"language"`
	Items    []Result `json:"items"`
}

// SynthesizeBatch synthesizes audio for every item with non-empty text.
// Items are split into sub-batches fanned out under a concurrency bound;
// a failed sub-batch drops its items and the rest proceed. The error is
// non-nil only when every sub-batch failed, which reads as "engine down"
// rather than partial synthesis.
func (c *Client) SynthesizeBatch(ctx context.Context, packID, lang string, items []plan.NarrationItem) ([]Result, error) {
	var speakable []synthItem
	for _, it := range items {
		if strings.TrimSpace(it.Text) == "" {
			continue
		}
		speakable = append(speakable, synthItem{SpotID: it.SpotID, Variant: it.Variant, Text: it.Text})
	}
	if len(speakable) == 0 {
		return nil, nil
	}

	batches := chunk(speakable, c.subBatchSize)

	var (
		mu      sync.Mutex
		results []Result
		failed  int
	)
	sem := make(chan struct{}, c.maxConcurrent)
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch []synthItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := c.synthesizeOnce(ctx, packID, lang, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				c.logger.Warn("synthesis sub-batch failed",
					"batch", i, "items", len(batch), "error", err)
				return
			}
			results = append(results, res...)
		}(i, batch)
	}
	wg.Wait()

	if failed == len(batches) {
		return nil, fmt.Errorf("speech engine failed all %d sub-batches", failed)
	}

	for i := range results {
		c.backfillDuration(&results[i])
	}
	return results, nil
}

func (c *Client) synthesizeOnce(ctx context.Context, packID, lang string, items []synthItem) ([]Result, error) {
	payload, err := json.Marshal(synthRequest{
		PackID:          packID,
		Language:        lang,
		Items:           items,
		PreferredFormat: c.format,
		BitrateKbps:     c.bitrateKbps,
		SaveText:        c.saveText,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize_and_save", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech engine status %d", resp.StatusCode)
	}

	var parsed synthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	return parsed.Items, nil
}

// backfillDuration fills a missing duration from what we know about the
// format: nothing to compute for WAV without the bytes, but constant-bitrate
// MP3 durations follow from the size.
func (c *Client) backfillDuration(r *Result) {
	if r.DurationSec > 0 {
		return
	}
	if r.Format == plan.FormatMP3 {
		r.DurationSec = EstimateMP3Duration(r.SizeBytes, c.bitrateKbps)
	}
}

func chunk(items []synthItem, size int) [][]synthItem {
	if size <= 0 {
		size = DefaultSubBatchSize
	}
	var out [][]synthItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
