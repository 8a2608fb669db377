// Package narration generates guide narration text for spots by calling the
// narration engine, one batch per job, with items keyed by (spot_id, variant)
// so results join without positional assumptions.
package narration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/tourkit/navpack/plan"
)

// maxResponseSize limits the narration response body to prevent memory
// exhaustion on a misbehaving engine.
const maxResponseSize = 10 * 1024 * 1024

// DefaultTimeout bounds one batch generation call. Narration is the slowest
// upstream; a batch can take minutes on a cold model.
const DefaultTimeout = 3 * time.Minute

// RetryConfig holds retry configuration for narration requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per batch.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for narration requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// SpotRequest is one (spot, variant) generation request in a batch.
type SpotRequest struct {
	SpotID      string       `json:"spot_id"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	MDSlug      string       `json:"md_slug,omitempty"`
	Variant     plan.Variant `json:"variant"`
}

// DescribeRequest is the batch request sent to the narration engine.
type DescribeRequest struct {
	Language string        `json:"language"`
	Style    string        `json:"style"`
	Spots    []SpotRequest `json:"spots"`
}

// DescribeItem is one generated narration, echoing its identity key.
type DescribeItem struct {
	SpotID  string       `json:"spot_id"`
	Variant plan.Variant `json:"variant"`
	Text    string       `json:"text"`
}

type describeResponse struct {
	Items []DescribeItem `json:"items"`
}

// ErrBadRequest marks a narration engine rejection that retrying cannot fix.
var ErrBadRequest = errors.New("narration engine rejected request")

// Client calls the narration engine over HTTP with retry.
type Client struct {
	baseURL string
	httpc   *http.Client
	retry   RetryConfig
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpc = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(cl *Client) {
		cl.retry = cfg
	}
}

// NewClient creates a narration client for the given engine base URL.
func NewClient(baseURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: DefaultTimeout},
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe submits one batch and returns the generated items. Transport
// failures and 5xx responses are retried with exponential backoff; a 4xx
// response fails immediately with ErrBadRequest.
func (c *Client) Describe(ctx context.Context, req DescribeRequest) ([]DescribeItem, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode describe request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		items, err := c.describeOnce(ctx, payload)
		if err == nil {
			return items, nil
		}
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}
		lastErr = err

		if attempt < c.retry.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Warn("narration batch failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("narration batch failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) describeOnce(ctx context.Context, payload []byte) ([]DescribeItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/describe", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build describe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("narration engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read narration response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, truncate(body, 256))
	default:
		return nil, fmt.Errorf("narration engine status %d", resp.StatusCode)
	}

	var parsed describeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode narration response: %w", err)
	}
	return parsed.Items, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	// Up to 25% jitter to avoid thundering herds.
	jitter := time.Duration(rand.Float64() * 0.25 * float64(backoff))
	return backoff + jitter
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
