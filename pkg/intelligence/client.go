// Package intelligence provides a client for the document intelligence
// service: schema extraction, entity resolution, active-learning feedback,
// and health checks. Every call carries retry, backoff, and rate-limit
// handling; the client tracks service health with a cached verdict so bursts
// of documents do not trigger health-check storms.
package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/resilience"
)

// ServiceName is the user-facing name used in notifications and logs.
const ServiceName = "Intelligence Service"

// Per-operation timeouts. Resolution is the slowest operation because it
// fans out to the matching models.
const (
	extractTimeout  = 30 * time.Second
	resolveTimeout  = 60 * time.Second
	feedbackTimeout = 10 * time.Second
	healthTimeout   = 5 * time.Second
)

// Client defines the intelligence service operations.
type Client interface {
	// ExtractSchema runs stage-1 extraction over the raw document payload.
	ExtractSchema(ctx context.Context, rawData map[string]any) (map[string]any, error)
	// ResolveEntities runs stage-2 resolution of extracted entities against
	// the counterpart tenant's records.
	ResolveEntities(ctx context.Context, extractedData map[string]any, sourceTenantCode, targetTenantCode string) (*ResolutionResult, error)
	// SubmitFeedback forwards a human correction for model retraining.
	SubmitFeedback(ctx context.Context, fb model.Feedback) error
	// IsHealthy returns the service health, probing over the wire only when
	// the cached verdict is stale.
	IsHealthy(ctx context.Context) bool
}

// ResolutionResult is the stage-2 output.
type ResolutionResult struct {
	MappedData       map[string]any `json:"mappedData"`
	ConfidenceScores map[string]any `json:"confidenceScores"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Option configures the intelligence client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithBackoffBase overrides the base retry delay (for testing).
func WithBackoffBase(d time.Duration) Option {
	return func(c *httpClient) {
		c.backoffBase = d
	}
}

// WithRateLimitWaitCap bounds how long the client sleeps on a 429 reset.
func WithRateLimitWaitCap(d time.Duration) Option {
	return func(c *httpClient) {
		c.rateLimitCap = d
	}
}

type httpClient struct {
	baseURL      string
	http         *http.Client
	backoffBase  time.Duration
	rateLimitCap time.Duration
	health       *resilience.HealthTracker
}

// NewClient creates an intelligence service client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL:      baseURL,
		backoffBase:  1 * time.Second,
		rateLimitCap: 60 * time.Second,
		health:       resilience.NewHealthTracker(resilience.DefaultHealthWindow),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ExtractSchema(ctx context.Context, rawData map[string]any) (map[string]any, error) {
	body, err := c.post(ctx, "schema_extraction", "/api/extract-schema",
		map[string]any{"rawData": rawData}, extractTimeout)
	if err != nil {
		return nil, err
	}

	var schema map[string]any
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, eris.Wrap(err, "intelligence: unmarshal extraction response")
	}
	return schema, nil
}

func (c *httpClient) ResolveEntities(ctx context.Context, extractedData map[string]any, sourceTenantCode, targetTenantCode string) (*ResolutionResult, error) {
	body, err := c.post(ctx, "entity_resolution", "/api/resolve-entities", map[string]any{
		"extractedData":    extractedData,
		"sourceTenantCode": sourceTenantCode,
		"targetTenantCode": targetTenantCode,
	}, resolveTimeout)
	if err != nil {
		return nil, err
	}

	var result ResolutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "intelligence: unmarshal resolution response")
	}
	return &result, nil
}

func (c *httpClient) SubmitFeedback(ctx context.Context, fb model.Feedback) error {
	_, err := c.post(ctx, "feedback", "/api/feedback", fb, feedbackTimeout)
	return err
}

// IsHealthy returns the cached verdict when it is younger than the health
// window; otherwise it performs a live health-check request.
func (c *httpClient) IsHealthy(ctx context.Context) bool {
	if healthy, fresh := c.health.Verdict(); fresh {
		return healthy
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.health.MarkUnhealthy()
		return false
	}
	defer resp.Body.Close()

	var hr healthResponse
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&hr) != nil || hr.Status != "healthy" {
		c.health.MarkUnhealthy()
		return false
	}

	c.health.MarkHealthy()
	return true
}

// maxAttempts is the total attempt budget per logical call, shared across
// connection failures, 429 waits, and 5xx retries.
const maxAttempts = 3

func (c *httpClient) post(ctx context.Context, op, path string, payload any, timeout time.Duration) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "intelligence: marshal %s payload", op)
	}

	log := zap.L().With(
		zap.String("service", "intelligence"),
		zap.String("op", op),
		zap.String("endpoint", path),
	)

	var lastErr *resilience.ServiceError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, se, resetHeader := c.attempt(ctx, path, raw, timeout)
		if se == nil {
			c.health.MarkHealthy()
			log.Info("intelligence request succeeded",
				zap.String("method", http.MethodPost),
				zap.Int("attempt", attempt+1),
			)
			return body, nil
		}

		lastErr = se
		se.Op = op

		log.Warn("intelligence request failed",
			zap.String("method", http.MethodPost),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(se.Kind)),
			zap.Int("status", se.StatusCode),
			zap.Error(se.Err),
		)

		if se.Kind == resilience.KindConnection {
			c.health.MarkUnhealthy()
		}

		if ctx.Err() != nil || !se.Retryable() || attempt == maxAttempts-1 {
			break
		}

		var delay time.Duration
		switch se.Kind {
		case resilience.KindRateLimited:
			delay = rateLimitWait(resetHeader, time.Now(), c.rateLimitCap)
		default:
			// Linear backoff: base × (attempt index + 1).
			delay = c.backoffBase * time.Duration(attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// attempt performs one HTTP round trip and classifies the outcome. For 429
// responses the raw rate-limit reset header is returned alongside the error.
func (c *httpClient) attempt(ctx context.Context, path string, payload []byte, timeout time.Duration) ([]byte, *resilience.ServiceError, string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &resilience.ServiceError{
			Service: "intelligence",
			Kind:    resilience.KindClient,
			Err:     err,
		}, ""
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// No response received: timeouts, DNS failures, and resets are all
		// connection failures, as is anything else out of the transport.
		return nil, &resilience.ServiceError{
			Service: "intelligence",
			Kind:    resilience.KindConnection,
			Err:     err,
		}, ""
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &resilience.ServiceError{
			Service: "intelligence",
			Kind:    resilience.KindConnection,
			Err:     eris.Wrap(readErr, "read response body"),
		}, ""
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return body, nil, ""
	}

	return nil, &resilience.ServiceError{
		Service:    "intelligence",
		Kind:       resilience.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}, resp.Header.Get("X-RateLimit-Reset")
}

// rateLimitWait computes how long to sleep before retrying a rate-limited
// call. The reset header holds a Unix timestamp; the wait is at least until
// that time, bounded by cap. A missing or malformed header falls back to 1s.
func rateLimitWait(resetHeader string, now time.Time, waitCap time.Duration) time.Duration {
	reset, err := strconv.ParseInt(resetHeader, 10, 64)
	if err != nil || reset <= 0 {
		return 1 * time.Second
	}

	wait := time.Unix(reset, 0).Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > waitCap {
		wait = waitCap
	}
	return wait
}
