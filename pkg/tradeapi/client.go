// Package tradeapi provides a client for the Qbil Trade partner API:
// contracts, orders, addresses, and delivery conditions. Calls share the
// retry and rate-limit discipline used for the intelligence service, plus a
// client-side limiter so bulk exports stay inside the partner's quota.
package tradeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qbilhub/docpipe/internal/resilience"
)

// ServiceName is the user-facing name used in notifications and logs.
const ServiceName = "Trade API"

const defaultTimeout = 30 * time.Second

// Client defines the trade partner API operations.
type Client interface {
	// GetMe returns the authenticated API user's profile.
	GetMe(ctx context.Context) (map[string]any, error)
	// ListContracts lists contracts, optionally filtered.
	ListContracts(ctx context.Context, filters map[string]string) ([]map[string]any, error)
	// GetContract fetches a single contract.
	GetContract(ctx context.Context, contractID string) (map[string]any, error)
	// ListOrders lists orders, optionally filtered.
	ListOrders(ctx context.Context, filters map[string]string) ([]map[string]any, error)
	// GetOrder fetches a single order.
	GetOrder(ctx context.Context, orderID string) (map[string]any, error)
	// CreateOrder creates a new order at the counterpart.
	CreateOrder(ctx context.Context, order map[string]any) (map[string]any, error)
	// UpdateOrder patches an existing order.
	UpdateOrder(ctx context.Context, orderID string, order map[string]any) (map[string]any, error)
	// ListAddresses lists addresses, optionally filtered.
	ListAddresses(ctx context.Context, filters map[string]string) ([]map[string]any, error)
	// GetAddress fetches a single address.
	GetAddress(ctx context.Context, addressID string) (map[string]any, error)
	// ListDeliveryConditions lists the configured delivery conditions.
	ListDeliveryConditions(ctx context.Context) ([]map[string]any, error)
}

// Option configures the trade API client.
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

// WithRateLimit sets the client-side request rate and burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	apiToken     string
	baseURL      string
	http         *http.Client
	backoffBase  time.Duration
	rateLimitCap time.Duration
	limiter      *rate.Limiter
}

// NewClient creates a trade API client authenticated with the given token.
func NewClient(apiToken string, opts ...Option) Client {
	c := &httpClient{
		apiToken:     apiToken,
		baseURL:      "https://api.qbiltrade.com",
		backoffBase:  1 * time.Second,
		rateLimitCap: 60 * time.Second,
		limiter:      rate.NewLimiter(10, 10),
		http: &http.Client{
			Timeout: defaultTimeout,
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

func (c *httpClient) GetMe(ctx context.Context) (map[string]any, error) {
	return c.requestObject(ctx, "me", http.MethodGet, "/api/v1/me", nil)
}

func (c *httpClient) ListContracts(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	return c.requestList(ctx, "list_contracts", "/api/v1/contracts"+queryParams(filters))
}

func (c *httpClient) GetContract(ctx context.Context, contractID string) (map[string]any, error) {
	return c.requestObject(ctx, "get_contract", http.MethodGet, "/api/v1/contracts/"+url.PathEscape(contractID), nil)
}

func (c *httpClient) ListOrders(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	return c.requestList(ctx, "list_orders", "/api/v1/orders"+queryParams(filters))
}

func (c *httpClient) GetOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.requestObject(ctx, "get_order", http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil)
}

func (c *httpClient) CreateOrder(ctx context.Context, order map[string]any) (map[string]any, error) {
	return c.requestObject(ctx, "create_order", http.MethodPost, "/api/v1/orders", order)
}

func (c *httpClient) UpdateOrder(ctx context.Context, orderID string, order map[string]any) (map[string]any, error) {
	return c.requestObject(ctx, "update_order", http.MethodPatch, "/api/v1/orders/"+url.PathEscape(orderID), order)
}

func (c *httpClient) ListAddresses(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	return c.requestList(ctx, "list_addresses", "/api/v1/addresses"+queryParams(filters))
}

func (c *httpClient) GetAddress(ctx context.Context, addressID string) (map[string]any, error) {
	return c.requestObject(ctx, "get_address", http.MethodGet, "/api/v1/addresses/"+url.PathEscape(addressID), nil)
}

func (c *httpClient) ListDeliveryConditions(ctx context.Context) ([]map[string]any, error) {
	return c.requestList(ctx, "list_delivery_conditions", "/api/v1/delivery-conditions")
}

func (c *httpClient) requestObject(ctx context.Context, op, method, path string, payload any) (map[string]any, error) {
	body, err := c.request(ctx, op, method, path, payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, eris.Wrapf(err, "tradeapi: unmarshal %s response", op)
	}
	return obj, nil
}

func (c *httpClient) requestList(ctx context.Context, op, path string) ([]map[string]any, error) {
	body, err := c.request(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, eris.Wrapf(err, "tradeapi: unmarshal %s response", op)
	}
	return list, nil
}

const maxAttempts = 3

// request performs an authenticated call with the shared retry discipline:
// connection failures and 5xx retry with growing backoff, 429 waits for the
// advertised reset, 4xx fails immediately with a typed error.
func (c *httpClient) request(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "tradeapi: marshal %s payload", op)
		}
	}

	log := zap.L().With(
		zap.String("service", "tradeapi"),
		zap.String("op", op),
		zap.String("endpoint", path),
	)

	var lastErr *resilience.ServiceError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "tradeapi: rate limiter wait")
		}

		body, se, headers := c.attempt(ctx, method, path, raw)
		if se == nil {
			c.observeQuota(headers, log)
			log.Info("trade api request succeeded",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
			)
			return body, nil
		}

		lastErr = se
		se.Op = op

		log.Warn("trade api request failed",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(se.Kind)),
			zap.Int("status", se.StatusCode),
			zap.Error(se.Err),
		)

		if ctx.Err() != nil || !se.Retryable() || attempt == maxAttempts-1 {
			break
		}

		var delay time.Duration
		if se.Kind == resilience.KindRateLimited {
			delay = resetWait(headers.Get("X-RateLimit-Reset"), time.Now(), c.rateLimitCap)
		} else {
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

func (c *httpClient) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, *resilience.ServiceError, http.Header) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &resilience.ServiceError{Service: "tradeapi", Kind: resilience.KindClient, Err: err}, nil
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &resilience.ServiceError{Service: "tradeapi", Kind: resilience.KindConnection, Err: err}, nil
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &resilience.ServiceError{
			Service: "tradeapi",
			Kind:    resilience.KindConnection,
			Err:     eris.Wrap(readErr, "read response body"),
		}, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil, resp.Header
	}

	return nil, &resilience.ServiceError{
		Service:    "tradeapi",
		Kind:       resilience.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}, resp.Header
}

// observeQuota logs a warning when the partner's remaining quota runs low so
// operators can see throttling coming before 429s start.
func (c *httpClient) observeQuota(headers http.Header, log *zap.Logger) {
	remaining, err := strconv.Atoi(headers.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	if remaining < 5 {
		log.Warn("approaching trade api rate limit",
			zap.Int("remaining", remaining),
			zap.String("window", headers.Get("X-RateLimit-Window")),
		)
	}
}

// resetWait mirrors the intelligence client's 429 handling: sleep until the
// advertised reset time, bounded by cap.
func resetWait(resetHeader string, now time.Time, waitCap time.Duration) time.Duration {
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

func queryParams(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	return "?" + q.Encode()
}
