package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/resilience"
)

func TestExtractSchema_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/extract-schema", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			RawData map[string]any `json:"rawData"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PO-1", req.RawData["po_number"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"fields": map[string]any{"po_number": "PO-1", "quantity": 40},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	schema, err := client.ExtractSchema(context.Background(), map[string]any{"po_number": "PO-1"})

	require.NoError(t, err)
	require.Contains(t, schema, "fields")
}

func TestResolveEntities_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/resolve-entities", r.URL.Path)

		var req struct {
			ExtractedData    map[string]any `json:"extractedData"`
			SourceTenantCode string         `json:"sourceTenantCode"`
			TargetTenantCode string         `json:"targetTenantCode"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ACME", req.SourceTenantCode)
		assert.Equal(t, "GLOBEX", req.TargetTenantCode)

		json.NewEncoder(w).Encode(ResolutionResult{
			MappedData:       map[string]any{"product": "wheat"},
			ConfidenceScores: map[string]any{"product": 0.93},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.ResolveEntities(context.Background(),
		map[string]any{"product": "WHEAT-EU"}, "ACME", "GLOBEX")

	require.NoError(t, err)
	assert.Equal(t, "wheat", result.MappedData["product"])
	assert.InDelta(t, 0.93, result.ConfidenceScores["product"], 0.001)
}

func TestSubmitFeedback_AcceptsNoContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/feedback", r.URL.Path)

		var fb model.Feedback
		require.NoError(t, json.NewDecoder(r.Body).Decode(&fb))
		assert.Equal(t, "product_name", fb.SourceField)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.SubmitFeedback(context.Background(), model.Feedback{
		SourceTenantCode: "ACME",
		TargetTenantCode: "GLOBEX",
		SourceField:      "product_name",
		SourceValue:      "WHEAT-EU",
		TargetField:      "product",
		CorrectedValue:   "wheat",
	})

	require.NoError(t, err)
}

func TestPost_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"missing rawData"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackoffBase(time.Millisecond))
	_, err := client.ExtractSchema(context.Background(), map[string]any{})

	require.Error(t, err)
	se := resilience.AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, resilience.KindClient, se.Kind)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "missing rawData")
	assert.Equal(t, "schema_extraction", se.ErrorType())
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestPost_ServerErrorRetriedUpToBudget(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls atomic.Int32
	var gaps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		mu.Lock()
		gaps = append(gaps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackoffBase(20*time.Millisecond))
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})

	require.Error(t, err)
	se := resilience.AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, resilience.KindServer, se.Kind)
	assert.Equal(t, int32(3), calls.Load(), "attempt budget is 3")

	// Backoff is base*(n+1): the second gap must be longer than the first.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gaps, 3)
	first := gaps[1].Sub(gaps[0])
	second := gaps[2].Sub(gaps[1])
	assert.Greater(t, second, first, "backoff delay must strictly increase")
}

func TestPost_ServerErrorThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"fields": map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackoffBase(time.Millisecond))
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPost_RateLimitWaitsForReset(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(1 * time.Second)
	var mu sync.Mutex
	var calls atomic.Int32
	var secondCallAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		mu.Lock()
		secondCallAt = time.Now()
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"fields": map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})

	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	// Unix-second truncation means the earliest legal retry is reset rounded
	// down to the second.
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, secondCallAt.Before(time.Unix(reset.Unix(), 0)),
		"retry must wait at least until the advertised reset time")
}

func TestPost_ConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	client := NewClient(srv.URL, WithBackoffBase(time.Millisecond))
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})

	require.Error(t, err)
	assert.True(t, resilience.IsConnectionError(err))
	se := resilience.AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, "connection", se.ErrorType())
}

func TestPost_TimeoutClassifiedAsConnection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(srv.URL,
		WithBackoffBase(time.Millisecond),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
	)
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})

	require.Error(t, err)
	assert.True(t, resilience.IsConnectionError(err))
}

func TestIsHealthy_CachesVerdict(t *testing.T) {
	t.Parallel()

	var healthCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	for range 10 {
		assert.True(t, client.IsHealthy(context.Background()))
	}
	assert.Equal(t, int32(1), healthCalls.Load(),
		"repeated checks inside the cache window must not hit the wire")
}

func TestIsHealthy_SuccessfulCallRefreshesVerdict(t *testing.T) {
	t.Parallel()

	var healthCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"fields": map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.ExtractSchema(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	assert.True(t, client.IsHealthy(context.Background()))
	assert.Equal(t, int32(0), healthCalls.Load(),
		"a fresh success verdict must be served without a probe")
}

func TestIsHealthy_UnhealthyService(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	assert.False(t, client.IsHealthy(context.Background()))
}

func TestRateLimitWait(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	t.Run("future reset", func(t *testing.T) {
		t.Parallel()
		wait := rateLimitWait("1700000030", now, 60*time.Second)
		assert.Equal(t, 30*time.Second, wait)
	})

	t.Run("past reset", func(t *testing.T) {
		t.Parallel()
		wait := rateLimitWait("1699999990", now, 60*time.Second)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("capped", func(t *testing.T) {
		t.Parallel()
		wait := rateLimitWait("1700009999", now, 60*time.Second)
		assert.Equal(t, 60*time.Second, wait)
	})

	t.Run("malformed header", func(t *testing.T) {
		t.Parallel()
		wait := rateLimitWait("soon", now, 60*time.Second)
		assert.Equal(t, 1*time.Second, wait)
	})

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()
		wait := rateLimitWait("", now, 60*time.Second)
		assert.Equal(t, 1*time.Second, wait)
	})
}
