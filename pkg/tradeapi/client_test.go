package tradeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbilhub/docpipe/internal/resilience"
)

func newTestClient(baseURL string) Client {
	return NewClient("test-token",
		WithBaseURL(baseURL),
		WithBackoffBase(time.Millisecond),
		WithRateLimit(1000, 1000),
	)
}

func TestGetMe_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/me", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{"username": "hub-bot"})
	}))
	defer srv.Close()

	me, err := newTestClient(srv.URL).GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hub-bot", me["username"])
}

func TestListOrders_Filters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))

		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "ord-1"}, {"id": "ord-2"},
		})
	}))
	defer srv.Close()

	orders, err := newTestClient(srv.URL).ListOrders(context.Background(), map[string]string{"status": "open"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord-1", orders[0]["id"])
}

func TestCreateOrder_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/orders", r.URL.Path)

		var order map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, "sales_order", order["type"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "ord-9", "type": "sales_order"})
	}))
	defer srv.Close()

	created, err := newTestClient(srv.URL).CreateOrder(context.Background(), map[string]any{"type": "sales_order"})
	require.NoError(t, err)
	assert.Equal(t, "ord-9", created["id"])
}

func TestUpdateOrder_UsesPatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/orders/ord-3", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{"id": "ord-3", "status": "confirmed"})
	}))
	defer srv.Close()

	updated, err := newTestClient(srv.URL).UpdateOrder(context.Background(), "ord-3", map[string]any{"status": "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, "confirmed", updated["status"])
}

func TestRequest_ValidationErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"missing buyer"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateOrder(context.Background(), map[string]any{})
	require.Error(t, err)

	se := resilience.AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, resilience.KindClient, se.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Body, "missing buyer")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequest_ServerErrorRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"username": "hub-bot"})
	}))
	defer srv.Close()

	me, err := newTestClient(srv.URL).GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hub-bot", me["username"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequest_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetMe(context.Background())
	require.Error(t, err)

	se := resilience.AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, resilience.KindServer, se.Kind)
	assert.Equal(t, int32(3), calls.Load(), "attempt budget is 3")
}

func TestRequest_ConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL).GetMe(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsConnectionError(err))
}

func TestFlipContractDirection(t *testing.T) {
	t.Parallel()

	contract := map[string]any{
		"id":               "ctr-7",
		"contract_number":  "PC-2026-041",
		"buyer":            map[string]any{"code": "GLOBEX"},
		"seller":           map[string]any{"code": "ACME"},
		"items":            []any{map[string]any{"product": "wheat", "qty": 40}},
		"delivery_address": map[string]any{"city": "Rotterdam"},
		"delivery_date":    "2026-10-01",
		"payment_terms":    "NET30",
	}

	flipped := FlipContractDirection(contract)

	assert.Equal(t, "sales_order", flipped["type"])
	assert.Equal(t, "ctr-7", flipped["external_reference"])
	assert.Equal(t, contract["seller"], flipped["buyer"], "buyer and seller swap sides")
	assert.Equal(t, contract["buyer"], flipped["seller"])
	assert.Equal(t, contract["items"], flipped["items"])
	assert.Contains(t, flipped["notes"], "PC-2026-041")
}

func TestFlipContractDirection_MissingContractNumber(t *testing.T) {
	t.Parallel()

	flipped := FlipContractDirection(map[string]any{"id": "ctr-8"})
	assert.Contains(t, flipped["notes"], "N/A")
}
