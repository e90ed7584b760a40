package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corepool/yield-engine/internal/api"
	"github.com/corepool/yield-engine/internal/index"
	"github.com/corepool/yield-engine/internal/ingest"
	"github.com/corepool/yield-engine/internal/ledger"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/raymath"
	"github.com/corepool/yield-engine/internal/store"
)

const (
	testUser    = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	testReserve = "0x6b175474e89094c44da98b954eedeac495271d0f"
)

// ray builds num/denom at Ray scale as a base-10 string.
func rayStr(num, denom int64) string {
	v := new(big.Int).Mul(raymath.Ray, big.NewInt(num))
	return v.Quo(v, big.NewInt(denom)).String()
}

// newTestEnv wires the full query + ingestion stack over an in-memory
// store, mirroring the production router layout.
func newTestEnv(t *testing.T) (chi.Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	resolver := index.NewResolver(ms)
	positions := ledger.NewPositionLedger(ms, resolver)
	deposits := ledger.NewDepositAggregator(ms)

	svc := api.NewService(ms, positions, deposits, resolver)
	ih := api.NewIngestHandler(ingest.NewProcessor(ms, resolver, positions, deposits, nil, nil))

	r := chi.NewRouter()
	r.Post("/api/v1/events", ih.HandleChainEvent)
	r.Get("/api/v1/users/{address}/positions", svc.GetUserPositions)
	r.Get("/api/v1/users/{address}/positions/{asset}", svc.GetUserPosition)
	r.Get("/api/v1/users/{address}/deposits", svc.GetUserDeposits)
	r.Get("/api/v1/users/{address}/events", svc.GetUserEvents)
	r.Get("/api/v1/reserves/{reserve}/index", svc.GetReserveIndex)
	r.Get("/api/v1/reserves/{reserve}/checkpoints", svc.GetReserveCheckpoints)
	r.Get("/api/v1/reserves/{reserve}/events", svc.GetReserveEvents)
	return r, ms
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// postEvent sends one chain event and requires it to be accepted.
func postEvent(t *testing.T, r chi.Router, ev map[string]any) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/events", ev)
	if w.Code != http.StatusAccepted {
		t.Fatalf("event rejected: %d %s", w.Code, w.Body.String())
	}
}

func TestGetUserPositions_InvalidAddress(t *testing.T) {
	r, _ := newTestEnv(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/users/not-an-address/positions", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetUserPositions_EmptyUser(t *testing.T) {
	r, _ := newTestEnv(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp api.PositionListResponse
	decode(t, w, &resp)
	if resp.Count != 0 || len(resp.Positions) != 0 {
		t.Errorf("expected empty listing, got %+v", resp)
	}
}

func TestGetUserPosition_MissingIsNotAnError(t *testing.T) {
	r, _ := newTestEnv(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/positions/"+testReserve, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	decode(t, w, &resp)
	if resp["message"] == "" {
		t.Errorf("expected informational message, got %q", w.Body.String())
	}
}

func TestIngestSupply_EndToEnd(t *testing.T) {
	r, _ := newTestEnv(t)
	ts := time.Now().Unix() - 100

	// Index update and supply in the same transaction: the deposit must
	// be valued at the fresh 1.05 index.
	postEvent(t, r, map[string]any{
		"kind":            "reserve_data_updated",
		"tx_hash":         "0xaaa1",
		"reserve":         testReserve,
		"liquidity_index": rayStr(105, 100),
		"liquidity_rate":  "0",
		"timestamp":       ts,
		"block_number":    100,
		"log_index":       0,
	})
	postEvent(t, r, map[string]any{
		"kind":         "supply",
		"tx_hash":      "0xaaa1",
		"reserve":      testReserve,
		"user":         testUser,
		"amount":       "1050",
		"timestamp":    ts,
		"block_number": 100,
		"log_index":    1,
	})

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/positions/"+testReserve, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}

	var pos api.PositionResponse
	decode(t, w, &pos)
	if pos.ScaledBalance != "1000" {
		t.Errorf("scaled balance = %s, want 1000 (1050 at 1.05)", pos.ScaledBalance)
	}
	if pos.ActualBalance != "1050" {
		t.Errorf("actual balance = %s, want 1050", pos.ActualBalance)
	}
	if pos.TotalDeposits != "1050" {
		t.Errorf("total deposits = %s, want 1050", pos.TotalDeposits)
	}
	if pos.CurrentYield != "0" {
		t.Errorf("current yield = %s, want 0 at zero rate", pos.CurrentYield)
	}

	// Raw deposit aggregate tracks the underlying amount.
	w = doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/deposits", nil)
	var dep api.DepositsResponse
	decode(t, w, &dep)
	if dep.TotalDepositCount != 1 || dep.TotalTokens != 1 {
		t.Errorf("unexpected deposit summary: %+v", dep)
	}
	if len(dep.Deposits) != 1 || dep.Deposits[0].CurrentBalance != "1050" {
		t.Errorf("unexpected deposit rows: %+v", dep.Deposits)
	}
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	r, ms := newTestEnv(t)
	ts := time.Now().Unix() - 100

	ev := map[string]any{
		"kind":         "supply",
		"tx_hash":      "0xaaa1",
		"reserve":      testReserve,
		"user":         testUser,
		"amount":       "1000",
		"timestamp":    ts,
		"block_number": 100,
		"log_index":    0,
	}
	postEvent(t, r, ev)
	postEvent(t, r, ev)

	if got := ms.BalanceEventCount(); got != 1 {
		t.Errorf("balance event count = %d, want 1 after replay", got)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/positions/"+testReserve, nil)
	var pos api.PositionResponse
	decode(t, w, &pos)
	if pos.ScaledBalance != "1000" {
		t.Errorf("scaled balance = %s, want 1000 after replay", pos.ScaledBalance)
	}

	// The raw deposit aggregate must not double count either.
	w = doJSON(t, r, http.MethodGet, "/api/v1/users/"+testUser+"/deposits", nil)
	var dep api.DepositsResponse
	decode(t, w, &dep)
	if len(dep.Deposits) != 1 || dep.Deposits[0].CurrentBalance != "1000" {
		t.Errorf("deposits = %+v, want a single entry of 1000 after replay", dep.Deposits)
	}
}

func TestGetUserEvents_AmountsAreIntegerStrings(t *testing.T) {
	r, _ := newTestEnv(t)
	ts := time.Now().Unix() - 100

	// Larger than 2^53 so a float64 round trip would corrupt it.
	amount := "1050000000000000000000000000"
	postEvent(t, r, map[string]any{
		"kind":         "supply",
		"tx_hash":      "0xaaa1",
		"reserve":      testReserve,
		"user":         testUser,
		"amount":       amount,
		"timestamp":    ts,
		"block_number": 100,
		"log_index":    0,
	})

	w := doJSON(t, r, http.MethodGet,
		"/api/v1/users/"+testUser+"/events?asset="+testReserve, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"scaled_delta":"`+amount+`"`) {
		t.Errorf("scaled_delta not serialized as a quoted integer string: %s", body)
	}

	var events []api.BalanceEventResponse
	decode(t, w, &events)
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].ScaledBalance != amount {
		t.Errorf("scaled balance = %s, want %s", events[0].ScaledBalance, amount)
	}
	if events[0].EventType != model.EventDeposit {
		t.Errorf("event type = %s, want %s", events[0].EventType, model.EventDeposit)
	}
}

func TestIngest_Validation(t *testing.T) {
	r, _ := newTestEnv(t)

	cases := []struct {
		name string
		ev   map[string]any
	}{
		{"missing kind", map[string]any{
			"tx_hash": "0xaaa1", "reserve": testReserve, "timestamp": 1000,
		}},
		{"missing tx hash", map[string]any{
			"kind": "supply", "reserve": testReserve, "timestamp": 1000,
		}},
		{"bad reserve", map[string]any{
			"kind": "supply", "tx_hash": "0xaaa1", "reserve": "dai", "timestamp": 1000,
		}},
		{"bad amount", map[string]any{
			"kind": "supply", "tx_hash": "0xaaa1", "reserve": testReserve,
			"user": testUser, "amount": "12.5", "timestamp": 1000,
		}},
		{"checkpoint without index", map[string]any{
			"kind": "reserve_data_updated", "tx_hash": "0xaaa1",
			"reserve": testReserve, "timestamp": 1000,
		}},
	}
	for _, tc := range cases {
		w := doJSON(t, r, http.MethodPost, "/api/v1/events", tc.ev)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestGetReserveIndex_DefaultsToOneRay(t *testing.T) {
	r, _ := newTestEnv(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/reserves/"+testReserve+"/index", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp api.IndexResponse
	decode(t, w, &resp)
	if resp.Index != raymath.Ray.String() {
		t.Errorf("index = %s, want 1.0 Ray", resp.Index)
	}
	if resp.IndexDecimal != "1.000000000" {
		t.Errorf("index decimal = %s, want 1.000000000", resp.IndexDecimal)
	}
}

func TestGetReserveIndex_BadTimestamp(t *testing.T) {
	r, _ := newTestEnv(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/reserves/"+testReserve+"/index?timestamp=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetReserveCheckpoints_LimitValidation(t *testing.T) {
	r, _ := newTestEnv(t)
	for _, limit := range []string{"0", "-5", "1001", "abc"} {
		w := doJSON(t, r, http.MethodGet,
			fmt.Sprintf("/api/v1/reserves/%s/checkpoints?limit=%s", testReserve, limit), nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
		}
	}
}

func TestGetReserveEvents_ListsRawRows(t *testing.T) {
	r, _ := newTestEnv(t)
	ts := time.Now().Unix() - 100

	postEvent(t, r, map[string]any{
		"kind":            "reserve_data_updated",
		"tx_hash":         "0xaaa1",
		"reserve":         testReserve,
		"liquidity_index": rayStr(1, 1),
		"liquidity_rate":  "0",
		"timestamp":       ts,
		"block_number":    100,
		"log_index":       0,
	})
	postEvent(t, r, map[string]any{
		"kind":         "borrow",
		"tx_hash":      "0xaaa2",
		"reserve":      testReserve,
		"user":         testUser,
		"amount":       "500",
		"timestamp":    ts + 10,
		"block_number": 101,
		"log_index":    0,
	})

	w := doJSON(t, r, http.MethodGet, "/api/v1/reserves/"+testReserve+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var events []api.PoolEventResponse
	decode(t, w, &events)
	if len(events) != 2 {
		t.Fatalf("expected 2 raw events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != "borrow" || events[0].Amount != "500" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
}
