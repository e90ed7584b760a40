// Package api provides the HTTP read surface of the yield engine:
// position and deposit queries, reserve index resolution, and the raw
// event feed.
//
// All monetary values are serialized as base-10 integer strings — never
// float64 for token amounts.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corepool/yield-engine/internal/index"
	"github.com/corepool/yield-engine/internal/ledger"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/raymath"
	"github.com/corepool/yield-engine/internal/store"
)

// addressRe matches a checksummed-or-not EVM address.
var addressRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Service handles the query endpoints. Reads go through the ledgers so
// that actual balances are always recomputed at the current index
// rather than served from the last write.
type Service struct {
	store     store.Store
	positions *ledger.PositionLedger
	deposits  *ledger.DepositAggregator
	resolver  *index.Resolver
	now       func() int64
}

// NewService creates the query service.
func NewService(st store.Store, positions *ledger.PositionLedger, deposits *ledger.DepositAggregator, resolver *index.Resolver) *Service {
	return &Service{
		store:     st,
		positions: positions,
		deposits:  deposits,
		resolver:  resolver,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// --- Response types ---

// PositionResponse is one interest-bearing position. Balances are
// base-10 integer strings in the asset's native units; the index is a
// ray value with a human-readable decimal rendering alongside.
type PositionResponse struct {
	User             string `json:"user"`
	Asset            string `json:"asset"`
	ScaledBalance    string `json:"scaled_balance"`
	ActualBalance    string `json:"actual_balance"`
	TotalDeposits    string `json:"total_deposits"`
	TotalWithdrawals string `json:"total_withdrawals"`
	CurrentYield     string `json:"current_yield"`
	LiquidityIndex   string `json:"liquidity_index"`
	IndexDecimal     string `json:"liquidity_index_decimal"`
	LastUpdated      int64  `json:"last_updated"`
}

// PositionListResponse is the per-user position listing.
type PositionListResponse struct {
	User      string             `json:"user"`
	Count     int                `json:"count"`
	Positions []PositionResponse `json:"positions"`
}

// DepositEntry is one token's raw deposit aggregate.
type DepositEntry struct {
	Token          string `json:"token"`
	CurrentBalance string `json:"current_balance"`
	LastUpdated    int64  `json:"last_updated"`
}

// DepositsResponse summarizes a user's raw deposit aggregates.
type DepositsResponse struct {
	User              string         `json:"user"`
	TotalDepositCount int            `json:"total_deposit_count"`
	TotalTokens       int            `json:"total_tokens"`
	Deposits          []DepositEntry `json:"deposits"`
}

// IndexResponse is the resolved liquidity index for a reserve.
type IndexResponse struct {
	Reserve      string `json:"reserve"`
	Timestamp    int64  `json:"timestamp"`
	Index        string `json:"liquidity_index"`
	IndexDecimal string `json:"liquidity_index_decimal"`
}

// CheckpointResponse is one liquidity index checkpoint.
type CheckpointResponse struct {
	ID             string `json:"id"`
	Reserve        string `json:"reserve"`
	TxHash         string `json:"tx_hash"`
	LiquidityIndex string `json:"liquidity_index"`
	LiquidityRate  string `json:"liquidity_rate"`
	Timestamp      int64  `json:"timestamp"`
	BlockNumber    uint64 `json:"block_number"`
}

// BalanceEventResponse is one balance-event audit row. Scaled amounts
// are base-10 integer strings; big values must survive JSON clients that
// parse numbers as float64.
type BalanceEventResponse struct {
	ID             string `json:"id"`
	TxHash         string `json:"tx_hash"`
	User           string `json:"user"`
	Asset          string `json:"asset"`
	ScaledBalance  string `json:"scaled_balance"`
	ScaledDelta    string `json:"scaled_delta"`
	EventType      string `json:"event_type"`
	Timestamp      int64  `json:"timestamp"`
	BlockNumber    uint64 `json:"block_number"`
	LiquidityIndex string `json:"liquidity_index"`
}

// PoolEventResponse is one raw protocol event.
type PoolEventResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	TxHash      string `json:"tx_hash"`
	Pool        string `json:"pool"`
	Reserve     string `json:"reserve"`
	User        string `json:"user"`
	Amount      string `json:"amount"`
	Price       string `json:"price,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`
}

// --- HTTP Handlers ---

// GetUserPositions handles GET /api/v1/users/{address}/positions
func (s *Service) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "address")
	if !addressRe.MatchString(user) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}

	views, err := s.positions.GetPositions(r.Context(), user)
	if err != nil {
		slog.Error("list positions failed", "user", user, "err", err)
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	resp := PositionListResponse{
		User:      user,
		Count:     len(views),
		Positions: make([]PositionResponse, 0, len(views)),
	}
	for i := range views {
		resp.Positions = append(resp.Positions, positionResponse(&views[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetUserPosition handles GET /api/v1/users/{address}/positions/{asset}
//
// A missing position is not an error: the response carries a message so
// clients can distinguish "never deposited" from a bad request.
func (s *Service) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "address")
	asset := chi.URLParam(r, "asset")
	if !addressRe.MatchString(user) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}
	if !addressRe.MatchString(asset) {
		writeError(w, "invalid asset address", http.StatusBadRequest)
		return
	}

	view, err := s.positions.GetPosition(r.Context(), user, asset)
	if err != nil {
		slog.Error("get position failed", "user", user, "asset", asset, "err", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"user":    user,
			"asset":   asset,
			"message": "no active position for this asset",
		})
		return
	}

	writeJSON(w, http.StatusOK, positionResponse(view))
}

// GetUserDeposits handles GET /api/v1/users/{address}/deposits
func (s *Service) GetUserDeposits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "address")
	if !addressRe.MatchString(user) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}

	u, rows, err := s.deposits.UserSummary(r.Context(), user)
	if err != nil {
		slog.Error("deposit summary failed", "user", user, "err", err)
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}

	resp := DepositsResponse{User: user, Deposits: []DepositEntry{}}
	if u != nil {
		resp.TotalDepositCount = u.TotalDepositCount
	}
	for _, d := range rows {
		resp.Deposits = append(resp.Deposits, DepositEntry{
			Token:          d.Token,
			CurrentBalance: d.CurrentBalance.String(),
			LastUpdated:    d.LastUpdated,
		})
	}
	resp.TotalTokens = len(resp.Deposits)

	writeJSON(w, http.StatusOK, resp)
}

// GetReserveIndex handles GET /api/v1/reserves/{reserve}/index
// Accepts an optional ?timestamp= to resolve the index as of a past
// moment; defaults to now.
func (s *Service) GetReserveIndex(w http.ResponseWriter, r *http.Request) {
	reserve := chi.URLParam(r, "reserve")
	if !addressRe.MatchString(reserve) {
		writeError(w, "invalid reserve address", http.StatusBadRequest)
		return
	}

	ts := s.now()
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, "timestamp must be a non-negative unix timestamp", http.StatusBadRequest)
			return
		}
		ts = v
	}

	idx := s.resolver.Resolve(r.Context(), reserve, ts, "")

	writeJSON(w, http.StatusOK, IndexResponse{
		Reserve:      reserve,
		Timestamp:    ts,
		Index:        idx.String(),
		IndexDecimal: raymath.FormatRay(idx, 9),
	})
}

// GetReserveCheckpoints handles GET /api/v1/reserves/{reserve}/checkpoints
func (s *Service) GetReserveCheckpoints(w http.ResponseWriter, r *http.Request) {
	reserve := chi.URLParam(r, "reserve")
	if !addressRe.MatchString(reserve) {
		writeError(w, "invalid reserve address", http.StatusBadRequest)
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cps, err := s.store.ListCheckpoints(r.Context(), reserve, limit, offset)
	if err != nil {
		slog.Error("list checkpoints failed", "reserve", reserve, "err", err)
		writeError(w, "failed to load checkpoints", http.StatusInternalServerError)
		return
	}

	resp := make([]CheckpointResponse, 0, len(cps))
	for _, cp := range cps {
		resp = append(resp, CheckpointResponse{
			ID:             cp.ID,
			Reserve:        cp.Reserve,
			TxHash:         cp.TxHash,
			LiquidityIndex: cp.LiquidityIndex.String(),
			LiquidityRate:  cp.LiquidityRate.String(),
			Timestamp:      cp.Timestamp,
			BlockNumber:    cp.BlockNumber,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetReserveEvents handles GET /api/v1/reserves/{reserve}/events
func (s *Service) GetReserveEvents(w http.ResponseWriter, r *http.Request) {
	reserve := chi.URLParam(r, "reserve")
	if !addressRe.MatchString(reserve) {
		writeError(w, "invalid reserve address", http.StatusBadRequest)
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.store.ListPoolEventsByReserve(r.Context(), reserve, limit, offset)
	if err != nil {
		slog.Error("list pool events failed", "reserve", reserve, "err", err)
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	resp := make([]PoolEventResponse, 0, len(events))
	for _, ev := range events {
		out := PoolEventResponse{
			ID:          ev.ID,
			Kind:        ev.Kind,
			TxHash:      ev.TxHash,
			Pool:        ev.Pool,
			Reserve:     ev.Reserve,
			User:        ev.User,
			Amount:      ev.Amount.String(),
			Timestamp:   ev.Timestamp,
			BlockNumber: ev.BlockNumber,
		}
		if ev.Price.Valid {
			out.Price = ev.Price.Decimal.String()
		}
		resp = append(resp, out)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetUserEvents handles GET /api/v1/users/{address}/events?asset=0x..
// Returns the balance-event audit trail for one (user, asset) pair.
func (s *Service) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "address")
	if !addressRe.MatchString(user) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}
	asset := r.URL.Query().Get("asset")
	if !addressRe.MatchString(asset) {
		writeError(w, "asset query parameter is required and must be an address", http.StatusBadRequest)
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.store.ListBalanceEvents(r.Context(), user, asset, limit, offset)
	if err != nil {
		slog.Error("list balance events failed", "user", user, "asset", asset, "err", err)
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	resp := make([]BalanceEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, BalanceEventResponse{
			ID:             ev.ID,
			TxHash:         ev.TxHash,
			User:           ev.User,
			Asset:          ev.Asset,
			ScaledBalance:  ev.ScaledBalance.String(),
			ScaledDelta:    ev.ScaledDelta.String(),
			EventType:      ev.EventType,
			Timestamp:      ev.Timestamp,
			BlockNumber:    ev.BlockNumber,
			LiquidityIndex: ev.LiquidityIndex.String(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func positionResponse(v *model.PositionView) PositionResponse {
	return PositionResponse{
		User:             v.User,
		Asset:            v.Asset,
		ScaledBalance:    v.ScaledBalance.String(),
		ActualBalance:    v.ActualBalance.String(),
		TotalDeposits:    v.TotalDeposits.String(),
		TotalWithdrawals: v.TotalWithdrawals.String(),
		CurrentYield:     v.CurrentYield.String(),
		LiquidityIndex:   v.LastIndex.String(),
		IndexDecimal:     raymath.FormatRay(v.LastIndex, 9),
		LastUpdated:      v.LastUpdated,
	}
}

// parsePage extracts limit/offset query parameters. Limit defaults to
// 100 and is capped at 1000.
func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			return 0, 0, errInvalidLimit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errInvalidOffset
		}
	}
	return limit, offset, nil
}

var (
	errInvalidLimit  = &paramError{"limit must be between 1 and 1000"}
	errInvalidOffset = &paramError{"offset must be >= 0"}
)

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
