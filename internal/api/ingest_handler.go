// HTTP ingestion endpoint for the external chain-event driver.
package api

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/corepool/yield-engine/internal/ingest"
	"github.com/corepool/yield-engine/internal/model"
)

// IngestHandler accepts structured chain events over HTTP and feeds
// them to the processor. The driver is expected to deliver events in
// blockchain order and to retry on 5xx.
type IngestHandler struct {
	proc *ingest.Processor
}

// NewIngestHandler creates the driver-facing handler.
func NewIngestHandler(proc *ingest.Processor) *IngestHandler {
	return &IngestHandler{proc: proc}
}

// chainEventRequest is the JSON body for POST /api/v1/events. All
// amounts are base-10 integer strings. log_index omitted means the
// driver could not provide one.
type chainEventRequest struct {
	Kind             string `json:"kind"`
	TxHash           string `json:"tx_hash"`
	Pool             string `json:"pool"`
	Reserve          string `json:"reserve"`
	User             string `json:"user"`
	Amount           string `json:"amount"`
	LiquidityIndex   string `json:"liquidity_index"`
	LiquidityRate    string `json:"liquidity_rate"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount string `json:"collateral_amount"`
	Timestamp        int64  `json:"timestamp"`
	BlockNumber      uint64 `json:"block_number"`
	LogIndex         *int   `json:"log_index"`
}

// HandleChainEvent handles POST /api/v1/events.
func (h *IngestHandler) HandleChainEvent(w http.ResponseWriter, r *http.Request) {
	var req chainEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Kind == "" {
		writeError(w, "kind is required", http.StatusBadRequest)
		return
	}
	if req.TxHash == "" {
		writeError(w, "tx_hash is required", http.StatusBadRequest)
		return
	}
	if req.Timestamp <= 0 {
		writeError(w, "timestamp must be a positive unix timestamp", http.StatusBadRequest)
		return
	}
	if !addressRe.MatchString(req.Reserve) {
		writeError(w, "invalid reserve address", http.StatusBadRequest)
		return
	}
	if req.User != "" && !addressRe.MatchString(req.User) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}

	ev := ingest.ChainEvent{
		Kind:            req.Kind,
		TxHash:          req.TxHash,
		Pool:            req.Pool,
		Reserve:         req.Reserve,
		User:            req.User,
		CollateralAsset: req.CollateralAsset,
		Timestamp:       req.Timestamp,
		BlockNumber:     req.BlockNumber,
		LogIndex:        -1,
	}
	if req.LogIndex != nil {
		ev.LogIndex = *req.LogIndex
	}

	var ok bool
	if ev.Amount, ok = parseAmount(req.Amount); !ok {
		writeError(w, "amount must be a base-10 integer string", http.StatusBadRequest)
		return
	}
	if ev.CollateralAmount, ok = parseAmount(req.CollateralAmount); !ok {
		writeError(w, "collateral_amount must be a base-10 integer string", http.StatusBadRequest)
		return
	}

	if req.Kind == model.KindReserveDataUpdated {
		if ev.LiquidityIndex, ok = parseAmount(req.LiquidityIndex); !ok || ev.LiquidityIndex.Sign() <= 0 {
			writeError(w, "liquidity_index must be a positive base-10 integer string", http.StatusBadRequest)
			return
		}
		if ev.LiquidityRate, ok = parseAmount(req.LiquidityRate); !ok || ev.LiquidityRate.Sign() < 0 {
			writeError(w, "liquidity_rate must be a non-negative base-10 integer string", http.StatusBadRequest)
			return
		}
	}

	if err := h.proc.HandleEvent(r.Context(), ev); err != nil {
		slog.Error("event processing failed", "kind", req.Kind, "tx_hash", req.TxHash, "err", err)
		writeError(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

// parseAmount parses a base-10 integer string; empty means zero.
func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}
