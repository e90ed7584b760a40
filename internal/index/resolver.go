// Package index resolves the liquidity index for a reserve at an
// arbitrary timestamp by combining stored checkpoints with linear
// interest extrapolation.
//
// Resolution never fails: a reserve with no usable data resolves to the
// 1.0 Ray default. A failed index lookup would otherwise stall the
// entire ingestion pipeline behind one bad reserve, so this component
// trades strict correctness for availability and logs every fallback.
package index

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/raymath"
	"github.com/corepool/yield-engine/internal/store"
)

// Sanity bounds for a liquidity index: at least 1.0 Ray, at most 10x
// growth. Values outside are treated as corrupt.
var (
	minIndex = new(big.Int).Set(raymath.Ray)
	maxIndex = new(big.Int).Mul(raymath.Ray, big.NewInt(10))
)

// CheckpointSource is the slice of the store the resolver depends on.
type CheckpointSource interface {
	CheckpointByTx(ctx context.Context, reserve, txHash string) (*model.Checkpoint, error)
	LatestCheckpointAtOrBefore(ctx context.Context, reserve string, ts int64) (*model.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, reserve string) (*model.Checkpoint, error)
}

// Resolver answers "what is the liquidity index for reserve R at time T".
type Resolver struct {
	source CheckpointSource
}

// NewResolver creates a resolver over the given checkpoint source.
func NewResolver(source CheckpointSource) *Resolver {
	return &Resolver{source: source}
}

// Valid reports whether idx is inside the sanity bounds [1.0, 10.0] Ray.
func Valid(idx *big.Int) bool {
	return idx != nil && idx.Cmp(minIndex) >= 0 && idx.Cmp(maxIndex) <= 0
}

// Default returns the degraded-but-safe default index: exactly 1.0 Ray.
func Default() *big.Int {
	return new(big.Int).Set(raymath.Ray)
}

// Resolve returns the liquidity index for reserve at targetTimestamp.
//
// Priority order:
//  1. A checkpoint created in txHash itself (same-transaction override):
//     a balance-changing event must be valued with the index update
//     emitted in its own transaction, even though the two rows may be
//     persisted in either order.
//  2. The most recent checkpoint at or before targetTimestamp, linearly
//     extrapolated: newIndex = idx * (1 + rate*elapsed/secondsPerYear).
//  3. When no checkpoint precedes the target and this is a current
//     query (txHash == ""), the freshest checkpoint regardless of time.
//  4. The 1.0 Ray default.
//
// Out-of-bounds stored indexes resolve to the default; an out-of-bounds
// extrapolation result falls back to the unextrapolated checkpoint.
func (r *Resolver) Resolve(ctx context.Context, reserve string, targetTimestamp int64, txHash string) *big.Int {
	if txHash != "" {
		cp, err := r.source.CheckpointByTx(ctx, reserve, txHash)
		if err == nil {
			slog.Debug("same-transaction checkpoint override",
				"reserve", reserve, "tx_hash", txHash,
				"liquidity_index", cp.LiquidityIndex.String())
			return new(big.Int).Set(cp.LiquidityIndex)
		}
		if !isNotFound(err) {
			return r.fallback(reserve, "same-tx lookup failed", err)
		}
	}

	cp, err := r.source.LatestCheckpointAtOrBefore(ctx, reserve, targetTimestamp)
	if err != nil {
		if !isNotFound(err) {
			return r.fallback(reserve, "checkpoint lookup failed", err)
		}

		// Nothing at or before the target. For current queries use
		// whatever is freshest known; retroactive queries get the default.
		if txHash == "" {
			latest, err := r.source.LatestCheckpoint(ctx, reserve)
			if err == nil && Valid(latest.LiquidityIndex) {
				return new(big.Int).Set(latest.LiquidityIndex)
			}
			if err != nil && !isNotFound(err) {
				return r.fallback(reserve, "latest-checkpoint lookup failed", err)
			}
		}
		return r.fallback(reserve, "no checkpoint data", nil)
	}

	if !Valid(cp.LiquidityIndex) {
		return r.fallback(reserve, "stored index outside sanity bounds", nil,
			"liquidity_index", cp.LiquidityIndex.String())
	}

	elapsed := targetTimestamp - cp.Timestamp
	if elapsed == 0 {
		return new(big.Int).Set(cp.LiquidityIndex)
	}

	extrapolated := Extrapolate(cp.LiquidityIndex, cp.LiquidityRate, elapsed)
	if !Valid(extrapolated) {
		// Extrapolation must never produce an "impossible" value; keep
		// the anchor index instead.
		slog.Warn("extrapolated index outside sanity bounds, using checkpoint index",
			"reserve", reserve,
			"checkpoint_index", cp.LiquidityIndex.String(),
			"extrapolated", extrapolated.String(),
			"elapsed_seconds", elapsed)
		metrics.IndexFallbacks.Inc()
		return new(big.Int).Set(cp.LiquidityIndex)
	}

	return extrapolated
}

// Extrapolate applies simple (linear, non-compounding) interest to an
// index over elapsed seconds:
//
//	interestFactor = rate * elapsed / secondsPerYear
//	newIndex       = index * (1 + interestFactor)
func Extrapolate(index, rate *big.Int, elapsedSeconds int64) *big.Int {
	interestFactor := new(big.Int).Mul(rate, big.NewInt(elapsedSeconds))
	interestFactor.Quo(interestFactor, big.NewInt(raymath.SecondsPerYear))
	growthFactor := new(big.Int).Add(raymath.Ray, interestFactor)
	return raymath.RayMul(index, growthFactor)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// fallback logs the reason and returns the default index.
func (r *Resolver) fallback(reserve, reason string, err error, extra ...any) *big.Int {
	args := append([]any{"reserve", reserve}, extra...)
	if err != nil {
		args = append(args, "err", err)
	}
	slog.Warn("liquidity index resolution fell back to default: "+reason, args...)
	metrics.IndexFallbacks.Inc()
	return Default()
}
