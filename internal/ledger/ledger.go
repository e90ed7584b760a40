// Package ledger maintains per-(user, asset) scaled-balance positions
// and the companion raw-deposit aggregates as chain events arrive.
//
// The scaled balance is the authoritative field; actual balances are
// derived on every read from the freshest liquidity index, never
// trusted from storage.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/raymath"
	"github.com/corepool/yield-engine/internal/store"
)

// IndexResolver yields the liquidity index for an asset at a timestamp.
// A non-empty txHash requests the same-transaction override.
type IndexResolver interface {
	Resolve(ctx context.Context, reserve string, targetTimestamp int64, txHash string) *big.Int
}

// PositionStore is the slice of the store the position ledger needs.
type PositionStore interface {
	GetPosition(ctx context.Context, user, asset string) (*model.Position, error)
	ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, user, asset string) error
	InsertBalanceEvent(ctx context.Context, ev *model.BalanceEvent) error
	HasBalanceEvent(ctx context.Context, ev *model.BalanceEvent) (bool, error)
}

// Change is one signed scaled-balance delta to apply to a position.
// LogIndex is the event's index within its transaction; pass a negative
// value when the driver cannot supply one.
type Change struct {
	User        string
	Asset       string
	ScaledDelta *big.Int
	EventType   string
	Timestamp   int64
	TxHash      string
	BlockNumber uint64
	LogIndex    int
}

// Outcome reports what applying a change did.
type Outcome struct {
	// Duplicate is true when the change was suppressed by the
	// idempotency guard; nothing was written.
	Duplicate bool

	// Clamped is true when the resulting scaled balance would have gone
	// negative and was clamped to zero.
	Clamped bool

	// Position is the stored row after the change; nil when the balance
	// reached exactly zero and the row was deleted.
	Position *model.Position
}

// PositionLedger applies balance changes and serves position reads.
type PositionLedger struct {
	store    PositionStore
	resolver IndexResolver
	now      func() int64 // injectable for tests
}

// NewPositionLedger creates a ledger over the given store and resolver.
func NewPositionLedger(st PositionStore, resolver IndexResolver) *PositionLedger {
	return &PositionLedger{
		store:    st,
		resolver: resolver,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// ApplyBalanceChange applies one scaled-balance delta to the (user,
// asset) position, updates cumulative totals, and appends an immutable
// audit event. Store failures propagate to the caller; the ingestion
// driver owns retry semantics.
func (l *PositionLedger) ApplyBalanceChange(ctx context.Context, ch Change) (Outcome, error) {
	if ch.ScaledDelta == nil {
		return Outcome{}, errors.New("ledger: nil scaled delta")
	}

	lookup := &model.BalanceEvent{
		TxHash:      ch.TxHash,
		User:        ch.User,
		Asset:       ch.Asset,
		EventType:   ch.EventType,
		ScaledDelta: ch.ScaledDelta,
	}
	dup, err := l.store.HasBalanceEvent(ctx, lookup)
	if err != nil {
		return Outcome{}, fmt.Errorf("duplicate check for tx %s: %w", ch.TxHash, err)
	}
	if dup {
		slog.Info("skipping duplicate balance event",
			"tx_hash", ch.TxHash, "user", ch.User, "asset", ch.Asset,
			"event_type", ch.EventType, "scaled_delta", ch.ScaledDelta.String())
		metrics.DuplicateEvents.Inc()
		return Outcome{Duplicate: true}, nil
	}

	// Pass the transaction hash so a rate update in the same transaction
	// is honored ahead of older checkpoints.
	idx := l.resolver.Resolve(ctx, ch.Asset, ch.Timestamp, ch.TxHash)

	existing, err := l.store.GetPosition(ctx, ch.User, ch.Asset)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("load position %s/%s: %w", ch.User, ch.Asset, err)
	}

	newScaled := new(big.Int)
	totalDeposits := new(big.Int)
	totalWithdrawals := new(big.Int)
	if existing != nil {
		newScaled.Set(existing.ScaledBalance)
		totalDeposits.Set(existing.TotalDeposits)
		totalWithdrawals.Set(existing.TotalWithdrawals)
	}
	newScaled.Add(newScaled, ch.ScaledDelta)

	// Both accumulators are monotone: always add the actual-value
	// equivalent of |delta| regardless of the caller's sign convention.
	actualDelta := raymath.ScaledToActual(new(big.Int).Abs(ch.ScaledDelta), idx)
	switch ch.EventType {
	case model.EventDeposit, model.EventTransferIn:
		totalDeposits.Add(totalDeposits, actualDelta)
	case model.EventWithdraw, model.EventTransferOut:
		totalWithdrawals.Add(totalWithdrawals, actualDelta)
	default:
		return Outcome{}, fmt.Errorf("ledger: unknown event type %q", ch.EventType)
	}

	clamped := false
	if newScaled.Sign() < 0 {
		// A withdrawal exceeding the tracked balance signals an upstream
		// consistency problem; clamp and keep ingesting rather than
		// stalling every later event behind this one.
		slog.Error("negative scaled balance clamped to zero",
			"user", ch.User, "asset", ch.Asset,
			"scaled_balance", newScaled.String(),
			"scaled_delta", ch.ScaledDelta.String(),
			"event_type", ch.EventType, "tx_hash", ch.TxHash)
		metrics.BalanceAnomalies.WithLabelValues("negative_scaled_balance").Inc()
		newScaled.SetInt64(0)
		clamped = true
	}

	newActual := raymath.ScaledToActual(newScaled, idx)

	ev := &model.BalanceEvent{
		ID:             eventID(ch),
		TxHash:         ch.TxHash,
		User:           ch.User,
		Asset:          ch.Asset,
		ScaledBalance:  newScaled,
		ScaledDelta:    ch.ScaledDelta,
		EventType:      ch.EventType,
		Timestamp:      ch.Timestamp,
		BlockNumber:    ch.BlockNumber,
		LiquidityIndex: idx,
	}
	if err := l.store.InsertBalanceEvent(ctx, ev); err != nil {
		return Outcome{}, fmt.Errorf("insert balance event %s: %w", ev.ID, err)
	}

	if newScaled.Sign() == 0 {
		// No dust rows: a fully-withdrawn position disappears.
		if err := l.store.DeletePosition(ctx, ch.User, ch.Asset); err != nil {
			return Outcome{}, fmt.Errorf("delete position %s/%s: %w", ch.User, ch.Asset, err)
		}
		return Outcome{Clamped: clamped}, nil
	}

	p := &model.Position{
		User:             ch.User,
		Asset:            ch.Asset,
		ScaledBalance:    newScaled,
		ActualBalance:    newActual,
		TotalDeposits:    totalDeposits,
		TotalWithdrawals: totalWithdrawals,
		LastUpdated:      ch.Timestamp,
		LastIndex:        idx,
	}
	if err := l.store.UpsertPosition(ctx, p); err != nil {
		return Outcome{}, fmt.Errorf("upsert position %s/%s: %w", ch.User, ch.Asset, err)
	}

	return Outcome{Clamped: clamped, Position: p}, nil
}

// GetPosition returns the user's position for one asset with the actual
// balance and yield recomputed against the index at query time, or nil
// when no position exists.
func (l *PositionLedger) GetPosition(ctx context.Context, user, asset string) (*model.PositionView, error) {
	p, err := l.store.GetPosition(ctx, user, asset)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	view := l.view(ctx, p, l.resolver.Resolve(ctx, asset, l.now(), ""))
	return &view, nil
}

// GetPositions returns all positions for a user, each revalued at query
// time. The index is resolved once per distinct asset with the same
// time-aware policy as GetPosition.
func (l *PositionLedger) GetPositions(ctx context.Context, user string) ([]model.PositionView, error) {
	positions, err := l.store.ListPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	now := l.now()
	indexes := make(map[string]*big.Int)
	views := make([]model.PositionView, 0, len(positions))
	for i := range positions {
		asset := positions[i].Asset
		idx, ok := indexes[asset]
		if !ok {
			idx = l.resolver.Resolve(ctx, asset, now, "")
			indexes[asset] = idx
		}
		views = append(views, l.view(ctx, &positions[i], idx))
	}
	return views, nil
}

// view revalues a stored position at the given index.
func (l *PositionLedger) view(_ context.Context, p *model.Position, idx *big.Int) model.PositionView {
	actual := raymath.ScaledToActual(p.ScaledBalance, idx)
	netDeposits := new(big.Int).Sub(p.TotalDeposits, p.TotalWithdrawals)

	out := *p
	out.ActualBalance = actual
	out.LastIndex = new(big.Int).Set(idx)
	return model.PositionView{
		Position:     out,
		CurrentYield: new(big.Int).Sub(actual, netDeposits),
	}
}

// eventID builds a globally unique balance-event identifier. With a log
// index available the ID is fully deterministic, making replays
// idempotent at the storage layer too; otherwise a random disambiguator
// separates identical-looking events within one transaction.
func eventID(ch Change) string {
	if ch.LogIndex >= 0 {
		return fmt.Sprintf("%s_%d_%s", ch.TxHash, ch.LogIndex, ch.EventType)
	}
	return fmt.Sprintf("%s_%s_%s_%s_%d_%s",
		ch.TxHash, ch.User, ch.Asset, ch.EventType, ch.Timestamp,
		uuid.NewString()[:8])
}
