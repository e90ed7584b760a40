// Package ingest is the driver-facing edge of the engine: it maps raw
// chain events onto checkpoint appends, position-ledger changes, and
// deposit-aggregate updates.
//
// The external event driver delivers events one at a time in blockchain
// order (block number, then log index). The processor relies on that
// serialization for read-modify-write correctness and adds a mutex so a
// misbehaving driver degrades to single-writer instead of corrupting
// positions.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corepool/yield-engine/internal/index"
	"github.com/corepool/yield-engine/internal/ledger"
	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/oracle"
	"github.com/corepool/yield-engine/internal/raymath"
)

// ChainEvent is one structured protocol event from the driver. Amount
// semantics depend on Kind; LiquidityIndex/LiquidityRate are set only
// for reserve_data_updated, Collateral* only for liquidation. LogIndex
// is the event's position within its transaction, negative when the
// driver cannot supply one.
type ChainEvent struct {
	Kind             string
	TxHash           string
	Pool             string
	Reserve          string
	User             string
	Amount           *big.Int
	LiquidityIndex   *big.Int
	LiquidityRate    *big.Int
	CollateralAsset  string
	CollateralAmount *big.Int
	Timestamp        int64
	BlockNumber      uint64
	LogIndex         int
}

// EventStore is the slice of the store the processor writes directly:
// checkpoint and raw-event appends. Position and deposit writes go
// through the ledgers.
type EventStore interface {
	InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	InsertPoolEvent(ctx context.Context, ev *model.PoolEvent) error
}

// Notifier receives post-commit notifications for real-time fanout.
type Notifier interface {
	NotifyCheckpoint(cp *model.Checkpoint)
	NotifyBalance(user, asset, eventType string, scaledDelta *big.Int)
}

// Processor handles one chain event at a time.
type Processor struct {
	mu       sync.Mutex
	store    EventStore
	resolver *index.Resolver
	ledger   *ledger.PositionLedger
	deposits *ledger.DepositAggregator
	prices   oracle.PriceSource
	notifier Notifier // optional
}

// NewProcessor creates a processor. Pass nil for notifier if real-time
// broadcasting is not needed.
func NewProcessor(
	st EventStore,
	resolver *index.Resolver,
	positions *ledger.PositionLedger,
	deposits *ledger.DepositAggregator,
	prices oracle.PriceSource,
	notifier Notifier,
) *Processor {
	return &Processor{
		store:    st,
		resolver: resolver,
		ledger:   positions,
		deposits: deposits,
		prices:   prices,
		notifier: notifier,
	}
}

// HandleEvent processes one chain event synchronously. Errors are
// returned to the driver, which owns retry/crash semantics; the
// processor performs no internal retries.
func (p *Processor) HandleEvent(ctx context.Context, ev ChainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.EventLatency.WithLabelValues(ev.Kind).Observe(time.Since(start).Seconds())
	}()
	metrics.EventsProcessed.WithLabelValues(ev.Kind).Inc()

	switch ev.Kind {
	case model.KindReserveDataUpdated:
		return p.handleReserveData(ctx, ev)
	case model.KindSupply:
		return p.handleSupply(ctx, ev)
	case model.KindWithdraw:
		return p.handleWithdraw(ctx, ev)
	case model.KindBorrow, model.KindRepay, model.KindFlashLoan:
		return p.recordPoolEvent(ctx, ev, ev.Kind, ev.Reserve, ev.Amount)
	case model.KindLiquidation:
		return p.handleLiquidation(ctx, ev)
	case model.EventTransferIn, model.EventTransferOut:
		return p.handleTransfer(ctx, ev)
	default:
		slog.Warn("unknown chain event kind, skipping", "kind", ev.Kind, "tx_hash", ev.TxHash)
		return nil
	}
}

func (p *Processor) handleReserveData(ctx context.Context, ev ChainEvent) error {
	cp := &model.Checkpoint{
		ID:             poolEventID(ev, ev.Kind),
		Reserve:        ev.Reserve,
		TxHash:         ev.TxHash,
		LiquidityIndex: ev.LiquidityIndex,
		LiquidityRate:  ev.LiquidityRate,
		Timestamp:      ev.Timestamp,
		BlockNumber:    ev.BlockNumber,
	}
	if err := p.store.InsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("insert checkpoint for %s: %w", ev.Reserve, err)
	}

	if err := p.recordPoolEvent(ctx, ev, ev.Kind, ev.Reserve, big.NewInt(0)); err != nil {
		return err
	}

	if p.notifier != nil {
		p.notifier.NotifyCheckpoint(cp)
	}
	return nil
}

func (p *Processor) handleSupply(ctx context.Context, ev ChainEvent) error {
	if err := p.recordPoolEvent(ctx, ev, ev.Kind, ev.Reserve, ev.Amount); err != nil {
		return err
	}

	// The ledger owns replay detection; a duplicate event must leave the
	// raw deposit aggregate untouched as well.
	outcome, err := p.applyScaled(ctx, ev, model.EventDeposit, ev.Amount)
	if err != nil || outcome.Duplicate {
		return err
	}

	if err := p.deposits.ApplyDepositDelta(ctx, ev.User, ev.Reserve, ev.Amount, ev.Timestamp); err != nil {
		return fmt.Errorf("deposit aggregate for %s: %w", ev.User, err)
	}
	return nil
}

func (p *Processor) handleWithdraw(ctx context.Context, ev ChainEvent) error {
	if err := p.recordPoolEvent(ctx, ev, ev.Kind, ev.Reserve, ev.Amount); err != nil {
		return err
	}

	neg := new(big.Int).Neg(ev.Amount)
	outcome, err := p.applyScaled(ctx, ev, model.EventWithdraw, neg)
	if err != nil || outcome.Duplicate {
		return err
	}

	if err := p.deposits.ApplyDepositDelta(ctx, ev.User, ev.Reserve, neg, ev.Timestamp); err != nil {
		return fmt.Errorf("deposit aggregate for %s: %w", ev.User, err)
	}
	return nil
}

// handleTransfer applies an aToken transfer leg to the position ledger
// only: transfers move interest-bearing balance without an underlying
// deposit or withdrawal, so the raw aggregate is untouched.
func (p *Processor) handleTransfer(ctx context.Context, ev ChainEvent) error {
	amount := ev.Amount
	if ev.Kind == model.EventTransferOut {
		amount = new(big.Int).Neg(amount)
	}
	_, err := p.applyScaled(ctx, ev, ev.Kind, amount)
	return err
}

func (p *Processor) handleLiquidation(ctx context.Context, ev ChainEvent) error {
	// One row for the covered debt, one for the seized collateral.
	if err := p.recordPoolEvent(ctx, ev, model.KindLiquidation, ev.Reserve, ev.Amount); err != nil {
		return err
	}
	return p.recordPoolEvent(ctx, ev, model.KindLiquidationCollateral, ev.CollateralAsset, ev.CollateralAmount)
}

// applyScaled converts a signed underlying amount to scaled units at
// the index in effect and applies it to the position ledger.
func (p *Processor) applyScaled(ctx context.Context, ev ChainEvent, eventType string, amount *big.Int) (ledger.Outcome, error) {
	idx := p.resolver.Resolve(ctx, ev.Reserve, ev.Timestamp, ev.TxHash)
	scaledDelta := raymath.ActualToScaled(amount, idx)

	outcome, err := p.ledger.ApplyBalanceChange(ctx, ledger.Change{
		User:        ev.User,
		Asset:       ev.Reserve,
		ScaledDelta: scaledDelta,
		EventType:   eventType,
		Timestamp:   ev.Timestamp,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
	})
	if err != nil {
		return outcome, fmt.Errorf("apply %s for %s/%s: %w", eventType, ev.User, ev.Reserve, err)
	}

	if !outcome.Duplicate && p.notifier != nil {
		p.notifier.NotifyBalance(ev.User, ev.Reserve, eventType, scaledDelta)
	}
	return outcome, nil
}

// recordPoolEvent appends the raw audit row with a best-effort price.
func (p *Processor) recordPoolEvent(ctx context.Context, ev ChainEvent, kind, reserve string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	row := &model.PoolEvent{
		ID:          poolEventID(ev, kind),
		Kind:        kind,
		TxHash:      ev.TxHash,
		Pool:        ev.Pool,
		Reserve:     reserve,
		User:        ev.User,
		Amount:      amount,
		Price:       p.price(ctx, reserve),
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
	}
	if err := p.store.InsertPoolEvent(ctx, row); err != nil {
		return fmt.Errorf("insert pool event %s: %w", row.ID, err)
	}
	return nil
}

// price fetches the oracle quote for display. Failure is logged and
// stored as null; it must never abort balance accounting.
func (p *Processor) price(ctx context.Context, asset string) decimal.NullDecimal {
	if p.prices == nil {
		return decimal.NullDecimal{}
	}
	v, err := p.prices.Price(ctx, asset)
	if err != nil {
		slog.Warn("price lookup failed", "asset", asset, "err", err)
		metrics.OracleFailures.Inc()
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

func poolEventID(ev ChainEvent, kind string) string {
	if ev.LogIndex >= 0 {
		return fmt.Sprintf("%s_%d_%s", ev.TxHash, ev.LogIndex, kind)
	}
	return fmt.Sprintf("%s_%s_%d_%s", ev.TxHash, kind, ev.Timestamp, uuid.NewString()[:8])
}
