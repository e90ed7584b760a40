package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/corepool/yield-engine/internal/index"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/raymath"
	"github.com/corepool/yield-engine/internal/store"
)

const (
	testUser  = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	testAsset = "0x6b175474e89094c44da98b954eedeac495271d0f"
)

// ray builds num/denom at Ray scale.
func ray(num, denom int64) *big.Int {
	v := new(big.Int).Mul(raymath.Ray, big.NewInt(num))
	return v.Quo(v, big.NewInt(denom))
}

func newTestLedger(t *testing.T) (*PositionLedger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return NewPositionLedger(ms, index.NewResolver(ms)), ms
}

func change(delta int64, eventType, txHash string, ts int64, logIndex int) Change {
	return Change{
		User:        testUser,
		Asset:       testAsset,
		ScaledDelta: big.NewInt(delta),
		EventType:   eventType,
		Timestamp:   ts,
		TxHash:      txHash,
		BlockNumber: 100,
		LogIndex:    logIndex,
	}
}

func insertCheckpoint(t *testing.T, ms *store.MemoryStore, id, txHash string, idx, rate *big.Int, ts int64) {
	t.Helper()
	err := ms.InsertCheckpoint(context.Background(), &model.Checkpoint{
		ID:             id,
		Reserve:        testAsset,
		TxHash:         txHash,
		LiquidityIndex: idx,
		LiquidityRate:  rate,
		Timestamp:      ts,
		BlockNumber:    100,
	})
	if err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}
}

func TestApplyBalanceChange_CreatesPosition(t *testing.T) {
	l, _ := newTestLedger(t)

	out, err := l.ApplyBalanceChange(context.Background(), change(1000, model.EventDeposit, "0xaaa1", 1000, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Duplicate || out.Clamped {
		t.Fatalf("unexpected outcome flags: %+v", out)
	}
	if out.Position == nil {
		t.Fatal("expected a stored position")
	}
	// No checkpoints: index defaults to 1.0, so scaled == actual.
	if out.Position.ScaledBalance.Int64() != 1000 {
		t.Errorf("scaled balance = %s, want 1000", out.Position.ScaledBalance)
	}
	if out.Position.ActualBalance.Int64() != 1000 {
		t.Errorf("actual balance = %s, want 1000", out.Position.ActualBalance)
	}
	if out.Position.TotalDeposits.Int64() != 1000 {
		t.Errorf("total deposits = %s, want 1000", out.Position.TotalDeposits)
	}
}

func TestApplyBalanceChange_WithdrawToZeroDeletesPosition(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.ApplyBalanceChange(ctx, change(1000, model.EventDeposit, "0xaaa1", 1000, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	out, err := l.ApplyBalanceChange(ctx, change(-1000, model.EventWithdraw, "0xaaa2", 2000, 0))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Position != nil {
		t.Errorf("expected position row deleted at zero balance, got %+v", out.Position)
	}

	if _, err := ms.GetPosition(ctx, testUser, testAsset); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after full withdrawal, got %v", err)
	}
	view, err := l.GetPosition(ctx, testUser, testAsset)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view != nil {
		t.Errorf("expected nil view for deleted position, got %+v", view)
	}
}

func TestApplyBalanceChange_DuplicateSuppressed(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	ch := change(1000, model.EventDeposit, "0xaaa1", 1000, 0)
	if _, err := l.ApplyBalanceChange(ctx, ch); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	out, err := l.ApplyBalanceChange(ctx, ch)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !out.Duplicate {
		t.Error("expected duplicate suppression on replay")
	}
	if got := ms.BalanceEventCount(); got != 1 {
		t.Errorf("balance event count = %d, want 1", got)
	}

	p, err := ms.GetPosition(ctx, testUser, testAsset)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.ScaledBalance.Int64() != 1000 {
		t.Errorf("scaled balance after replay = %s, want 1000", p.ScaledBalance)
	}
}

func TestApplyBalanceChange_SameTransactionDifferentLegsBothApply(t *testing.T) {
	// Two transfers of identical size within one transaction are
	// distinct legs, not duplicates: the log index separates them.
	l, ms := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.ApplyBalanceChange(ctx, change(500, model.EventTransferIn, "0xaaa1", 1000, 0)); err != nil {
		t.Fatalf("first leg: %v", err)
	}
	out, err := l.ApplyBalanceChange(ctx, change(500, model.EventDeposit, "0xaaa1", 1000, 1))
	if err != nil {
		t.Fatalf("second leg: %v", err)
	}
	if out.Duplicate {
		t.Fatal("distinct event types in one transaction must not be deduplicated")
	}
	if got := ms.BalanceEventCount(); got != 2 {
		t.Errorf("balance event count = %d, want 2", got)
	}
	if out.Position.ScaledBalance.Int64() != 1000 {
		t.Errorf("scaled balance = %s, want 1000", out.Position.ScaledBalance)
	}
}

func TestApplyBalanceChange_NegativeBalanceClamped(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.ApplyBalanceChange(ctx, change(100, model.EventDeposit, "0xaaa1", 1000, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	out, err := l.ApplyBalanceChange(ctx, change(-500, model.EventWithdraw, "0xaaa2", 2000, 0))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !out.Clamped {
		t.Error("expected clamp flag for over-withdrawal")
	}
	if out.Position != nil {
		t.Errorf("clamped-to-zero position must be deleted, got %+v", out.Position)
	}
}

func TestApplyBalanceChange_ValuedAtSameTransactionIndex(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	// Rate update and deposit land in the same transaction; the deposit
	// must be valued at the new 1.05 index.
	insertCheckpoint(t, ms, "cp1", "0xaaa1", ray(105, 100), ray(5, 100), 1000)

	out, err := l.ApplyBalanceChange(ctx, change(1000, model.EventDeposit, "0xaaa1", 1000, 1))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if out.Position.TotalDeposits.Int64() != 1050 {
		t.Errorf("total deposits = %s, want 1050 (1000 scaled at 1.05)", out.Position.TotalDeposits)
	}
	if out.Position.LastIndex.Cmp(ray(105, 100)) != 0 {
		t.Errorf("last index = %s, want 1.05 Ray", out.Position.LastIndex)
	}
}

func TestApplyBalanceChange_UnknownEventType(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.ApplyBalanceChange(context.Background(), change(100, "borrow", "0xaaa1", 1000, 0))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestGetPosition_AccruesInterestSinceCheckpoint(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()
	t0 := int64(1_000_000)

	// 10% APR anchored at t0; deposit 1000 scaled at index 1.0.
	insertCheckpoint(t, ms, "cp1", "0xaaa1", ray(1, 1), ray(10, 100), t0)
	if _, err := l.ApplyBalanceChange(ctx, change(1000, model.EventDeposit, "0xaaa1", t0, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Half a year later the index extrapolates to 1.05.
	l.now = func() int64 { return t0 + raymath.SecondsPerYear/2 }

	view, err := l.GetPosition(ctx, testUser, testAsset)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view == nil {
		t.Fatal("expected a position view")
	}
	if view.ActualBalance.Int64() != 1050 {
		t.Errorf("actual balance = %s, want 1050", view.ActualBalance)
	}
	if view.CurrentYield.Int64() != 50 {
		t.Errorf("current yield = %s, want 50", view.CurrentYield)
	}
	// Stored scaled balance is untouched by reads.
	if view.ScaledBalance.Int64() != 1000 {
		t.Errorf("scaled balance = %s, want 1000", view.ScaledBalance)
	}
	// The view reports the index the balance was revalued at, not the
	// index recorded at write time.
	if view.LastIndex.Cmp(ray(105, 100)) != 0 {
		t.Errorf("last index = %s, want %s", view.LastIndex, ray(105, 100))
	}
}

func TestGetPositions_RevaluesEachAsset(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()
	t0 := int64(1_000_000)
	otherAsset := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

	insertCheckpoint(t, ms, "cp1", "0xaaa1", ray(1, 1), ray(10, 100), t0)
	if _, err := l.ApplyBalanceChange(ctx, change(1000, model.EventDeposit, "0xaaa1", t0, 0)); err != nil {
		t.Fatalf("deposit asset one: %v", err)
	}

	ch := change(2000, model.EventDeposit, "0xaaa2", t0, 0)
	ch.Asset = otherAsset // no checkpoints: valued at the 1.0 default
	if _, err := l.ApplyBalanceChange(ctx, ch); err != nil {
		t.Fatalf("deposit asset two: %v", err)
	}

	l.now = func() int64 { return t0 + raymath.SecondsPerYear/2 }

	views, err := l.GetPositions(ctx, testUser)
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(views))
	}

	byAsset := make(map[string]model.PositionView, len(views))
	for _, v := range views {
		byAsset[v.Asset] = v
	}
	if got := byAsset[testAsset].ActualBalance.Int64(); got != 1050 {
		t.Errorf("accruing asset actual = %d, want 1050", got)
	}
	if got := byAsset[otherAsset].ActualBalance.Int64(); got != 2000 {
		t.Errorf("default-index asset actual = %d, want 2000", got)
	}
}
