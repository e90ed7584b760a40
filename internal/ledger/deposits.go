package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/model"
	"github.com/corepool/yield-engine/internal/store"
)

// DepositStore is the slice of the store the deposit aggregator needs.
// Its rows are disjoint from the position tables; there is no
// overlapping writer.
type DepositStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
	GetUserDeposit(ctx context.Context, user, token string) (*model.UserDeposit, error)
	ListUserDeposits(ctx context.Context, user string) ([]model.UserDeposit, error)
	UpsertUserDeposit(ctx context.Context, d *model.UserDeposit) error
	DeleteUserDeposit(ctx context.Context, user, token string) error
}

// DepositAggregator tracks the net raw-amount deposit balance per
// (user, token) and the per-user count of live token rows. It is a
// simpler companion to PositionLedger, independent of interest accrual.
type DepositAggregator struct {
	store DepositStore
}

// NewDepositAggregator creates an aggregator over the given store.
func NewDepositAggregator(st DepositStore) *DepositAggregator {
	return &DepositAggregator{store: st}
}

// ApplyDepositDelta applies a signed raw-amount change to the (user,
// token) net balance. A balance reaching exactly zero deletes the row;
// a balance that would go negative is a logged anomaly handled by
// deleting the row. A withdrawal against a token with no tracked
// deposit is suspicious but non-fatal: logged, no state change.
func (a *DepositAggregator) ApplyDepositDelta(ctx context.Context, user, token string, amountDelta *big.Int, timestamp int64) error {
	if amountDelta == nil {
		return errors.New("ledger: nil amount delta")
	}

	u, err := a.ensureUser(ctx, user, timestamp)
	if err != nil {
		return err
	}

	existing, err := a.store.GetUserDeposit(ctx, user, token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load deposit %s/%s: %w", user, token, err)
	}

	if existing == nil {
		if amountDelta.Sign() <= 0 {
			slog.Warn("withdrawal against untracked deposit, ignoring",
				"user", user, "token", token, "amount_delta", amountDelta.String())
			metrics.BalanceAnomalies.WithLabelValues("untracked_withdrawal").Inc()
			return nil
		}
		d := &model.UserDeposit{
			User:           user,
			Token:          token,
			CurrentBalance: new(big.Int).Set(amountDelta),
			LastUpdated:    timestamp,
		}
		if err := a.store.UpsertUserDeposit(ctx, d); err != nil {
			return fmt.Errorf("create deposit %s/%s: %w", user, token, err)
		}
		return a.bumpCount(ctx, u, +1, timestamp)
	}

	newBalance := new(big.Int).Add(existing.CurrentBalance, amountDelta)
	switch {
	case newBalance.Sign() == 0:
		if err := a.store.DeleteUserDeposit(ctx, user, token); err != nil {
			return fmt.Errorf("delete deposit %s/%s: %w", user, token, err)
		}
		return a.bumpCount(ctx, u, -1, timestamp)

	case newBalance.Sign() > 0:
		existing.CurrentBalance = newBalance
		existing.LastUpdated = timestamp
		if err := a.store.UpsertUserDeposit(ctx, existing); err != nil {
			return fmt.Errorf("update deposit %s/%s: %w", user, token, err)
		}
		return nil

	default:
		// Going negative should not happen with well-ordered events.
		slog.Warn("deposit balance would go negative, removing row",
			"user", user, "token", token,
			"balance", existing.CurrentBalance.String(),
			"amount_delta", amountDelta.String())
		metrics.BalanceAnomalies.WithLabelValues("negative_deposit_balance").Inc()
		if err := a.store.DeleteUserDeposit(ctx, user, token); err != nil {
			return fmt.Errorf("delete deposit %s/%s: %w", user, token, err)
		}
		return a.bumpCount(ctx, u, -1, timestamp)
	}
}

// UserSummary returns the user row and all live deposit rows, or
// (nil, nil, nil) for an unknown user.
func (a *DepositAggregator) UserSummary(ctx context.Context, user string) (*model.User, []model.UserDeposit, error) {
	u, err := a.store.GetUser(ctx, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	deposits, err := a.store.ListUserDeposits(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return u, deposits, nil
}

// ensureUser loads the user row, creating it with a zero count on
// first sight.
func (a *DepositAggregator) ensureUser(ctx context.Context, user string, timestamp int64) (*model.User, error) {
	u, err := a.store.GetUser(ctx, user)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load user %s: %w", user, err)
	}

	u = &model.User{ID: user, TotalDepositCount: 0, LastUpdated: timestamp}
	if err := a.store.UpsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user %s: %w", user, err)
	}
	return u, nil
}

// bumpCount adjusts the user's live-token count, never below zero.
func (a *DepositAggregator) bumpCount(ctx context.Context, u *model.User, delta int, timestamp int64) error {
	count := u.TotalDepositCount + delta
	if count < 0 {
		count = 0
	}
	u.TotalDepositCount = count
	u.LastUpdated = timestamp
	if err := a.store.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("update user %s: %w", u.ID, err)
	}
	return nil
}
