// Package store defines the persistence interface for the yield engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/corepool/yield-engine/internal/model"
)

// ErrNotFound is returned by point lookups when no row exists. Callers
// distinguish it from transient store failures: "missing" is a domain
// condition, anything else propagates to the ingestion driver.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The core only ever appends
// checkpoints, balance events and pool events; positions and deposit
// aggregates are updated or deleted by key. No cross-table transaction
// is required by the core logic.
type Store interface {
	// --- Liquidity index checkpoints (append-only) ---

	// InsertCheckpoint appends an immutable checkpoint row.
	InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error

	// CheckpointByTx returns the checkpoint for a reserve created in the
	// given transaction, or ErrNotFound.
	CheckpointByTx(ctx context.Context, reserve, txHash string) (*model.Checkpoint, error)

	// LatestCheckpointAtOrBefore returns the most recent checkpoint for
	// the reserve with timestamp <= ts, or ErrNotFound.
	LatestCheckpointAtOrBefore(ctx context.Context, reserve string, ts int64) (*model.Checkpoint, error)

	// LatestCheckpoint returns the most recent checkpoint for the
	// reserve regardless of timestamp, or ErrNotFound.
	LatestCheckpoint(ctx context.Context, reserve string) (*model.Checkpoint, error)

	// ListCheckpoints returns checkpoints for a reserve, newest first.
	ListCheckpoints(ctx context.Context, reserve string, limit, offset int) ([]model.Checkpoint, error)

	// --- Positions ---

	// GetPosition returns the position for (user, asset), or ErrNotFound.
	GetPosition(ctx context.Context, user, asset string) (*model.Position, error)

	// ListPositionsByUser returns all positions held by a user.
	ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error)

	// UpsertPosition creates or replaces the position row.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the (user, asset) row. Deleting a missing
	// row is not an error.
	DeletePosition(ctx context.Context, user, asset string) error

	// --- Balance events (append-only audit trail) ---

	// InsertBalanceEvent appends an immutable balance event row.
	InsertBalanceEvent(ctx context.Context, ev *model.BalanceEvent) error

	// HasBalanceEvent reports whether an event with the same
	// (txHash, user, asset, eventType, scaledDelta) already exists.
	HasBalanceEvent(ctx context.Context, ev *model.BalanceEvent) (bool, error)

	// ListBalanceEvents returns a user's events for an asset, newest first.
	ListBalanceEvents(ctx context.Context, user, asset string, limit, offset int) ([]model.BalanceEvent, error)

	// --- Deposit aggregates ---

	// GetUser returns the user row, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// UpsertUser creates or replaces the user row.
	UpsertUser(ctx context.Context, u *model.User) error

	// GetUserDeposit returns the (user, token) deposit row, or ErrNotFound.
	GetUserDeposit(ctx context.Context, user, token string) (*model.UserDeposit, error)

	// ListUserDeposits returns all live deposit rows for a user.
	ListUserDeposits(ctx context.Context, user string) ([]model.UserDeposit, error)

	// UpsertUserDeposit creates or replaces the (user, token) row.
	UpsertUserDeposit(ctx context.Context, d *model.UserDeposit) error

	// DeleteUserDeposit removes the (user, token) row.
	DeleteUserDeposit(ctx context.Context, user, token string) error

	// --- Raw pool events (append-only) ---

	// InsertPoolEvent appends a raw protocol event row.
	InsertPoolEvent(ctx context.Context, ev *model.PoolEvent) error

	// ListPoolEventsByReserve returns raw events for a reserve, newest first.
	ListPoolEventsByReserve(ctx context.Context, reserve string, limit, offset int) ([]model.PoolEvent, error)
}
