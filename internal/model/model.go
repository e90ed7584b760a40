// Package model defines the core domain types shared across the yield
// engine. All index and balance values are Ray-scaled (10^27) math/big
// integers — never float64 for money. Oracle prices are display-grade
// and use shopspring/decimal.
package model

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Balance event types as delivered by the chain-event driver.
const (
	EventDeposit     = "deposit"
	EventWithdraw    = "withdraw"
	EventTransferIn  = "transfer_in"
	EventTransferOut = "transfer_out"
)

// Raw pool event kinds captured for audit/display.
const (
	KindReserveDataUpdated    = "reserve_data_updated"
	KindSupply                = "supply"
	KindWithdraw              = "withdraw"
	KindBorrow                = "borrow"
	KindRepay                 = "repay"
	KindLiquidation           = "liquidation"
	KindLiquidationCollateral = "liquidation_collateral"
	KindFlashLoan             = "flash_loan"
)

// Checkpoint is an immutable record of the liquidity index and rate
// observed at one on-chain ReserveDataUpdated event. Once created,
// checkpoints are never modified or deleted; they anchor later
// extrapolation. Ordered by (reserve, timestamp).
type Checkpoint struct {
	ID             string   `json:"id" db:"id"`
	Reserve        string   `json:"reserve" db:"reserve"`
	TxHash         string   `json:"tx_hash" db:"tx_hash"`
	LiquidityIndex *big.Int `json:"liquidity_index" db:"liquidity_index"` // Ray
	LiquidityRate  *big.Int `json:"liquidity_rate" db:"liquidity_rate"`   // Ray, per annum
	Timestamp      int64    `json:"timestamp" db:"timestamp"`             // unix seconds
	BlockNumber    uint64   `json:"block_number" db:"block_number"`
}

// Position is one (user, asset) row. ScaledBalance is authoritative;
// ActualBalance is a cache recomputed against the freshest index on
// every read. The row is deleted when ScaledBalance reaches exactly
// zero — no dust retention.
type Position struct {
	User             string   `json:"user" db:"user_address"`
	Asset            string   `json:"asset" db:"asset"`
	ScaledBalance    *big.Int `json:"scaled_balance" db:"scaled_balance"`
	ActualBalance    *big.Int `json:"actual_balance" db:"actual_balance"`
	TotalDeposits    *big.Int `json:"total_deposits" db:"total_deposits"`       // underlying units
	TotalWithdrawals *big.Int `json:"total_withdrawals" db:"total_withdrawals"` // underlying units
	LastUpdated      int64    `json:"last_updated" db:"last_updated"`
	LastIndex        *big.Int `json:"last_liquidity_index" db:"last_liquidity_index"`
}

// PositionView is a position with the read-time derived fields filled
// in: ActualBalance recomputed at the freshly resolved index and
// CurrentYield = actual - (deposits - withdrawals).
type PositionView struct {
	Position
	CurrentYield *big.Int `json:"current_yield"`
}

// BalanceEvent is an immutable audit row, one per state-affecting
// operation on a position. ScaledBalance holds the running total after
// the event, not the delta; ScaledDelta carries the delta and feeds
// duplicate detection.
type BalanceEvent struct {
	ID             string   `json:"id" db:"id"`
	TxHash         string   `json:"tx_hash" db:"tx_hash"`
	User           string   `json:"user" db:"user_address"`
	Asset          string   `json:"asset" db:"asset"`
	ScaledBalance  *big.Int `json:"scaled_balance" db:"scaled_balance"`
	ScaledDelta    *big.Int `json:"scaled_delta" db:"scaled_delta"`
	EventType      string   `json:"event_type" db:"event_type"`
	Timestamp      int64    `json:"timestamp" db:"timestamp"`
	BlockNumber    uint64   `json:"block_number" db:"block_number"`
	LiquidityIndex *big.Int `json:"liquidity_index" db:"liquidity_index"`
}

// User is the companion aggregate root: one row per address with the
// count of live UserDeposit rows.
type User struct {
	ID                string `json:"id" db:"id"`
	TotalDepositCount int    `json:"total_deposit_count" db:"total_deposit_count"`
	LastUpdated       int64  `json:"last_updated" db:"last_updated"`
}

// UserDeposit tracks the net raw-amount balance per (user, token),
// independent of interest accrual. Deleted when the balance returns to
// exactly zero.
type UserDeposit struct {
	User           string   `json:"user" db:"user_address"`
	Token          string   `json:"token" db:"token"`
	CurrentBalance *big.Int `json:"current_balance" db:"current_balance"`
	LastUpdated    int64    `json:"last_updated" db:"last_updated"`
}

// PoolEvent is a raw protocol event captured verbatim for audit and
// display. Price is the best-effort oracle quote at ingest time; null
// when the oracle was unavailable.
type PoolEvent struct {
	ID          string              `json:"id" db:"id"`
	Kind        string              `json:"kind" db:"kind"`
	TxHash      string              `json:"tx_hash" db:"tx_hash"`
	Pool        string              `json:"pool" db:"pool"`
	Reserve     string              `json:"reserve" db:"reserve"`
	User        string              `json:"user" db:"user_address"`
	Amount      *big.Int            `json:"amount" db:"amount"`
	Price       decimal.NullDecimal `json:"price" db:"price"`
	Timestamp   int64               `json:"timestamp" db:"timestamp"`
	BlockNumber uint64              `json:"block_number" db:"block_number"`
}
