package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corepool/yield-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. Ray values are stored as NUMERIC and moved across the wire as
// TEXT so no precision is lost on either side.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// parseBig converts a NUMERIC-as-TEXT column value to *big.Int.
func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("store: malformed numeric %q", s)
	}
	return v, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Checkpoints ---

func (s *PostgresStore) InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, reserve, tx_hash, liquidity_index, liquidity_rate, timestamp, block_number)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		cp.ID, cp.Reserve, cp.TxHash,
		cp.LiquidityIndex.String(), cp.LiquidityRate.String(),
		cp.Timestamp, cp.BlockNumber,
	)
	return err
}

const checkpointCols = `id, reserve, tx_hash, liquidity_index::TEXT, liquidity_rate::TEXT, timestamp, block_number`

func (s *PostgresStore) scanCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var idxS, rateS string

	if err := row.Scan(&cp.ID, &cp.Reserve, &cp.TxHash, &idxS, &rateS,
		&cp.Timestamp, &cp.BlockNumber); err != nil {
		return nil, mapNoRows(err)
	}

	var err error
	if cp.LiquidityIndex, err = parseBig(idxS); err != nil {
		return nil, err
	}
	if cp.LiquidityRate, err = parseBig(rateS); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) CheckpointByTx(ctx context.Context, reserve, txHash string) (*model.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+`
		 FROM checkpoints WHERE reserve = $1 AND tx_hash = $2
		 ORDER BY timestamp DESC LIMIT 1`, reserve, txHash)
	return s.scanCheckpoint(row)
}

func (s *PostgresStore) LatestCheckpointAtOrBefore(ctx context.Context, reserve string, ts int64) (*model.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+`
		 FROM checkpoints WHERE reserve = $1 AND timestamp <= $2
		 ORDER BY timestamp DESC LIMIT 1`, reserve, ts)
	return s.scanCheckpoint(row)
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, reserve string) (*model.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+`
		 FROM checkpoints WHERE reserve = $1
		 ORDER BY timestamp DESC LIMIT 1`, reserve)
	return s.scanCheckpoint(row)
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, reserve string, limit, offset int) ([]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointCols+`
		 FROM checkpoints WHERE reserve = $1
		 ORDER BY timestamp DESC LIMIT $2 OFFSET $3`, reserve, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Checkpoint
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cp)
	}
	return result, rows.Err()
}

// --- Positions ---

const positionCols = `user_address, asset, scaled_balance::TEXT, actual_balance::TEXT,
	        total_deposits::TEXT, total_withdrawals::TEXT, last_updated, last_liquidity_index::TEXT`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var scaledS, actualS, depS, wdS, idxS string

	if err := row.Scan(&p.User, &p.Asset, &scaledS, &actualS, &depS, &wdS,
		&p.LastUpdated, &idxS); err != nil {
		return nil, mapNoRows(err)
	}

	var err error
	if p.ScaledBalance, err = parseBig(scaledS); err != nil {
		return nil, err
	}
	if p.ActualBalance, err = parseBig(actualS); err != nil {
		return nil, err
	}
	if p.TotalDeposits, err = parseBig(depS); err != nil {
		return nil, err
	}
	if p.TotalWithdrawals, err = parseBig(wdS); err != nil {
		return nil, err
	}
	if p.LastIndex, err = parseBig(idxS); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, user, asset string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+`
		 FROM positions WHERE user_address = $1 AND asset = $2`, user, asset)
	return scanPosition(row)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+`
		 FROM positions WHERE user_address = $1 ORDER BY asset`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_address, asset, scaled_balance, actual_balance,
		                        total_deposits, total_withdrawals, last_updated, last_liquidity_index)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC)
		 ON CONFLICT (user_address, asset) DO UPDATE SET
		   scaled_balance = EXCLUDED.scaled_balance,
		   actual_balance = EXCLUDED.actual_balance,
		   total_deposits = EXCLUDED.total_deposits,
		   total_withdrawals = EXCLUDED.total_withdrawals,
		   last_updated = EXCLUDED.last_updated,
		   last_liquidity_index = EXCLUDED.last_liquidity_index`,
		p.User, p.Asset,
		p.ScaledBalance.String(), p.ActualBalance.String(),
		p.TotalDeposits.String(), p.TotalWithdrawals.String(),
		p.LastUpdated, p.LastIndex.String(),
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, user, asset string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_address = $1 AND asset = $2`, user, asset)
	return err
}

// --- Balance events ---

func (s *PostgresStore) InsertBalanceEvent(ctx context.Context, ev *model.BalanceEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_events (id, tx_hash, user_address, asset, scaled_balance,
		                             scaled_delta, event_type, timestamp, block_number, liquidity_index)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC)`,
		ev.ID, ev.TxHash, ev.User, ev.Asset,
		ev.ScaledBalance.String(), ev.ScaledDelta.String(),
		ev.EventType, ev.Timestamp, ev.BlockNumber, ev.LiquidityIndex.String(),
	)
	return err
}

func (s *PostgresStore) HasBalanceEvent(ctx context.Context, ev *model.BalanceEvent) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM balance_events
		   WHERE tx_hash = $1 AND user_address = $2 AND asset = $3
		     AND event_type = $4 AND scaled_delta = $5::NUMERIC
		 )`,
		ev.TxHash, ev.User, ev.Asset, ev.EventType, ev.ScaledDelta.String()).
		Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListBalanceEvents(ctx context.Context, user, asset string, limit, offset int) ([]model.BalanceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tx_hash, user_address, asset, scaled_balance::TEXT,
		        scaled_delta::TEXT, event_type, timestamp, block_number, liquidity_index::TEXT
		 FROM balance_events WHERE user_address = $1 AND asset = $2
		 ORDER BY timestamp DESC LIMIT $3 OFFSET $4`, user, asset, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.BalanceEvent
	for rows.Next() {
		var ev model.BalanceEvent
		var balS, deltaS, idxS string
		if err := rows.Scan(&ev.ID, &ev.TxHash, &ev.User, &ev.Asset, &balS,
			&deltaS, &ev.EventType, &ev.Timestamp, &ev.BlockNumber, &idxS); err != nil {
			return nil, err
		}
		if ev.ScaledBalance, err = parseBig(balS); err != nil {
			return nil, err
		}
		if ev.ScaledDelta, err = parseBig(deltaS); err != nil {
			return nil, err
		}
		if ev.LiquidityIndex, err = parseBig(idxS); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- Deposit aggregates ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, total_deposit_count, last_updated FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.TotalDepositCount, &u.LastUpdated)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, total_deposit_count, last_updated)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   total_deposit_count = EXCLUDED.total_deposit_count,
		   last_updated = EXCLUDED.last_updated`,
		u.ID, u.TotalDepositCount, u.LastUpdated,
	)
	return err
}

func (s *PostgresStore) GetUserDeposit(ctx context.Context, user, token string) (*model.UserDeposit, error) {
	var d model.UserDeposit
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT user_address, token, current_balance::TEXT, last_updated
		 FROM user_deposits WHERE user_address = $1 AND token = $2`, user, token).
		Scan(&d.User, &d.Token, &balS, &d.LastUpdated)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if d.CurrentBalance, err = parseBig(balS); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListUserDeposits(ctx context.Context, user string) ([]model.UserDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_address, token, current_balance::TEXT, last_updated
		 FROM user_deposits WHERE user_address = $1 ORDER BY token`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.UserDeposit
	for rows.Next() {
		var d model.UserDeposit
		var balS string
		if err := rows.Scan(&d.User, &d.Token, &balS, &d.LastUpdated); err != nil {
			return nil, err
		}
		if d.CurrentBalance, err = parseBig(balS); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpsertUserDeposit(ctx context.Context, d *model.UserDeposit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_deposits (user_address, token, current_balance, last_updated)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (user_address, token) DO UPDATE SET
		   current_balance = EXCLUDED.current_balance,
		   last_updated = EXCLUDED.last_updated`,
		d.User, d.Token, d.CurrentBalance.String(), d.LastUpdated,
	)
	return err
}

func (s *PostgresStore) DeleteUserDeposit(ctx context.Context, user, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_deposits WHERE user_address = $1 AND token = $2`, user, token)
	return err
}

// --- Raw pool events ---

func (s *PostgresStore) InsertPoolEvent(ctx context.Context, ev *model.PoolEvent) error {
	var price *string
	if ev.Price.Valid {
		v := ev.Price.Decimal.String()
		price = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_events (id, kind, tx_hash, pool, reserve, user_address,
		                          amount, price, timestamp, block_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Kind, ev.TxHash, ev.Pool, ev.Reserve, ev.User,
		ev.Amount.String(), price, ev.Timestamp, ev.BlockNumber,
	)
	return err
}

func (s *PostgresStore) ListPoolEventsByReserve(ctx context.Context, reserve string, limit, offset int) ([]model.PoolEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, tx_hash, pool, reserve, user_address,
		        amount::TEXT, price::TEXT, timestamp, block_number
		 FROM pool_events WHERE reserve = $1
		 ORDER BY timestamp DESC LIMIT $2 OFFSET $3`, reserve, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PoolEvent
	for rows.Next() {
		var ev model.PoolEvent
		var amountS string
		var priceS *string
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.TxHash, &ev.Pool, &ev.Reserve,
			&ev.User, &amountS, &priceS, &ev.Timestamp, &ev.BlockNumber); err != nil {
			return nil, err
		}
		if ev.Amount, err = parseBig(amountS); err != nil {
			return nil, err
		}
		if priceS != nil {
			if err := ev.Price.Scan(*priceS); err != nil {
				return nil, err
			}
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}
