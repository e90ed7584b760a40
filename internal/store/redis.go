package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corepool/yield-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot read paths: the latest checkpoint per
// reserve and the position list per user. Writes go to the primary
// store and invalidate the affected keys; reads check Redis first then
// fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if err := s.primary.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}
	// Invalidate; next read re-populates. Replacing in place would go
	// stale backwards during event reprocessing.
	s.rdb.Del(ctx, latestCheckpointKey(cp.Reserve))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.User))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, user, asset string) error {
	if err := s.primary.DeletePosition(ctx, user, asset); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(user))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestCheckpoint(ctx context.Context, reserve string) (*model.Checkpoint, error) {
	data, err := s.rdb.Get(ctx, latestCheckpointKey(reserve)).Bytes()
	if err == nil {
		var cp model.Checkpoint
		if json.Unmarshal(data, &cp) == nil {
			return &cp, nil
		}
	}

	cp, err := s.primary.LatestCheckpoint(ctx, reserve)
	if err != nil {
		return nil, err
	}
	s.cacheCheckpoint(ctx, cp)
	return cp, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(user)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(user), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

// Timestamp-parameterized lookups are not cached: the key space is
// unbounded and the resolver only hits them on ingest, where the
// primary is the right source anyway.

func (s *CachedStore) CheckpointByTx(ctx context.Context, reserve, txHash string) (*model.Checkpoint, error) {
	return s.primary.CheckpointByTx(ctx, reserve, txHash)
}

func (s *CachedStore) LatestCheckpointAtOrBefore(ctx context.Context, reserve string, ts int64) (*model.Checkpoint, error) {
	return s.primary.LatestCheckpointAtOrBefore(ctx, reserve, ts)
}

func (s *CachedStore) ListCheckpoints(ctx context.Context, reserve string, limit, offset int) ([]model.Checkpoint, error) {
	return s.primary.ListCheckpoints(ctx, reserve, limit, offset)
}

func (s *CachedStore) GetPosition(ctx context.Context, user, asset string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, user, asset)
}

func (s *CachedStore) InsertBalanceEvent(ctx context.Context, ev *model.BalanceEvent) error {
	if err := s.primary.InsertBalanceEvent(ctx, ev); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(ev.User))
	return nil
}

func (s *CachedStore) HasBalanceEvent(ctx context.Context, ev *model.BalanceEvent) (bool, error) {
	return s.primary.HasBalanceEvent(ctx, ev)
}

func (s *CachedStore) ListBalanceEvents(ctx context.Context, user, asset string, limit, offset int) ([]model.BalanceEvent, error) {
	return s.primary.ListBalanceEvents(ctx, user, asset, limit, offset)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	return s.primary.UpsertUser(ctx, u)
}

func (s *CachedStore) GetUserDeposit(ctx context.Context, user, token string) (*model.UserDeposit, error) {
	return s.primary.GetUserDeposit(ctx, user, token)
}

func (s *CachedStore) ListUserDeposits(ctx context.Context, user string) ([]model.UserDeposit, error) {
	return s.primary.ListUserDeposits(ctx, user)
}

func (s *CachedStore) UpsertUserDeposit(ctx context.Context, d *model.UserDeposit) error {
	return s.primary.UpsertUserDeposit(ctx, d)
}

func (s *CachedStore) DeleteUserDeposit(ctx context.Context, user, token string) error {
	return s.primary.DeleteUserDeposit(ctx, user, token)
}

func (s *CachedStore) InsertPoolEvent(ctx context.Context, ev *model.PoolEvent) error {
	return s.primary.InsertPoolEvent(ctx, ev)
}

func (s *CachedStore) ListPoolEventsByReserve(ctx context.Context, reserve string, limit, offset int) ([]model.PoolEvent, error) {
	return s.primary.ListPoolEventsByReserve(ctx, reserve, limit, offset)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCheckpoint(ctx context.Context, cp *model.Checkpoint) {
	if data, err := json.Marshal(cp); err == nil {
		s.rdb.Set(ctx, latestCheckpointKey(cp.Reserve), data, s.ttl)
	}
}

func latestCheckpointKey(reserve string) string { return fmt.Sprintf("checkpoint:latest:%s", reserve) }
func positionsKey(user string) string           { return fmt.Sprintf("positions:%s", user) }
