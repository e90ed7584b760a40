package store

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/corepool/yield-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints []model.Checkpoint
	positions   map[string]*model.Position // user_asset
	balEvents   []model.BalanceEvent
	users       map[string]*model.User
	deposits    map[string]*model.UserDeposit // user_token
	poolEvents  []model.PoolEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		users:     make(map[string]*model.User),
		deposits:  make(map[string]*model.UserDeposit),
	}
}

func pairKey(a, b string) string { return a + "_" + b }

// copyCheckpoint returns a deep copy so callers cannot mutate stored rows.
func copyCheckpoint(cp model.Checkpoint) *model.Checkpoint {
	out := cp
	out.LiquidityIndex = new(big.Int).Set(cp.LiquidityIndex)
	out.LiquidityRate = new(big.Int).Set(cp.LiquidityRate)
	return &out
}

func copyPosition(p model.Position) *model.Position {
	out := p
	out.ScaledBalance = new(big.Int).Set(p.ScaledBalance)
	out.ActualBalance = new(big.Int).Set(p.ActualBalance)
	out.TotalDeposits = new(big.Int).Set(p.TotalDeposits)
	out.TotalWithdrawals = new(big.Int).Set(p.TotalWithdrawals)
	out.LastIndex = new(big.Int).Set(p.LastIndex)
	return &out
}

func copyDeposit(d model.UserDeposit) *model.UserDeposit {
	out := d
	out.CurrentBalance = new(big.Int).Set(d.CurrentBalance)
	return &out
}

// --- Checkpoints ---

func (s *MemoryStore) InsertCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replay-safe, like the ON CONFLICT DO NOTHING insert in Postgres.
	for i := range s.checkpoints {
		if s.checkpoints[i].ID == cp.ID {
			return nil
		}
	}
	s.checkpoints = append(s.checkpoints, *copyCheckpoint(*cp))
	return nil
}

func (s *MemoryStore) CheckpointByTx(_ context.Context, reserve, txHash string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.checkpoints {
		cp := s.checkpoints[i]
		if cp.Reserve == reserve && cp.TxHash == txHash {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestCheckpointAtOrBefore(_ context.Context, reserve string, ts int64) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Checkpoint
	for i := range s.checkpoints {
		cp := s.checkpoints[i]
		if cp.Reserve != reserve || cp.Timestamp > ts {
			continue
		}
		if best == nil || cp.Timestamp > best.Timestamp {
			best = &s.checkpoints[i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyCheckpoint(*best), nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, reserve string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Checkpoint
	for i := range s.checkpoints {
		cp := s.checkpoints[i]
		if cp.Reserve != reserve {
			continue
		}
		if best == nil || cp.Timestamp > best.Timestamp {
			best = &s.checkpoints[i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyCheckpoint(*best), nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, reserve string, limit, offset int) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Checkpoint
	for i := range s.checkpoints {
		if s.checkpoints[i].Reserve == reserve {
			result = append(result, *copyCheckpoint(s.checkpoints[i]))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})
	return page(result, limit, offset), nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, user, asset string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[pairKey(user, asset)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPosition(*p), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, user string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.User == user {
			result = append(result, *copyPosition(*p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[pairKey(p.User, p.Asset)] = copyPosition(*p)
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, user, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, pairKey(user, asset))
	return nil
}

// --- Balance events ---

func (s *MemoryStore) InsertBalanceEvent(_ context.Context, ev *model.BalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	cp.ScaledBalance = new(big.Int).Set(ev.ScaledBalance)
	cp.ScaledDelta = new(big.Int).Set(ev.ScaledDelta)
	cp.LiquidityIndex = new(big.Int).Set(ev.LiquidityIndex)
	s.balEvents = append(s.balEvents, cp)
	return nil
}

func (s *MemoryStore) HasBalanceEvent(_ context.Context, ev *model.BalanceEvent) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.balEvents {
		e := &s.balEvents[i]
		if e.TxHash == ev.TxHash && e.User == ev.User && e.Asset == ev.Asset &&
			e.EventType == ev.EventType && e.ScaledDelta.Cmp(ev.ScaledDelta) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListBalanceEvents(_ context.Context, user, asset string, limit, offset int) ([]model.BalanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceEvent
	for i := range s.balEvents {
		e := s.balEvents[i]
		if e.User == user && e.Asset == asset {
			cp := e
			cp.ScaledBalance = new(big.Int).Set(e.ScaledBalance)
			cp.ScaledDelta = new(big.Int).Set(e.ScaledDelta)
			cp.LiquidityIndex = new(big.Int).Set(e.LiquidityIndex)
			result = append(result, cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})
	return page(result, limit, offset), nil
}

// BalanceEventCount reports the total number of stored balance events.
// Test helper, not part of the Store interface.
func (s *MemoryStore) BalanceEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.balEvents)
}

// --- Deposit aggregates ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserDeposit(_ context.Context, user, token string) (*model.UserDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[pairKey(user, token)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDeposit(*d), nil
}

func (s *MemoryStore) ListUserDeposits(_ context.Context, user string) ([]model.UserDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UserDeposit
	for _, d := range s.deposits {
		if d.User == user {
			result = append(result, *copyDeposit(*d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Token < result[j].Token })
	return result, nil
}

func (s *MemoryStore) UpsertUserDeposit(_ context.Context, d *model.UserDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deposits[pairKey(d.User, d.Token)] = copyDeposit(*d)
	return nil
}

func (s *MemoryStore) DeleteUserDeposit(_ context.Context, user, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deposits, pairKey(user, token))
	return nil
}

// --- Raw pool events ---

func (s *MemoryStore) InsertPoolEvent(_ context.Context, ev *model.PoolEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replay-safe, like the ON CONFLICT DO NOTHING insert in Postgres.
	for i := range s.poolEvents {
		if s.poolEvents[i].ID == ev.ID {
			return nil
		}
	}
	cp := *ev
	cp.Amount = new(big.Int).Set(ev.Amount)
	s.poolEvents = append(s.poolEvents, cp)
	return nil
}

func (s *MemoryStore) ListPoolEventsByReserve(_ context.Context, reserve string, limit, offset int) ([]model.PoolEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PoolEvent
	for i := range s.poolEvents {
		if s.poolEvents[i].Reserve == reserve {
			cp := s.poolEvents[i]
			cp.Amount = new(big.Int).Set(cp.Amount)
			result = append(result, cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})
	return page(result, limit, offset), nil
}

// page applies limit/offset to an already-sorted slice.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
