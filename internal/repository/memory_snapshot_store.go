package repository

import (
	"context"
	"sort"
	"sync"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
)

// MemorySnapshotStore keeps the latest snapshots in process. It backs the
// memory storage backend and tests.
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	rush   map[string]models.RushIndex
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		orders: make(map[string]*models.Order),
		rush:   make(map[string]models.RushIndex),
	}
}

func (s *MemorySnapshotStore) SaveOrders(_ context.Context, orders []*models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.ID] = o.Clone()
	}
	return nil
}

func (s *MemorySnapshotStore) SaveRushIndexes(_ context.Context, idx []models.RushIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range idx {
		if cur, ok := s.rush[r.RestaurantID]; ok && !newerRush(r, cur) {
			continue
		}
		s.rush[r.RestaurantID] = r.Clone()
	}
	return nil
}

func (s *MemorySnapshotStore) LoadOrders(_ context.Context) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RushIndex returns the last stored rush snapshot for a restaurant.
func (s *MemorySnapshotStore) RushIndex(restaurantID string) (models.RushIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rush[restaurantID]
	return r, ok
}

func (s *MemorySnapshotStore) Health(context.Context) error { return nil }

func (s *MemorySnapshotStore) Close() error { return nil }

var _ repository.SnapshotStore = (*MemorySnapshotStore)(nil)

// newerRush orders snapshots by publish time, then version. Versions restart
// with the process, so they only break ties.
func newerRush(r, cur models.RushIndex) bool {
	if !r.UpdatedAt.Equal(cur.UpdatedAt) {
		return r.UpdatedAt.After(cur.UpdatedAt)
	}
	return r.Version > cur.Version
}
