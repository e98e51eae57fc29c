package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchenpulse/internal/domain/models"
)

type fakeStore struct {
	mu      sync.Mutex
	orders  []*models.Order
	rush    []models.RushIndex
	failN   int
	attempt int
}

func (s *fakeStore) SaveOrders(_ context.Context, orders []*models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	if s.failN > 0 {
		s.failN--
		return errors.New("store down")
	}
	s.orders = append(s.orders, orders...)
	return nil
}

func (s *fakeStore) SaveRushIndexes(_ context.Context, idx []models.RushIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rush = append(s.rush, idx...)
	return nil
}

func (s *fakeStore) LoadOrders(context.Context) ([]*models.Order, error) { return nil, nil }
func (s *fakeStore) Health(context.Context) error                        { return nil }
func (s *fakeStore) Close() error                                        { return nil }

func (s *fakeStore) snapshot() ([]*models.Order, []models.RushIndex, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Order(nil), s.orders...), append([]models.RushIndex(nil), s.rush...), s.attempt
}

type fakePublisher struct {
	mu        sync.Mutex
	estimates []models.OrderEstimate
	rush      []models.RushIndex
}

func (p *fakePublisher) PublishEstimates(_ context.Context, est []models.OrderEstimate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimates = append(p.estimates, est...)
	return nil
}

func (p *fakePublisher) PublishRushIndexes(_ context.Context, idx []models.RushIndex) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rush = append(p.rush, idx...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *fakeAudit) RecordBatch(_ context.Context, e []models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e...)
	return nil
}

func (a *fakeAudit) Close() error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordSignal(string, string)   {}
func (nopMetrics) RecordError(string)            {}
func (nopMetrics) RecordBias(string)             {}
func (nopMetrics) RecordRushIndex(string, int)   {}
func (nopMetrics) RecordLatency(string, float64) {}

func order(id string, status models.OrderStatus) *models.Order {
	return &models.Order{ID: id, RestaurantID: "r1", Status: status, PlacedAt: time.Unix(0, 0).UTC()}
}

func TestOutboxPipeline_StopFlushesCoalescedBatch(t *testing.T) {
	store, pub, audit := &fakeStore{}, &fakePublisher{}, &fakeAudit{}
	p := NewOutboxPipeline(nopMetrics{},
		WithSnapshotStore(store), WithEventPublisher(pub), WithAuditSink(audit),
		WithBatch(1000, time.Hour))
	p.Start(context.Background())

	p.OrderChanged(order("o1", models.StatusPlaced))
	p.OrderChanged(order("o1", models.StatusPreparing))
	p.OrderChanged(order("o2", models.StatusPlaced))
	p.RushChanged(models.RushIndex{RestaurantID: "r1", Index: 10, Version: 1})
	p.RushChanged(models.RushIndex{RestaurantID: "r1", Index: 20, Version: 2})
	p.Audited(models.AuditEntry{OrderID: "o1"})
	p.Audited(models.AuditEntry{OrderID: "o2"})

	require.NoError(t, p.Stop(context.Background()))

	orders, rush, _ := store.snapshot()
	require.Len(t, orders, 2)
	assert.Equal(t, "o1", orders[0].ID)
	assert.Equal(t, models.StatusPreparing, orders[0].Status)
	require.Len(t, rush, 1)
	assert.Equal(t, 20, rush[0].Index)

	assert.Len(t, pub.estimates, 2)
	assert.Len(t, pub.rush, 1)
	assert.Len(t, audit.entries, 2)
}

func TestOutboxPipeline_FlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	p := NewOutboxPipeline(nopMetrics{}, WithSnapshotStore(store), WithBatch(2, time.Hour))
	p.Start(context.Background())
	defer func() { _ = p.Stop(context.Background()) }()

	p.OrderChanged(order("a", models.StatusPlaced))
	p.OrderChanged(order("b", models.StatusPlaced))

	assert.Eventually(t, func() bool {
		orders, _, _ := store.snapshot()
		return len(orders) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestOutboxPipeline_RetriesFailedSink(t *testing.T) {
	store := &fakeStore{failN: 2}
	p := NewOutboxPipeline(nopMetrics{},
		WithSnapshotStore(store),
		WithBatch(1, time.Hour),
		WithRetry(3, time.Millisecond, 2*time.Millisecond))
	p.Start(context.Background())

	p.OrderChanged(order("a", models.StatusPlaced))
	assert.Eventually(t, func() bool {
		orders, _, _ := store.snapshot()
		return len(orders) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	_, _, attempts := store.snapshot()
	assert.Equal(t, 3, attempts)
}

func TestOutboxPipeline_DropsWhenFull(t *testing.T) {
	p := NewOutboxPipeline(nopMetrics{}, WithBufferSize(1))
	// not started: nothing drains the buffer
	p.Audited(models.AuditEntry{OrderID: "a"})
	p.Audited(models.AuditEntry{OrderID: "b"})
	p.Audited(models.AuditEntry{OrderID: "c"})
	assert.Equal(t, uint64(2), p.Dropped())
	assert.NoError(t, p.Stop(context.Background()))
}
