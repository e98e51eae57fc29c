package repository

import (
	"context"

	"kitchenpulse/internal/domain/models"
)

// SnapshotStore persists order and rush snapshots so state survives restarts.
type SnapshotStore interface {
	SaveOrders(ctx context.Context, orders []*models.Order) error
	SaveRushIndexes(ctx context.Context, idx []models.RushIndex) error
	LoadOrders(ctx context.Context) ([]*models.Order, error)
	Health(ctx context.Context) error
	Close() error
}

// AuditSink stores the audit trail for offline merchant-behaviour analysis.
type AuditSink interface {
	RecordBatch(ctx context.Context, entries []models.AuditEntry) error
	Close() error
}

// EventPublisher notifies downstream consumers (dispatch) of estimate and
// congestion changes.
type EventPublisher interface {
	PublishEstimates(ctx context.Context, est []models.OrderEstimate) error
	PublishRushIndexes(ctx context.Context, idx []models.RushIndex) error
	Close() error
}

// Outbox receives side effects produced inside the core. Implementations must
// not block.
type Outbox interface {
	OrderChanged(o *models.Order)
	RushChanged(idx models.RushIndex)
	Audited(e models.AuditEntry)
}

type Metrics interface {
	RecordSignal(kind, result string)
	RecordError(kind string)
	RecordBias(reason string)
	RecordRushIndex(restaurantID string, index int)
	RecordLatency(op string, seconds float64)
}
