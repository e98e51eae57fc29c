package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	"kitchenpulse/pkg/postgres"
)

// PostgresSchema creates the snapshot tables.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS kp_orders (
		id            TEXT PRIMARY KEY,
		restaurant_id TEXT NOT NULL,
		status        TEXT NOT NULL,
		payload       JSONB NOT NULL,
		retired_at    TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS kp_orders_retired_at ON kp_orders (retired_at)`,
	`CREATE TABLE IF NOT EXISTS kp_rush_index (
		restaurant_id TEXT PRIMARY KEY,
		idx           INTEGER NOT NULL,
		status        TEXT NOT NULL,
		version       BIGINT NOT NULL,
		payload       JSONB NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
}

const upsertOrderSQL = `
INSERT INTO kp_orders (id, restaurant_id, status, payload, retired_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	payload = EXCLUDED.payload,
	retired_at = EXCLUDED.retired_at,
	updated_at = now()`

const upsertRushSQL = `
INSERT INTO kp_rush_index (restaurant_id, idx, status, version, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (restaurant_id) DO UPDATE SET
	idx = EXCLUDED.idx,
	status = EXCLUDED.status,
	version = EXCLUDED.version,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at
WHERE kp_rush_index.updated_at < EXCLUDED.updated_at
	OR (kp_rush_index.updated_at = EXCLUDED.updated_at AND kp_rush_index.version < EXCLUDED.version)`

// PostgresSnapshotStore upserts order and rush snapshots with pgx batches.
type PostgresSnapshotStore struct {
	client    *postgres.Client
	retention time.Duration
}

func NewPostgresSnapshotStore(client *postgres.Client, retention time.Duration) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{client: client, retention: retention}
}

// Init creates tables if they do not exist.
func (s *PostgresSnapshotStore) Init(ctx context.Context) error {
	for _, stmt := range PostgresSchema {
		if _, err := s.client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSnapshotStore) SaveOrders(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal order %s: %w", o.ID, err)
		}
		batch.Queue(upsertOrderSQL, o.ID, o.RestaurantID, string(o.Status), payload, o.RetiredAt)
	}
	if s.retention > 0 {
		batch.Queue(`DELETE FROM kp_orders WHERE retired_at < $1`, time.Now().Add(-s.retention))
	}
	if err := s.client.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres save orders: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) SaveRushIndexes(ctx context.Context, idx []models.RushIndex) error {
	if len(idx) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range idx {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal rush %s: %w", r.RestaurantID, err)
		}
		batch.Queue(upsertRushSQL, r.RestaurantID, r.Index, string(r.Status), int64(r.Version), payload, r.UpdatedAt)
	}
	if err := s.client.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres save rush: %w", err)
	}
	return nil
}

// LoadOrders returns active orders and those still inside retention.
func (s *PostgresSnapshotStore) LoadOrders(ctx context.Context) ([]*models.Order, error) {
	q := `SELECT payload FROM kp_orders WHERE retired_at IS NULL OR retired_at >= $1`
	cutoff := time.Now().Add(-s.retention)
	rows, err := s.client.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres load orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o models.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			continue
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (s *PostgresSnapshotStore) Health(ctx context.Context) error { return s.client.Health(ctx) }

func (s *PostgresSnapshotStore) Close() error { return nil }

var _ repository.SnapshotStore = (*PostgresSnapshotStore)(nil)
