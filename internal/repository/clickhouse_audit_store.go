package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
)

// AuditSchema creates the audit table used by ClickHouseAuditStore.
func AuditSchema(database, table string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	at            DateTime64(3, 'UTC'),
	event_at      DateTime64(3, 'UTC'),
	order_id      String,
	restaurant_id LowCardinality(String),
	kind          LowCardinality(String),
	outcome       LowCardinality(String),
	detail        String,
	error         LowCardinality(String)
) ENGINE = MergeTree
PARTITION BY toYYYYMMDD(at)
ORDER BY (restaurant_id, order_id, at)
TTL toDateTime(at) + INTERVAL 90 DAY`, database, table),
	}
}

// ClickHouseAuditStore writes audit entries for offline merchant analysis.
type ClickHouseAuditStore struct {
	db    *sql.DB
	table string
}

func NewClickHouseAuditStore(db *sql.DB, table string) *ClickHouseAuditStore {
	return &ClickHouseAuditStore{db: db, table: table}
}

// RecordBatch inserts entries with multi-row VALUES in chunks.
func (s *ClickHouseAuditStore) RecordBatch(ctx context.Context, entries []models.AuditEntry) error {
	const chunkSize = 2000
	for start := 0; start < len(entries); start += chunkSize {
		end := min(start+chunkSize, len(entries))
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*8)
		for _, e := range entries[start:end] {
			if e.OrderID == "" {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, e.At.UTC(), e.EventAt.UTC(), e.OrderID, e.RestaurantID,
				string(e.Kind), e.Outcome, e.Detail, e.Error)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (at, event_at, order_id, restaurant_id, kind, outcome, detail, error) VALUES %s",
			s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("clickhouse audit insert: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool belongs to the clickhouse client.
func (s *ClickHouseAuditStore) Close() error { return nil }

var _ repository.AuditSink = (*ClickHouseAuditStore)(nil)
