package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	pkgredis "kitchenpulse/pkg/redis"
)

// RedisSnapshotStore keeps one key per order and per restaurant rush index.
// Order keys expire after ttl so retired orders age out on their own.
type RedisSnapshotStore struct {
	client *pkgredis.Client
	ttl    time.Duration
}

func NewRedisSnapshotStore(client *pkgredis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

func (s *RedisSnapshotStore) SaveOrders(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	_, err := s.client.Redis().Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, o := range orders {
			b, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("marshal order %s: %w", o.ID, err)
			}
			p.Set(ctx, s.client.Key("order", o.ID), b, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save orders: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) SaveRushIndexes(ctx context.Context, idx []models.RushIndex) error {
	if len(idx) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(idx))
	for _, r := range idx {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal rush %s: %w", r.RestaurantID, err)
		}
		values[r.RestaurantID] = b
	}
	if err := s.client.Redis().HSet(ctx, s.client.Key("rush"), values).Err(); err != nil {
		return fmt.Errorf("redis save rush: %w", err)
	}
	return nil
}

// LoadOrders scans every order key. Corrupt entries are skipped.
func (s *RedisSnapshotStore) LoadOrders(ctx context.Context) ([]*models.Order, error) {
	rdb := s.client.Redis()
	var (
		orders []*models.Order
		cursor uint64
	)
	pattern := s.client.Key("order", "*")
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan orders: %w", err)
		}
		if len(keys) > 0 {
			vals, err := rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis load orders: %w", err)
			}
			for _, v := range vals {
				str, ok := v.(string)
				if !ok {
					continue
				}
				var o models.Order
				if err := json.Unmarshal([]byte(str), &o); err != nil {
					continue
				}
				orders = append(orders, &o)
			}
		}
		cursor = next
		if cursor == 0 {
			return orders, nil
		}
	}
}

func (s *RedisSnapshotStore) Health(ctx context.Context) error { return s.client.Health(ctx) }

func (s *RedisSnapshotStore) Close() error { return nil }

var _ repository.SnapshotStore = (*RedisSnapshotStore)(nil)
