package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"github.com/go-redis/redis/v8"
)

const webhookMarkerTTL = 24 * time.Hour

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func orderKey(id string) string {
	return fmt.Sprintf("order:%s", id)
}

// CacheOrder stores the full order view for read-through lookups.
func (r *RedisRepository) CacheOrder(ctx context.Context, order *models.Order) error {
	return r.SetJSON(ctx, orderKey(order.ID), order, r.config.OrderTTL)
}

// GetCachedOrder returns nil without error on a cache miss.
func (r *RedisRepository) GetCachedOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.GetJSON(ctx, orderKey(id), &order)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *RedisRepository) InvalidateOrder(ctx context.Context, id string) error {
	return r.client.Del(ctx, orderKey(id)).Err()
}

// NextOrderSequence increments the per-day order counter. The key expires
// two days later so old counters do not pile up.
func (r *RedisRepository) NextOrderSequence(ctx context.Context, day time.Time) (int64, error) {
	key := fmt.Sprintf("order_seq:%s", day.Format("20060102"))
	seq, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if seq == 1 {
		r.client.Expire(ctx, key, 48*time.Hour)
	}
	return seq, nil
}

// MarkWebhook records a provider delivery and reports whether it is the
// first time this exact delivery was seen.
func (r *RedisRepository) MarkWebhook(ctx context.Context, provider, transactionID, status string) (bool, error) {
	key := fmt.Sprintf("webhook:%s:%s:%s", provider, transactionID, status)
	return r.client.SetNX(ctx, key, time.Now().Unix(), webhookMarkerTTL).Result()
}

// ForgetWebhook drops the marker so a delivery that failed to apply can
// be processed again when the provider retries it.
func (r *RedisRepository) ForgetWebhook(ctx context.Context, provider, transactionID, status string) error {
	key := fmt.Sprintf("webhook:%s:%s:%s", provider, transactionID, status)
	return r.client.Del(ctx, key).Err()
}
