package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis working memory backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisBackend is a Redis-backed working memory Backend for
// multi-instance gateway deployments. Items are stored as JSON strings
// with Redis-native TTLs mirroring the item TTL, so expired items
// disappear server-side even without a sweep.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend connects to Redis and returns a backend.
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "cortex:"
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: prefix + "wm:",
	}, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) itemKey(id string) string {
	return b.keyPrefix + "item:" + id
}

// Put stores an item with the given TTL.
func (b *RedisBackend) Put(ctx context.Context, item Item, ttl time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal working item: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Until(item.ExpiresAt)
	}
	return b.client.Set(ctx, b.itemKey(item.ID), data, ttl).Err()
}

// Get loads an item by id.
func (b *RedisBackend) Get(ctx context.Context, id string) (Item, bool, error) {
	data, err := b.client.Get(ctx, b.itemKey(id)).Bytes()
	if err == redis.Nil {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, false, fmt.Errorf("unmarshal working item: %w", err)
	}
	return item, true, nil
}

// Delete removes an item by id.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	return b.client.Del(ctx, b.itemKey(id)).Err()
}

// List returns all stored items via a prefix scan.
func (b *RedisBackend) List(ctx context.Context) ([]Item, error) {
	var items []Item
	iter := b.client.Scan(ctx, 0, b.keyPrefix+"item:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := b.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

var _ Backend = (*RedisBackend)(nil)
