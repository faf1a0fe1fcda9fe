package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider stores entries in redis, one keyspace prefix per table.
type RedisProvider struct {
	id     string
	client *redis.Client
}

// NewRedisProvider creates a redis provider registered under id.
func NewRedisProvider(id string, client *redis.Client) *RedisProvider {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisProvider{id: id, client: client}
}

// CacheID implements Provider.
func (p *RedisProvider) CacheID() string { return p.id }

// Create implements Provider.
func (p *RedisProvider) Create(table string) (Backend, error) {
	return &redisBackend{
		client: p.client,
		prefix: fmt.Sprintf("fetchkit:%s:", table),
	}, nil
}

type redisBackend struct {
	client *redis.Client
	prefix string
}

func (b *redisBackend) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

func (b *redisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			Misses.WithLabelValues("redis").Inc()
			return nil, ErrMiss
		}
		Errors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	Hits.WithLabelValues("redis").Inc()
	return &entry, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, entry *Entry) error {
	if existing, err := b.Get(ctx, key); err == nil && entry.Updated.Before(existing.Updated) {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl, bounded := entry.RetentionTTL()
	if !bounded {
		ttl = 0 // no automatic expiration
	} else if ttl <= 0 {
		return nil
	}

	if err := b.client.Set(ctx, b.prefix+key, data, ttl).Err(); err != nil {
		Errors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		Errors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (b *redisBackend) Clear(ctx context.Context) (int, error) {
	var count int
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			Errors.WithLabelValues("redis", "clear").Inc()
			return count, fmt.Errorf("redis del: %w", err)
		}
		count++
	}
	if err := iter.Err(); err != nil {
		Errors.WithLabelValues("redis", "clear").Inc()
		return count, fmt.Errorf("redis scan: %w", err)
	}
	return count, nil
}

func (b *redisBackend) Keys(ctx context.Context, fn func(string) bool) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if !fn(strings.TrimPrefix(iter.Val(), b.prefix)) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		Errors.WithLabelValues("redis", "keys").Inc()
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close is a no-op: the redis client is owned by the caller.
func (b *redisBackend) Close() error { return nil }
