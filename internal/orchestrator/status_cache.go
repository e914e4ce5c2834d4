package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"threatflow/internal/connector"
)

const statusCacheTTL = 5 * time.Minute

// RedisStatusCache stores the last known connection status per integration
// in Redis with a short TTL, so status reads served between health checks
// do not hit the backend.
type RedisStatusCache struct {
	client *redis.Client
}

// NewRedisStatusCache connects to Redis and verifies the connection.
func NewRedisStatusCache(ctx context.Context, addr, password string, db int) (*RedisStatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStatusCache{client: client}, nil
}

func statusKey(id uuid.UUID) string {
	return "threatflow:integration_status:" + id.String()
}

// SetStatus writes the status, replacing any previous entry.
func (c *RedisStatusCache) SetStatus(ctx context.Context, id uuid.UUID, status connector.ConnectionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(id), data, statusCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// GetStatus reads the cached status. Returns nil, nil on a cache miss.
func (c *RedisStatusCache) GetStatus(ctx context.Context, id uuid.UUID) (*connector.ConnectionStatus, error) {
	data, err := c.client.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var status connector.ConnectionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &status, nil
}

// Close releases the Redis connection.
func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}
