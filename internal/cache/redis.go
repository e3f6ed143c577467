package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/bibles/internal/domain"
)

type redisCache struct {
	client  *redis.Client
	logger  *slog.Logger
	ttl     time.Duration
	timeout time.Duration
}

// NewRedis constructs a Redis backed cache and verifies connectivity.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (ArtifactCache, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedis(client, ttl, logger), nil
}

func newRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *redisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCache{
		client:  client,
		logger:  logger.With("component", "artifact_cache"),
		ttl:     ttl,
		timeout: 2 * time.Second,
	}
}

func (c *redisCache) Get(ctx context.Context, project domain.Project) (domain.Bible, bool, error) {
	key := Key(project)
	if key == "" {
		return domain.Bible{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Bible{}, false, nil
	}
	if err != nil {
		return domain.Bible{}, false, fmt.Errorf("redis get: %w", err)
	}
	var bible domain.Bible
	if err := json.Unmarshal(data, &bible); err != nil {
		c.logger.Warn("discarding undecodable cached bible", "key", key, "error", err)
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Error("redis cache error", "op", "del", "error", delErr)
		}
		return domain.Bible{}, false, nil
	}
	return bible, true, nil
}

func (c *redisCache) Put(ctx context.Context, project domain.Project, bible domain.Bible) error {
	key := Key(project)
	if key == "" {
		return nil
	}
	data, err := json.Marshal(bible)
	if err != nil {
		return fmt.Errorf("encode bible: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
