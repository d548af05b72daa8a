package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache shares batch configuration across worker processes. Redis
// trouble degrades to a direct store read, never to a job failure.
type RedisCache struct {
	client    *redis.Client
	source    repository.BatchesRepository
	keyPrefix string
	ttl       time.Duration
	logger    *logrus.Logger
}

func NewRedisCache(
	ctx context.Context,
	cfg RedisConfig,
	source repository.BatchesRepository,
	logger *logrus.Logger,
) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dialer:batch:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisCache{
		client:    client,
		source:    source,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		logger:    logger,
	}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	key := c.keyPrefix + batchID

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var batch domain.Batch
		if decodeErr := json.Unmarshal(raw, &batch); decodeErr == nil {
			return &batch, nil
		}
		// Corrupt entry: drop it and refetch.
		_ = c.client.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) && c.logger != nil {
		c.logger.WithError(err).WithField("batch_id", batchID).
			Warn("redis cache read failed, falling back to store")
	}

	batch, err := fetchBatch(ctx, c.source, batchID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(batch)
	if err == nil {
		if setErr := c.client.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil && c.logger != nil {
			c.logger.WithError(setErr).WithField("batch_id", batchID).
				Warn("redis cache write failed")
		}
	}
	return batch, nil
}
