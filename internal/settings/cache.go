// Package settings provides the read-through batch configuration cache.
// Campaign settings change rarely; a short TTL keeps workers from hitting
// the batch store on every claim while bounding staleness.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
)

const DefaultTTL = 5 * time.Minute

// Cache resolves a batch id to its campaign configuration.
type Cache interface {
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
}

type entry struct {
	batch     *domain.Batch
	expiresAt time.Time
}

// MemoryCache is an in-process read-through cache over the batches
// repository. Safe for concurrent readers with occasional refresh writes.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	source  repository.BatchesRepository
	ttl     time.Duration
	clock   func() time.Time
}

func NewMemoryCache(source repository.BatchesRepository, ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]entry),
		source:  source,
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (c *MemoryCache) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	now := c.clock().UTC()

	c.mu.RLock()
	cached, ok := c.entries[batchID]
	c.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.batch, nil
	}

	batch, err := fetchBatch(ctx, c.source, batchID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[batchID] = entry{batch: batch, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return batch, nil
}

// fetchBatch loads a batch from the store. A missing batch is not an error:
// unconfigured campaigns behave as active with global defaults.
func fetchBatch(ctx context.Context, source repository.BatchesRepository, batchID string) (*domain.Batch, error) {
	batch, err := source.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.Batch{ID: batchID, Status: domain.BatchStatusActive}, nil
		}
		return nil, fmt.Errorf("fetch batch %s: %w", batchID, err)
	}
	if batch.Status == "" {
		batch.Status = domain.BatchStatusActive
	}
	return batch, nil
}
