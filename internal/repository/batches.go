package repository

import (
	"context"
	"sync"
	"time"

	"github.com/callhive/dialer/internal/domain"
)

// BatchesRepository reads campaign configuration. Batches are written by the
// ingestion and management collaborators; the engine only consumes them.
type BatchesRepository interface {
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
}

// MemoryBatchesRepository stores batches in memory for local development.
type MemoryBatchesRepository struct {
	mu      sync.RWMutex
	batches map[string]*domain.Batch
}

func NewMemoryBatchesRepository() *MemoryBatchesRepository {
	return &MemoryBatchesRepository{batches: make(map[string]*domain.Batch)}
}

func (r *MemoryBatchesRepository) PutBatch(batch *domain.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := cloneBatch(batch)
	if clone.Status == "" {
		clone.Status = domain.BatchStatusActive
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	r.batches[clone.ID] = clone
}

func (r *MemoryBatchesRepository) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	batch, ok := r.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(batch), nil
}

func cloneBatch(batch *domain.Batch) *domain.Batch {
	if batch == nil {
		return nil
	}
	clone := *batch
	if batch.CallSettings != nil {
		settings := *batch.CallSettings
		settings.DaysOfWeek = append([]int(nil), batch.CallSettings.DaysOfWeek...)
		if batch.CallSettings.AllowedStart != nil {
			start := *batch.CallSettings.AllowedStart
			settings.AllowedStart = &start
		}
		if batch.CallSettings.AllowedEnd != nil {
			end := *batch.CallSettings.AllowedEnd
			settings.AllowedEnd = &end
		}
		clone.CallSettings = &settings
	}
	return &clone
}
