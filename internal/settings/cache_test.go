package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
)

type countingSource struct {
	batches map[string]*domain.Batch
	err     error
	calls   int
}

func (s *countingSource) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *batch
	return &clone, nil
}

func TestMemoryCacheReadThrough(t *testing.T) {
	source := &countingSource{batches: map[string]*domain.Batch{
		"batch-1": {ID: "batch-1", AccountID: "acct-1", Status: domain.BatchStatusActive},
	}}
	cache := NewMemoryCache(source, time.Minute)
	ctx := context.Background()

	first, err := cache.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := cache.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected a single source fetch, got %d", source.calls)
	}
	if first.AccountID != second.AccountID || second.AccountID != "acct-1" {
		t.Fatalf("cache returned inconsistent batches: %+v vs %+v", first, second)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	source := &countingSource{batches: map[string]*domain.Batch{
		"batch-1": {ID: "batch-1", Status: domain.BatchStatusActive},
	}}
	cache := NewMemoryCache(source, time.Minute)
	now := time.Now().UTC()
	cache.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cache.GetBatch(ctx, "batch-1"); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	// Inside the TTL the entry is served from memory.
	now = now.Add(30 * time.Second)
	if _, err := cache.GetBatch(ctx, "batch-1"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected cached read inside TTL, source calls = %d", source.calls)
	}

	// Past the TTL the entry is refetched.
	now = now.Add(time.Minute)
	if _, err := cache.GetBatch(ctx, "batch-1"); err != nil {
		t.Fatalf("refresh fetch: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("expected refetch after TTL, source calls = %d", source.calls)
	}
}

func TestMemoryCacheMissingBatchDefaultsActive(t *testing.T) {
	source := &countingSource{batches: map[string]*domain.Batch{}}
	cache := NewMemoryCache(source, time.Minute)

	batch, err := cache.GetBatch(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get missing batch: %v", err)
	}
	if batch.ID != "ghost" || batch.Status != domain.BatchStatusActive {
		t.Fatalf("expected active default batch, got %+v", batch)
	}
	if batch.CallSettings != nil {
		t.Fatalf("expected no batch overrides, got %+v", batch.CallSettings)
	}
}

func TestMemoryCacheSourceErrorPropagates(t *testing.T) {
	sourceErr := errors.New("store unavailable")
	cache := NewMemoryCache(&countingSource{err: sourceErr}, time.Minute)

	if _, err := cache.GetBatch(context.Background(), "batch-1"); !errors.Is(err, sourceErr) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}
