package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("resource not found")

	// ErrNoJob means no job is currently eligible for claiming.
	ErrNoJob = errors.New("no claimable job")

	// ErrLeaseLost means the caller no longer holds the lease on the job,
	// typically because it expired and another worker reclaimed it.
	ErrLeaseLost = errors.New("lease no longer held")

	// ErrTerminal means the job already reached done or failed.
	ErrTerminal = errors.New("job is terminal")
)

// JobsRepository is the lease store: the single source of truth for job
// state and the only place mutation is serialized. ClaimOne is the sole
// concurrency-correctness mechanism; every other write assumes the caller
// holds the lease or is a read-side collaborator.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error)

	// ClaimOne atomically acquires a lease on one eligible job: pending with
	// next_try_at due, or in_progress with an expired lease. Increments
	// attempts. Returns ErrNoJob when nothing is claimable.
	ClaimOne(ctx context.Context, workerID string, leaseFor time.Duration) (*domain.Job, error)

	// RenewLease extends the lease iff workerID still holds it.
	RenewLease(ctx context.Context, jobID, workerID string, extension time.Duration) error

	// PersistCallStarted durably records the provider call id before any
	// blocking poll begins, independent of the eventual outcome.
	PersistCallStarted(ctx context.Context, jobID, callID string, startedAt time.Time) error

	// PersistCallEnded records that the call reached a terminal provider
	// state, with its classified result. A job whose call_id is set but
	// call_ended_at is not is an in-flight call a resuming worker must
	// reconcile instead of dialing again.
	PersistCallEnded(ctx context.Context, jobID string, endedAt time.Time, result *domain.CallResult) error

	// SetPhoneIndex advances phone rotation mid-attempt; requires the lease.
	SetPhoneIndex(ctx context.Context, jobID, workerID string, index int) error

	// MarkDone finishes the job successfully. Terminal.
	MarkDone(ctx context.Context, jobID string, result *domain.CallResult) error

	// MarkFailed records a failure. Terminal when terminal is true or the
	// attempt ceiling is reached; otherwise the job returns to pending with
	// next_try_at = now + retryDelay and its phone rotation reset.
	MarkFailed(ctx context.Context, jobID, reason string, terminal bool, retryDelay time.Duration) error

	// Reschedule defers the job without consuming retry budget: the
	// increment applied by ClaimOne is compensated.
	Reschedule(ctx context.Context, jobID string, notBefore time.Time) error
}

// MemoryJobsRepository keeps jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu                 sync.Mutex
	jobs               map[string]*domain.Job
	defaultMaxAttempts int
	clock              func() time.Time
}

func NewMemoryJobsRepository(defaultMaxAttempts int) *MemoryJobsRepository {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &MemoryJobsRepository{
		jobs:               make(map[string]*domain.Job),
		defaultMaxAttempts: defaultMaxAttempts,
		clock:              time.Now,
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	clone := cloneJob(job)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Status == "" {
		clone.Status = domain.JobStatusPending
	}
	if clone.MaxAttempts <= 0 {
		clone.MaxAttempts = r.defaultMaxAttempts
	}
	if clone.NextTryAt.IsZero() {
		clone.NextTryAt = now
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.jobs[clone.ID] = clone
	job.ID = clone.ID
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) ListJobs(
	_ context.Context,
	filter domain.JobListFilter,
) ([]domain.JobListItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	items := make([]domain.JobListItem, 0)
	for _, job := range r.jobs {
		if filter.BatchID != "" && job.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		items = append(items, domain.JobListItem{
			JobID:     job.ID,
			BatchID:   job.BatchID,
			Name:      job.Name,
			Status:    job.Status,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []domain.JobListItem{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return items[start:end], total, nil
}

func (r *MemoryJobsRepository) ClaimOne(
	_ context.Context,
	workerID string,
	leaseFor time.Duration,
) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()

	var candidate *domain.Job
	for _, job := range r.jobs {
		if !claimable(job, now) {
			continue
		}
		if candidate == nil || job.NextTryAt.Before(candidate.NextTryAt) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, ErrNoJob
	}

	candidate.Status = domain.JobStatusInProgress
	candidate.WorkerID = workerID
	candidate.ReservedUntil = now.Add(leaseFor)
	candidate.Attempts++
	candidate.UpdatedAt = now
	return cloneJob(candidate), nil
}

func claimable(job *domain.Job, now time.Time) bool {
	switch job.Status {
	case domain.JobStatusPending:
		return !job.NextTryAt.After(now)
	case domain.JobStatusInProgress:
		return job.ReservedUntil.Before(now)
	default:
		return false
	}
}

func (r *MemoryJobsRepository) RenewLease(
	_ context.Context,
	jobID, workerID string,
	extension time.Duration,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusInProgress || job.WorkerID != workerID {
		return ErrLeaseLost
	}
	now := r.clock().UTC()
	job.ReservedUntil = now.Add(extension)
	job.UpdatedAt = now
	return nil
}

func (r *MemoryJobsRepository) PersistCallStarted(
	_ context.Context,
	jobID, callID string,
	startedAt time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	started := startedAt.UTC()
	job.CallID = callID
	job.CallStartedAt = &started
	job.CallEndedAt = nil
	job.CallResult = nil
	job.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryJobsRepository) PersistCallEnded(
	_ context.Context,
	jobID string,
	endedAt time.Time,
	result *domain.CallResult,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	ended := endedAt.UTC()
	job.CallEndedAt = &ended
	job.CallResult = cloneResult(result)
	job.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryJobsRepository) SetPhoneIndex(_ context.Context, jobID, workerID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusInProgress || job.WorkerID != workerID {
		return ErrLeaseLost
	}
	job.NextPhoneIndex = index
	job.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryJobsRepository) MarkDone(_ context.Context, jobID string, result *domain.CallResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}

	now := r.clock().UTC()
	job.Status = domain.JobStatusDone
	job.CallResult = cloneResult(result)
	if job.CallEndedAt == nil {
		job.CallEndedAt = &now
	}
	job.LastError = ""
	clearLease(job)
	job.UpdatedAt = now
	return nil
}

func (r *MemoryJobsRepository) MarkFailed(
	_ context.Context,
	jobID, reason string,
	terminal bool,
	retryDelay time.Duration,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}

	now := r.clock().UTC()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.defaultMaxAttempts
	}

	switch {
	case terminal:
		job.Status = domain.JobStatusFailed
		job.LastError = reason
	case job.Attempts >= maxAttempts:
		job.Status = domain.JobStatusFailed
		job.LastError = domain.ReasonAttemptsExhausted
	default:
		job.Status = domain.JobStatusPending
		job.LastError = reason
		job.NextTryAt = now.Add(retryDelay)
		job.NextPhoneIndex = 0
	}
	clearLease(job)
	job.UpdatedAt = now
	return nil
}

func (r *MemoryJobsRepository) Reschedule(_ context.Context, jobID string, notBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}

	job.Status = domain.JobStatusPending
	job.NextTryAt = notBefore.UTC()
	if job.Attempts > 0 {
		job.Attempts--
	}
	clearLease(job)
	job.UpdatedAt = r.clock().UTC()
	return nil
}

func clearLease(job *domain.Job) {
	job.WorkerID = ""
	job.ReservedUntil = time.Time{}
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Phones = append([]string(nil), job.Phones...)
	if job.Payload != nil {
		payload := make(map[string]any, len(job.Payload))
		for key, value := range job.Payload {
			payload[key] = value
		}
		clone.Payload = payload
	}
	clone.CallResult = cloneResult(job.CallResult)
	if job.CallStartedAt != nil {
		started := *job.CallStartedAt
		clone.CallStartedAt = &started
	}
	if job.CallEndedAt != nil {
		ended := *job.CallEndedAt
		clone.CallEndedAt = &ended
	}
	return &clone
}

func cloneResult(result *domain.CallResult) *domain.CallResult {
	if result == nil {
		return nil
	}
	clone := *result
	if result.Variables != nil {
		variables := make(map[string]any, len(result.Variables))
		for key, value := range result.Variables {
			variables[key] = value
		}
		clone.Variables = variables
	}
	return &clone
}
