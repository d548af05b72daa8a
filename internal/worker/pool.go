// Package worker runs the claim loop: N independent workers each drive a
// synchronous claim, admit, dial, poll, persist cycle. Workers share no
// mutable state beyond the batch settings cache; the lease store's atomic
// claim is the only serialization point.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/orchestrator"
	"github.com/callhive/dialer/internal/quota"
	"github.com/callhive/dialer/internal/repository"
	"github.com/callhive/dialer/internal/schedule"
	"github.com/callhive/dialer/internal/settings"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers       int
	LeaseDuration time.Duration

	// IdleInterval is how long a worker sleeps when nothing is claimable.
	IdleInterval time.Duration
	// StoreBackoff is the pause after a lease store error.
	StoreBackoff time.Duration
	// InfraRetry is the attempt-free deferral applied when a collaborator
	// (batch store, billing) is unavailable.
	InfraRetry time.Duration
	// PausedRecheck is how far out jobs of a paused batch are deferred.
	PausedRecheck time.Duration

	// Defaults apply to batches without explicit call settings.
	Defaults domain.CallSettings
}

type Pool struct {
	jobs    repository.JobsRepository
	batches settings.Cache
	guard   *quota.Guard
	orch    *orchestrator.Orchestrator
	logger  *logrus.Logger
	cfg     Config
}

func NewPool(
	jobs repository.JobsRepository,
	batches settings.Cache,
	guard *quota.Guard,
	orch *orchestrator.Orchestrator,
	logger *logrus.Logger,
	cfg Config,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 2 * time.Second
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 2 * time.Second
	}
	if cfg.InfraRetry <= 0 {
		cfg.InfraRetry = 30 * time.Second
	}
	if cfg.PausedRecheck <= 0 {
		cfg.PausedRecheck = 5 * time.Minute
	}
	return &Pool{
		jobs:    jobs,
		batches: batches,
		guard:   guard,
		orch:    orch,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start runs the pool until ctx is canceled and all workers return. A
// canceled context stops new claims; in-flight work either finishes or is
// abandoned to the lease TTL for another instance to reclaim.
func (p *Pool) Start(ctx context.Context) {
	instance := uuid.NewString()[:8]
	p.logger.WithFields(logrus.Fields{
		"instance": instance,
		"workers":  p.cfg.Workers,
	}).Info("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", instance, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx, workerID)
		}()
	}
	wg.Wait()
	p.logger.WithField("instance", instance).Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		job, err := p.jobs.ClaimOne(ctx, workerID, p.cfg.LeaseDuration)
		if err != nil {
			if errors.Is(err, repository.ErrNoJob) {
				p.pause(ctx, p.cfg.IdleInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).WithField("worker_id", workerID).Warn("claim failed")
			p.pause(ctx, p.cfg.StoreBackoff)
			continue
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *domain.Job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
		"batch_id":  job.BatchID,
		"attempt":   job.Attempts,
	})
	log.Info("job claimed")

	now := time.Now().UTC()

	batch, err := p.batches.GetBatch(ctx, job.BatchID)
	if err != nil {
		log.WithError(err).Warn("batch settings unavailable, deferring job")
		p.deferJob(ctx, job.ID, now.Add(p.cfg.InfraRetry), log)
		return
	}
	effective := batch.CallSettings.WithDefaults(p.cfg.Defaults)

	if batch.Status == domain.BatchStatusPaused {
		log.Info("batch paused, deferring job")
		p.deferJob(ctx, job.ID, now.Add(p.cfg.PausedRecheck), log)
		return
	}

	// Both gates run on every claim; admission is never cached across
	// deferrals.
	if admitted, reason := schedule.Admit(&effective, now); !admitted {
		next := schedule.NextAdmissible(&effective, now, effective.RetryDelay)
		log.WithFields(logrus.Fields{"reason": reason, "next_try_at": next}).
			Info("schedule gate denied, deferring job")
		p.deferJob(ctx, job.ID, next, log)
		return
	}

	admitted, reason, err := p.guard.Admit(ctx, job.AccountID)
	if err != nil {
		log.WithError(err).Warn("balance check unavailable, deferring job")
		p.deferJob(ctx, job.ID, now.Add(p.cfg.InfraRetry), log)
		return
	}
	if !admitted {
		log.WithField("reason", reason).Warn("quota denied, failing job")
		if err := p.jobs.MarkFailed(ctx, job.ID, reason, true, 0); err != nil {
			log.WithError(err).Error("quota denial write failed")
		}
		return
	}

	if err := p.orch.Execute(ctx, job, effective); err != nil {
		// Abandoned work: shutdown, lost lease, or store down. The lease
		// TTL guarantees the job does not stay in_progress forever.
		log.WithError(err).Warn("job abandoned mid-flight")
	}
}

// deferJob is an attempt-free reschedule; failures beyond a lost race are
// logged because the lease TTL still recovers the job eventually.
func (p *Pool) deferJob(ctx context.Context, jobID string, notBefore time.Time, log *logrus.Entry) {
	err := p.jobs.Reschedule(ctx, jobID, notBefore)
	if err != nil && !errors.Is(err, repository.ErrTerminal) {
		log.WithError(err).Error("reschedule failed")
	}
}

func (p *Pool) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
