// Package orchestrator drives one claimed job through its call lifecycle:
// phone selection, dial, a lease-renewing poll loop, outcome classification,
// and persistence. Every exit path writes a job state; nothing escapes to
// crash the worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/provider"
	"github.com/callhive/dialer/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 15 * time.Second

	// maxConsecutivePollErrors bounds how long a dead provider can hold a
	// worker inside a poll loop before the call is written off.
	maxConsecutivePollErrors = 4

	storeWriteRetries = 3
	storeWriteBackoff = 500 * time.Millisecond
)

type Config struct {
	AgentID       string
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

type Orchestrator struct {
	jobs        repository.JobsRepository
	calls       provider.CallProvider
	dialLimiter *rate.Limiter
	logger      *logrus.Logger
	cfg         Config
	clock       func() time.Time
}

func New(
	jobs repository.JobsRepository,
	calls provider.CallProvider,
	dialLimiter *rate.Limiter,
	logger *logrus.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	return &Orchestrator{
		jobs:        jobs,
		calls:       calls,
		dialLimiter: dialLimiter,
		logger:      logger,
		cfg:         cfg,
		clock:       time.Now,
	}
}

// Execute drives one claimed, admitted job to a persisted state. settings
// must already be resolved against global defaults. The returned error
// covers abandoned work only (shutdown, lost lease, store down); the lease
// TTL lets another worker reclaim in those cases.
func (o *Orchestrator) Execute(ctx context.Context, job *domain.Job, settings domain.CallSettings) error {
	log := o.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"batch_id":  job.BatchID,
		"worker_id": job.WorkerID,
		"attempt":   job.Attempts,
	})

	// A call id without a recorded end means a previous worker dialed and
	// crashed before resolving. Poll that call instead of dialing the same
	// contact twice.
	if job.CallID != "" && job.CallEndedAt == nil && job.CallStartedAt != nil {
		log.WithField("call_id", job.CallID).Info("reconciling unresolved call")
		err := o.resolveCall(ctx, job, settings, job.CallID, *job.CallStartedAt, log)
		if !errors.Is(err, errCallNotSuccessful) {
			return err
		}
		if err := o.advancePhone(ctx, job, job.NextPhoneIndex+1); err != nil {
			return err
		}
	}

	for {
		index := job.NextPhoneIndex
		if len(job.Phones) == 0 || index >= len(job.Phones) {
			log.WithField("phones", len(job.Phones)).Info("phones exhausted")
			return o.markFailed(ctx, job.ID, domain.ReasonPhonesExhausted, false, settings.RetryDelay)
		}
		phone := job.Phones[index]

		if o.dialLimiter != nil {
			if err := o.dialLimiter.Wait(ctx); err != nil {
				return err
			}
		}

		callID, err := o.calls.CreateCall(ctx, provider.CreateCallRequest{
			Phone:       phone,
			AgentID:     o.cfg.AgentID,
			RingTimeout: settings.RingTimeout,
			Context:     CallContext(job, o.clock(), settings.Timezone),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Nothing was created, so there is nothing to persist; rotate
			// to the next candidate phone.
			log.WithError(err).WithField("phone_index", index).Warn("call creation failed")
			if err := o.advancePhone(ctx, job, index+1); err != nil {
				return err
			}
			continue
		}

		startedAt := o.clock().UTC()
		if err := o.withStoreRetry(ctx, func() error {
			return o.jobs.PersistCallStarted(ctx, job.ID, callID, startedAt)
		}); err != nil {
			// The call id never became durable, so polling would break the
			// reconciliation invariant. Abandon; the lease expires and the
			// job is reclaimed.
			return fmt.Errorf("persist call started: %w", err)
		}
		log.WithFields(logrus.Fields{"call_id": callID, "phone_index": index}).Info("call created")

		err = o.resolveCall(ctx, job, settings, callID, startedAt, log)
		if err == nil || !errors.Is(err, errCallNotSuccessful) {
			return err
		}
		if err := o.advancePhone(ctx, job, index+1); err != nil {
			return err
		}
	}
}

// errCallNotSuccessful signals internally that the call resolved without
// success and phone rotation should continue. Never persisted.
var errCallNotSuccessful = errors.New("call resolved without success")

// resolveCall polls the call to a terminal state, classifies it, and
// persists the result. Success terminates the job; any other outcome is
// reported to the caller for rotation.
func (o *Orchestrator) resolveCall(
	ctx context.Context,
	job *domain.Job,
	settings domain.CallSettings,
	callID string,
	startedAt time.Time,
	log *logrus.Entry,
) error {
	status, outcome, err := o.pollCall(ctx, job, callID, startedAt, settings.MaxCallDuration)
	if err != nil {
		return err
	}

	result := buildResult(status, outcome)
	endedAt := o.clock().UTC()
	if err := o.withStoreRetry(ctx, func() error {
		return o.jobs.PersistCallEnded(ctx, job.ID, endedAt, result)
	}); err != nil {
		return fmt.Errorf("persist call ended: %w", err)
	}

	log.WithFields(logrus.Fields{
		"call_id":  callID,
		"outcome":  string(outcome),
		"duration": result.DurationSeconds,
	}).Info("call resolved")

	if outcome == domain.OutcomeSuccess {
		if err := o.withStoreRetry(ctx, func() error {
			return o.jobs.MarkDone(ctx, job.ID, result)
		}); err != nil {
			return fmt.Errorf("mark done: %w", err)
		}
		return nil
	}
	return errCallNotSuccessful
}

// pollCall blocks until the provider reports a terminal status or the call
// exceeds its duration budget. The lease is renewed on every tick so the
// job is not reclaimed mid-call; losing the lease anyway aborts the poll.
func (o *Orchestrator) pollCall(
	ctx context.Context,
	job *domain.Job,
	callID string,
	startedAt time.Time,
	maxDuration time.Duration,
) (provider.CallStatus, domain.CallOutcome, error) {
	deadline := startedAt.Add(maxDuration)
	errorStreak := 0
	lastStatus := provider.CallStatus{CallID: callID}

	for {
		if err := o.jobs.RenewLease(ctx, job.ID, job.WorkerID, o.cfg.LeaseDuration); err != nil {
			if errors.Is(err, repository.ErrLeaseLost) {
				o.logger.WithFields(logrus.Fields{"job_id": job.ID, "call_id": callID}).
					Warn("lease lost while polling, abandoning call")
				return lastStatus, "", err
			}
			o.logger.WithError(err).WithField("job_id", job.ID).Warn("lease renewal failed")
		}

		status, err := o.calls.GetCallStatus(ctx, callID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return lastStatus, "", ctx.Err()
			}
			errorStreak++
			o.logger.WithError(err).WithFields(logrus.Fields{
				"call_id": callID,
				"streak":  errorStreak,
			}).Warn("call status query failed")
			if errorStreak >= maxConsecutivePollErrors {
				return lastStatus, domain.OutcomeProviderError, nil
			}
		case !domain.CallStatusInFlight(status.Status):
			return status, domain.ClassifyCallStatus(status.Status), nil
		default:
			errorStreak = 0
			lastStatus = status
		}

		if o.clock().After(deadline) {
			return lastStatus, domain.OutcomeTimeout, nil
		}

		timer := time.NewTimer(o.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastStatus, "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) advancePhone(ctx context.Context, job *domain.Job, next int) error {
	job.NextPhoneIndex = next
	err := o.withStoreRetry(ctx, func() error {
		return o.jobs.SetPhoneIndex(ctx, job.ID, job.WorkerID, next)
	})
	if err != nil {
		return fmt.Errorf("advance phone index: %w", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(
	ctx context.Context,
	jobID, reason string,
	terminal bool,
	retryDelay time.Duration,
) error {
	err := o.withStoreRetry(ctx, func() error {
		return o.jobs.MarkFailed(ctx, jobID, reason, terminal, retryDelay)
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// withStoreRetry absorbs transient store unavailability. Store trouble is
// never a job failure; after the retry budget the work is abandoned to the
// lease TTL.
func (o *Orchestrator) withStoreRetry(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < storeWriteRetries; attempt++ {
		err = write()
		if err == nil ||
			errors.Is(err, repository.ErrLeaseLost) ||
			errors.Is(err, repository.ErrTerminal) ||
			errors.Is(err, repository.ErrNotFound) {
			return err
		}

		timer := time.NewTimer(storeWriteBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func buildResult(status provider.CallStatus, outcome domain.CallOutcome) *domain.CallResult {
	return &domain.CallResult{
		Outcome:             outcome,
		ProviderStatus:      status.Status,
		DurationSeconds:     status.DurationSeconds,
		Cost:                status.Cost,
		Transcript:          status.Transcript,
		RecordingURL:        status.RecordingURL,
		DisconnectionReason: status.DisconnectionReason,
		Variables:           status.Variables,
	}
}
