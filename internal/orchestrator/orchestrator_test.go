package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/provider"
	"github.com/callhive/dialer/internal/repository"
	"github.com/sirupsen/logrus"
)

// fakeProvider scripts one terminal status per successful dial. Call ids are
// "call-1", "call-2", ... in dial order.
type fakeProvider struct {
	mu         sync.Mutex
	statuses   []string // terminal status for the i-th successful dial
	createErrs []error  // consumed per dial attempt, nil entries succeed
	inFlight   bool     // never reach a terminal status
	dialed     []string // phones of successful dials
	attempts   int      // dial attempts including failed creates
}

func (p *fakeProvider) CreateCall(_ context.Context, req provider.CreateCallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempt := p.attempts
	p.attempts++
	if attempt < len(p.createErrs) && p.createErrs[attempt] != nil {
		return "", p.createErrs[attempt]
	}
	p.dialed = append(p.dialed, req.Phone)
	return fmt.Sprintf("call-%d", len(p.dialed)), nil
}

func (p *fakeProvider) GetCallStatus(_ context.Context, callID string) (provider.CallStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight {
		return provider.CallStatus{CallID: callID, Status: domain.CallStatusInProgress}, nil
	}

	idx, err := strconv.Atoi(strings.TrimPrefix(callID, "call-"))
	if err != nil || idx < 1 {
		return provider.CallStatus{}, fmt.Errorf("unknown call %q", callID)
	}
	status := domain.CallStatusEnded
	if idx-1 < len(p.statuses) {
		status = p.statuses[idx-1]
	}
	return provider.CallStatus{
		CallID:          callID,
		Status:          status,
		DurationSeconds: 42,
		Cost:            0.5,
		Transcript:      "hello",
	}, nil
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialed)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOrchestrator(jobs repository.JobsRepository, calls provider.CallProvider) *Orchestrator {
	return New(jobs, calls, nil, testLogger(), Config{
		AgentID:       "agent-1",
		PollInterval:  time.Millisecond,
		LeaseDuration: time.Minute,
	})
}

func testSettings() domain.CallSettings {
	return domain.CallSettings{
		MaxCallDuration: time.Second,
		RingTimeout:     30 * time.Second,
		MaxAttempts:     3,
		RetryDelay:      time.Hour,
	}
}

func claimSeeded(t *testing.T, repo *repository.MemoryJobsRepository, job *domain.Job) *domain.Job {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := repo.ClaimOne(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func TestExecuteSuccessfulCall(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{statuses: []string{domain.CallStatusEnded}}
	orch := testOrchestrator(repo, calls)

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		BatchID:     "batch-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	})

	if err := orch.Execute(context.Background(), claimed, testSettings()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job, err := repo.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusDone {
		t.Fatalf("expected done, got %s (last error %q)", job.Status, job.LastError)
	}
	if job.CallID != "call-1" {
		t.Fatalf("expected call id persisted, got %q", job.CallID)
	}
	if job.CallResult == nil || job.CallResult.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success result, got %+v", job.CallResult)
	}
	if job.CallResult.DurationSeconds != 42 || job.CallResult.Transcript != "hello" {
		t.Fatalf("provider fields not carried into result: %+v", job.CallResult)
	}
	if job.CallEndedAt == nil {
		t.Fatal("expected call ended timestamp")
	}
}

func TestExecuteRotatesPhonesOnBusy(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{statuses: []string{domain.CallStatusBusy, domain.CallStatusEnded}}
	orch := testOrchestrator(repo, calls)

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001", "+5511999990002"},
		MaxAttempts: 3,
	})

	if err := orch.Execute(context.Background(), claimed, testSettings()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := calls.dialCount(); got != 2 {
		t.Fatalf("expected 2 dials, got %d", got)
	}
	if calls.dialed[0] != "+5511999990001" || calls.dialed[1] != "+5511999990002" {
		t.Fatalf("unexpected dial order: %v", calls.dialed)
	}

	job, _ := repo.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusDone {
		t.Fatalf("expected done after rotation, got %s", job.Status)
	}
}

func TestExecutePhonesExhaustedIsRetryable(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{statuses: []string{domain.CallStatusNoAnswer}}
	orch := testOrchestrator(repo, calls)

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	})

	if err := orch.Execute(context.Background(), claimed, testSettings()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job, _ := repo.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected pending for retry, got %s", job.Status)
	}
	if job.LastError != domain.ReasonPhonesExhausted {
		t.Fatalf("expected %q, got %q", domain.ReasonPhonesExhausted, job.LastError)
	}
	if job.NextPhoneIndex != 0 {
		t.Fatalf("expected phone rotation reset, got %d", job.NextPhoneIndex)
	}
	if !job.NextTryAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected next try pushed out by retry delay, got %v", job.NextTryAt)
	}
}

func TestExecuteExhaustsAttemptCeiling(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{}
	orch := testOrchestrator(repo, calls)
	ctx := context.Background()

	job := &domain.Job{ID: "job-1", Phones: []string{"+5511999990001"}, MaxAttempts: 3}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	settings := testSettings()
	settings.RetryDelay = time.Nanosecond
	for attempt := 1; attempt <= 3; attempt++ {
		calls.mu.Lock()
		calls.statuses = append(calls.statuses, domain.CallStatusNoAnswer)
		calls.mu.Unlock()

		time.Sleep(time.Millisecond)
		claimed, err := repo.ClaimOne(ctx, "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if err := orch.Execute(ctx, claimed, settings); err != nil {
			t.Fatalf("execute attempt %d: %v", attempt, err)
		}
	}

	stored, _ := repo.GetJob(ctx, "job-1")
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed after attempt ceiling, got %s", stored.Status)
	}
	if stored.LastError != domain.ReasonAttemptsExhausted {
		t.Fatalf("expected %q, got %q", domain.ReasonAttemptsExhausted, stored.LastError)
	}
	if got := calls.dialCount(); got != 3 {
		t.Fatalf("expected 3 dials across attempts, got %d", got)
	}
}

func TestExecuteCreateFailureRotates(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{
		createErrs: []error{provider.ErrUnavailable},
		statuses:   []string{domain.CallStatusEnded},
	}
	orch := testOrchestrator(repo, calls)

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001", "+5511999990002"},
		MaxAttempts: 3,
	})

	if err := orch.Execute(context.Background(), claimed, testSettings()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := calls.dialCount(); got != 1 {
		t.Fatalf("expected 1 successful dial, got %d", got)
	}
	if calls.dialed[0] != "+5511999990002" {
		t.Fatalf("expected the second phone to be dialed, got %q", calls.dialed[0])
	}
	job, _ := repo.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
}

func TestExecuteReconcilesInFlightCallWithoutRedial(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{statuses: []string{domain.CallStatusEnded}}
	orch := testOrchestrator(repo, calls)
	ctx := context.Background()

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	})

	// Simulate a previous worker that dialed, persisted the call id, and
	// crashed before resolving it.
	startedAt := time.Now().UTC().Add(-time.Minute)
	if err := repo.PersistCallStarted(ctx, "job-1", "call-1", startedAt); err != nil {
		t.Fatalf("persist call started: %v", err)
	}
	calls.mu.Lock()
	calls.dialed = []string{"+5511999990001"}
	calls.mu.Unlock()

	reclaimed, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	reclaimed.WorkerID = claimed.WorkerID

	if err := orch.Execute(ctx, reclaimed, testSettings()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	calls.mu.Lock()
	attempts := calls.attempts
	calls.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("reconciliation must not dial again, got %d create attempts", attempts)
	}
	job, _ := repo.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusDone {
		t.Fatalf("expected done after reconciliation, got %s", job.Status)
	}
}

func TestExecuteTimeoutClassified(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{inFlight: true}
	orch := testOrchestrator(repo, calls)

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	})

	settings := testSettings()
	settings.MaxCallDuration = time.Nanosecond
	if err := orch.Execute(context.Background(), claimed, settings); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job, _ := repo.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected pending after timeout on sole phone, got %s", job.Status)
	}
	if job.CallResult == nil || job.CallResult.Outcome != domain.OutcomeTimeout {
		t.Fatalf("expected timeout outcome recorded, got %+v", job.CallResult)
	}
}

func TestExecuteAbortsWhenLeaseLost(t *testing.T) {
	repo := repository.NewMemoryJobsRepository(3)
	calls := &fakeProvider{inFlight: true}
	orch := testOrchestrator(repo, calls)
	ctx := context.Background()

	claimed := claimSeeded(t, repo, &domain.Job{
		ID:          "job-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	})

	// Another worker steals the lease before the poll loop renews it.
	claimed.WorkerID = "worker-zombie"

	err := orch.Execute(ctx, claimed, testSettings())
	if !errors.Is(err, repository.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}
