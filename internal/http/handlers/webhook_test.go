package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
	"github.com/callhive/dialer/internal/settings"
	"github.com/sirupsen/logrus"
)

func newTestAPI(t *testing.T) (*API, *repository.MemoryJobsRepository) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	jobs := repository.NewMemoryJobsRepository(3)
	batches := repository.NewMemoryBatchesRepository()
	cache := settings.NewMemoryCache(batches, time.Minute)
	defaults := domain.CallSettings{
		MaxCallDuration: 10 * time.Minute,
		RingTimeout:     30 * time.Second,
		MaxAttempts:     3,
		RetryDelay:      time.Hour,
	}
	return NewAPI(jobs, cache, defaults, logger), jobs
}

// seedInFlightJob creates a claimed job with a persisted call id, the state
// a job is in when the provider posts its result.
func seedInFlightJob(t *testing.T, jobs *repository.MemoryJobsRepository, jobID, callID string) {
	t.Helper()
	ctx := context.Background()

	if err := jobs.CreateJob(ctx, &domain.Job{
		ID:          jobID,
		AccountID:   "acct-1",
		BatchID:     "batch-1",
		Phones:      []string{"+5511999990001"},
		MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := jobs.ClaimOne(ctx, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := jobs.PersistCallStarted(ctx, jobID, callID, time.Now().UTC()); err != nil {
		t.Fatalf("persist call started: %v", err)
	}
}

func postWebhook(t *testing.T, api *API, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/v1/webhooks/call-result", bytes.NewReader(raw))
	recorder := httptest.NewRecorder()
	api.CallResultWebhook(recorder, request)
	return recorder
}

func TestCallResultWebhookSuccess(t *testing.T) {
	api, jobs := newTestAPI(t)
	seedInFlightJob(t, jobs, "job-1", "call-1")

	recorder := postWebhook(t, api, map[string]any{
		"job_id":           "job-1",
		"call_id":          "call-1",
		"status":           domain.CallStatusEnded,
		"duration_seconds": 95,
		"transcript":       "customer agreed to pay",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	job, err := jobs.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
	if job.CallResult == nil || job.CallResult.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success result, got %+v", job.CallResult)
	}
	if job.CallResult.DurationSeconds != 95 || job.CallResult.Transcript != "customer agreed to pay" {
		t.Fatalf("payload fields lost: %+v", job.CallResult)
	}
}

func TestCallResultWebhookNoAnswerSchedulesRetry(t *testing.T) {
	api, jobs := newTestAPI(t)
	seedInFlightJob(t, jobs, "job-1", "call-1")

	recorder := postWebhook(t, api, map[string]any{
		"job_id":  "job-1",
		"call_id": "call-1",
		"status":  domain.CallStatusNoAnswer,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	job, _ := jobs.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected pending retry, got %s", job.Status)
	}
	if !job.NextTryAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected retry delay applied, next try %v", job.NextTryAt)
	}
	if job.CallEndedAt == nil {
		t.Fatal("expected call end persisted")
	}
}

func TestCallResultWebhookCallMismatch(t *testing.T) {
	api, jobs := newTestAPI(t)
	seedInFlightJob(t, jobs, "job-1", "call-1")

	recorder := postWebhook(t, api, map[string]any{
		"job_id":  "job-1",
		"call_id": "call-stale",
		"status":  domain.CallStatusEnded,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}

	job, _ := jobs.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("mismatched webhook must not change state, got %s", job.Status)
	}
}

func TestCallResultWebhookRedeliveryIsIdempotent(t *testing.T) {
	api, jobs := newTestAPI(t)
	seedInFlightJob(t, jobs, "job-1", "call-1")

	payload := map[string]any{
		"job_id":  "job-1",
		"call_id": "call-1",
		"status":  domain.CallStatusEnded,
	}
	if recorder := postWebhook(t, api, payload); recorder.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", recorder.Code)
	}
	recorder := postWebhook(t, api, payload)
	if recorder.Code != http.StatusOK {
		t.Fatalf("redelivery: %d", recorder.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != string(domain.JobStatusDone) {
		t.Fatalf("expected done echoed on redelivery, got %v", body["status"])
	}
}

func TestCallResultWebhookRejectsNonTerminalStatus(t *testing.T) {
	api, jobs := newTestAPI(t)
	seedInFlightJob(t, jobs, "job-1", "call-1")

	recorder := postWebhook(t, api, map[string]any{
		"job_id":  "job-1",
		"call_id": "call-1",
		"status":  domain.CallStatusRinging,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestCallResultWebhookUnknownJob(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := postWebhook(t, api, map[string]any{
		"job_id":  "ghost",
		"call_id": "call-1",
		"status":  domain.CallStatusEnded,
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}
