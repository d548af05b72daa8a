package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
)

type callResultWebhook struct {
	JobID               string         `json:"job_id"`
	CallID              string         `json:"call_id"`
	Status              string         `json:"status"`
	DurationSeconds     int            `json:"duration_seconds"`
	Cost                float64        `json:"cost"`
	Transcript          string         `json:"transcript"`
	RecordingURL        string         `json:"recording_url"`
	DisconnectionReason string         `json:"disconnection_reason"`
	Variables           map[string]any `json:"variables"`
}

// CallResultWebhook serves POST /v1/webhooks/call-result: the provider's
// asynchronous result path. It writes through the same MarkDone/MarkFailed
// contract the polling workers use, so both paths converge on one state.
// Redelivery of an already-resolved result is acknowledged, not replayed.
func (api *API) CallResultWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var payload callResultWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	if strings.TrimSpace(payload.JobID) == "" || strings.TrimSpace(payload.CallID) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id and call_id are required")
		return
	}
	if domain.CallStatusInFlight(payload.Status) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "status is not terminal")
		return
	}

	ctx := r.Context()
	job, err := api.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	if job.CallID != payload.CallID {
		writeError(w, r, http.StatusConflict, "call_mismatch", "call_id does not match the job's current call")
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": job.Status})
		return
	}

	outcome := domain.ClassifyCallStatus(payload.Status)
	result := &domain.CallResult{
		Outcome:             outcome,
		ProviderStatus:      payload.Status,
		DurationSeconds:     payload.DurationSeconds,
		Cost:                payload.Cost,
		Transcript:          payload.Transcript,
		RecordingURL:        payload.RecordingURL,
		DisconnectionReason: payload.DisconnectionReason,
		Variables:           payload.Variables,
	}

	if err := api.jobs.PersistCallEnded(ctx, job.ID, time.Now().UTC(), result); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to persist result")
		return
	}

	if outcome == domain.OutcomeSuccess {
		err = api.jobs.MarkDone(ctx, job.ID, result)
	} else {
		err = api.jobs.MarkFailed(ctx, job.ID, string(outcome), false, api.retryDelay(ctx, job.BatchID))
	}
	if err != nil && !errors.Is(err, repository.ErrTerminal) {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to record result")
		return
	}

	updated, err := api.jobs.GetJob(ctx, job.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": updated.ID, "status": updated.Status})
}

func (api *API) retryDelay(ctx context.Context, batchID string) time.Duration {
	batch, err := api.batches.GetBatch(ctx, batchID)
	if err != nil || batch.CallSettings == nil || batch.CallSettings.RetryDelay <= 0 {
		return api.defaults.RetryDelay
	}
	return batch.CallSettings.RetryDelay
}
