package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/repository"
)

// JobStatus serves GET /v1/jobs/{id} for dashboards and support tooling.
func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	jobID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	job, err := api.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	response := map[string]any{
		"job_id":     job.ID,
		"batch_id":   job.BatchID,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"updated_at": job.UpdatedAt,
	}
	if job.CallID != "" {
		response["call_id"] = job.CallID
	}
	if job.CallResult != nil {
		response["call_result"] = job.CallResult
	}
	if strings.TrimSpace(job.LastError) != "" {
		response["error"] = map[string]any{
			"code":    "call_error",
			"message": job.LastError,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// Jobs serves GET /v1/jobs?batch_id=&status=&page=&page_size=.
func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	query := r.URL.Query()
	filter := domain.JobListFilter{
		BatchID: strings.TrimSpace(query.Get("batch_id")),
		Status:  domain.JobStatus(strings.TrimSpace(query.Get("status"))),
	}
	filter.Page, _ = strconv.Atoi(query.Get("page"))
	filter.PageSize, _ = strconv.Atoi(query.Get("page_size"))

	items, total, err := api.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	jobs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"job_id":     item.JobID,
			"batch_id":   item.BatchID,
			"name":       item.Name,
			"status":     item.Status,
			"attempts":   item.Attempts,
			"created_at": item.CreatedAt,
			"updated_at": item.UpdatedAt,
		}
		if item.LastError != "" {
			entry["last_error"] = item.LastError
		}
		jobs = append(jobs, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
	})
}
