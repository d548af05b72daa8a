package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/callhive/dialer/internal/domain"
	"github.com/callhive/dialer/internal/http/middleware"
	"github.com/callhive/dialer/internal/repository"
	"github.com/callhive/dialer/internal/settings"
	"github.com/sirupsen/logrus"
)

// API exposes the engine's read surface plus the webhook write path. Both
// write through the same lease store contract the workers use; the store
// stays the single source of job status truth.
type API struct {
	jobs     repository.JobsRepository
	batches  settings.Cache
	defaults domain.CallSettings
	logger   *logrus.Logger
}

func NewAPI(
	jobs repository.JobsRepository,
	batches settings.Cache,
	defaults domain.CallSettings,
	logger *logrus.Logger,
) *API {
	return &API{
		jobs:     jobs,
		batches:  batches,
		defaults: defaults,
		logger:   logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}
