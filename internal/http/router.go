package httpserver

import (
	"net/http"

	"github.com/callhive/dialer/internal/http/handlers"
	"github.com/callhive/dialer/internal/http/middleware"
	"github.com/sirupsen/logrus"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *logrus.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/webhooks/call-result", deps.API.CallResultWebhook)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
