package orchestrator

import (
	"time"

	"github.com/callhive/dialer/internal/domain"
)

// CallContext assembles the variable map forwarded to the call provider:
// computed fields first, then the job payload verbatim so ingestion-owned
// keys always win. This is the single place call context is built.
func CallContext(job *domain.Job, now time.Time, timezone string) map[string]any {
	out := make(map[string]any, len(job.Payload)+3)

	out["contact_name"] = job.Name
	if job.ExternalID != "" {
		out["external_id"] = job.ExternalID
	}

	local := now.UTC()
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			local = now.In(loc)
		}
	}
	out["current_datetime"] = local.Format("2006-01-02 15:04")

	for key, value := range job.Payload {
		out[key] = value
	}
	return out
}
