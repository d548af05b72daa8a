package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CallOutcome is the classified result of one placed call.
type CallOutcome string

const (
	OutcomeSuccess       CallOutcome = "success"
	OutcomeNoAnswer      CallOutcome = "no_answer"
	OutcomeBusy          CallOutcome = "busy"
	OutcomeProviderError CallOutcome = "provider_error"
	OutcomeTimeout       CallOutcome = "timeout"
)

// Failure reasons stored in Job.LastError.
const (
	ReasonPhonesExhausted   = "phones_exhausted"
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonQuotaDenied       = "quota_denied"
)

// Job is one attempt-tracked unit of work to reach one contact by phone.
// Created pending by the ingestion side, mutated only by the worker holding
// its lease; done and failed are final.
type Job struct {
	ID        string
	AccountID string
	BatchID   string

	Name           string
	ExternalID     string
	Phones         []string
	NextPhoneIndex int

	// Payload is forwarded verbatim to the call provider as call context.
	Payload map[string]any

	Status JobStatus

	WorkerID      string
	ReservedUntil time.Time

	Attempts    int
	MaxAttempts int

	CallID        string
	CallStartedAt *time.Time
	CallEndedAt   *time.Time

	LastError  string
	CallResult *CallResult
	NextTryAt  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseActive reports whether a worker currently holds an unexpired lease.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.Status == JobStatusInProgress && now.Before(j.ReservedUntil)
}

// CallResult carries the classified outcome plus the provider payload.
type CallResult struct {
	Outcome             CallOutcome    `json:"outcome"`
	ProviderStatus      string         `json:"provider_status"`
	DurationSeconds     int            `json:"duration_seconds"`
	Cost                float64        `json:"cost"`
	Transcript          string         `json:"transcript,omitempty"`
	RecordingURL        string         `json:"recording_url,omitempty"`
	DisconnectionReason string         `json:"disconnection_reason,omitempty"`
	Variables           map[string]any `json:"variables,omitempty"`
}

// JobListItem is the reporting projection of a job.
type JobListItem struct {
	JobID     string
	BatchID   string
	Name      string
	Status    JobStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type JobListFilter struct {
	BatchID  string
	Status   JobStatus
	Page     int
	PageSize int
}
