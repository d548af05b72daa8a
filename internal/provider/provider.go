// Package provider is the boundary to the conversational voice provider.
// Adapters keep request and result types provider-agnostic; the call
// context is an open map owned by the ingestion side and forwarded
// verbatim.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transport-level provider trouble, classified by the
// orchestrator as a retryable provider error.
var ErrUnavailable = errors.New("call provider unavailable")

type CreateCallRequest struct {
	Phone       string
	AgentID     string
	RingTimeout time.Duration
	Context     map[string]any
}

// CallStatus is the provider's view of one call. Status values the engine
// understands are listed in the domain package; anything else ends polling.
type CallStatus struct {
	CallID              string
	Status              string
	DurationSeconds     int
	Cost                float64
	Transcript          string
	RecordingURL        string
	DisconnectionReason string
	Variables           map[string]any
}

type CallProvider interface {
	// CreateCall requests a new outbound call and returns the provider's
	// call id. No call id means nothing was created and nothing needs
	// reconciling.
	CreateCall(ctx context.Context, request CreateCallRequest) (string, error)

	// GetCallStatus queries the current state of a call by id.
	GetCallStatus(ctx context.Context, callID string) (CallStatus, error)
}
