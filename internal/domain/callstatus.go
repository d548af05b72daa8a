package domain

// Provider call statuses the engine understands. Anything else is treated
// as terminal and classified as a provider error so no job is dropped on an
// unknown status.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in_progress"
	CallStatusEnded      = "ended"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no_answer"
	CallStatusError      = "error"
	CallStatusCanceled   = "canceled"
)

// CallStatusInFlight reports whether the provider still considers the call
// live, meaning polling should continue.
func CallStatusInFlight(status string) bool {
	switch status {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress:
		return true
	default:
		return false
	}
}

// ClassifyCallStatus maps a terminal provider status to an outcome.
func ClassifyCallStatus(status string) CallOutcome {
	switch status {
	case CallStatusEnded:
		return OutcomeSuccess
	case CallStatusBusy:
		return OutcomeBusy
	case CallStatusNoAnswer:
		return OutcomeNoAnswer
	default:
		return OutcomeProviderError
	}
}
