package domain

import (
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchStatusActive BatchStatus = "active"
	BatchStatusPaused BatchStatus = "paused"
)

// Batch groups jobs into one campaign and owns the call settings that
// govern scheduling and retries for every job in it.
type Batch struct {
	ID           string
	AccountID    string
	Status       BatchStatus
	CallSettings *CallSettings
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TimeOfDay is a wall-clock instant in a batch's local timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(value, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", value, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", value)
	}
	return t, nil
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// CallSettings is the per-batch scheduling and retry configuration. Zero or
// nil fields mean "use the injected global default"; a batch with no explicit
// settings behaves like an unrestricted campaign.
type CallSettings struct {
	MaxCallDuration time.Duration
	RingTimeout     time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration

	// AllowedStart/AllowedEnd bound the local time of day as [start, end).
	// Both nil means no time-of-day restriction.
	AllowedStart *TimeOfDay
	AllowedEnd   *TimeOfDay

	// DaysOfWeek uses ISO numbering, 1 (Monday) through 7 (Sunday).
	// Empty means every day is allowed.
	DaysOfWeek []int

	Timezone string
}

// WithDefaults resolves s against global defaults. Scheduling fields pass
// through untouched: an absent window stays permissive.
func (s *CallSettings) WithDefaults(defaults CallSettings) CallSettings {
	resolved := defaults
	if s == nil {
		resolved.AllowedStart = nil
		resolved.AllowedEnd = nil
		resolved.DaysOfWeek = nil
		resolved.Timezone = ""
		return resolved
	}

	out := *s
	if out.MaxCallDuration <= 0 {
		out.MaxCallDuration = defaults.MaxCallDuration
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = defaults.RingTimeout
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaults.MaxAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = defaults.RetryDelay
	}
	return out
}
