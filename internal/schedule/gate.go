// Package schedule decides whether a batch admits calls at a given instant
// and, when it does not, when the next admissible instant is. Both functions
// are pure; denials are deferrals, never failures, and must not consume
// retry budget.
package schedule

import (
	"time"

	"github.com/callhive/dialer/internal/domain"
)

// Denial reasons returned by Admit.
const (
	ReasonOutsideDays  = "outside allowed days"
	ReasonOutsideHours = "outside allowed hours"
)

// Admit reports whether now falls inside the batch's calling window. A nil
// or unrestricted settings struct always admits; an unparseable timezone
// also admits rather than silently stalling a campaign.
func Admit(settings *domain.CallSettings, now time.Time) (bool, string) {
	if settings == nil {
		return true, ""
	}

	local := localTime(settings, now)

	if len(settings.DaysOfWeek) > 0 && !dayAllowed(settings.DaysOfWeek, local) {
		return false, ReasonOutsideDays
	}
	if !hoursAllowed(settings, local) {
		return false, ReasonOutsideHours
	}
	return true, ""
}

// NextAdmissible computes when a denied job becomes claimable again: the
// start of the allowed window on the next allowed day, scanning at most a
// week ahead so the computation always terminates. When no day qualifies it
// falls back to now + fallbackDelay.
func NextAdmissible(settings *domain.CallSettings, now time.Time, fallbackDelay time.Duration) time.Time {
	if settings == nil {
		return now
	}

	local := localTime(settings, now)
	loc := local.Location()

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if len(settings.DaysOfWeek) > 0 && !dayAllowed(settings.DaysOfWeek, day) {
			continue
		}

		start := domain.TimeOfDay{}
		if settings.AllowedStart != nil {
			start = *settings.AllowedStart
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), start.Hour, start.Minute, 0, 0, loc)
		if candidate.After(local) {
			return candidate.UTC()
		}
	}
	return now.Add(fallbackDelay)
}

func localTime(settings *domain.CallSettings, now time.Time) time.Time {
	if settings.Timezone == "" {
		return now.UTC()
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return now.UTC()
	}
	return now.In(loc)
}

// dayAllowed checks the ISO weekday (1 = Monday .. 7 = Sunday).
func dayAllowed(days []int, local time.Time) bool {
	iso := int(local.Weekday())
	if iso == 0 {
		iso = 7
	}
	for _, day := range days {
		if day == iso {
			return true
		}
	}
	return false
}

// hoursAllowed checks the half-open window [start, end). A window whose end
// precedes its start wraps past midnight.
func hoursAllowed(settings *domain.CallSettings, local time.Time) bool {
	if settings.AllowedStart == nil || settings.AllowedEnd == nil {
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	start := settings.AllowedStart.Minutes()
	end := settings.AllowedEnd.Minutes()

	if start < end {
		return minute >= start && minute < end
	}
	if start > end {
		return minute >= start || minute < end
	}
	// start == end admits nothing.
	return false
}
