package scheduler

import (
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
)

// Interval returns how many calendar days separate two followups.
func Interval(frequency domain.Frequency) int {
	switch frequency {
	case domain.FrequencyDaily:
		return 1
	case domain.FrequencyThreePerWeek:
		return 2
	default:
		return 7
	}
}

// NextOccurrence moves from forward by the frequency interval in the tenant's
// calendar and snaps the time of day to the window start. Calendar days are
// used so DST changes keep the local wall clock.
func NextOccurrence(from time.Time, frequency domain.Frequency, windowStart string, loc *time.Location) (time.Time, error) {
	hour, minute, err := domain.ParseClock(windowStart)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	day := local.AddDate(0, 0, Interval(frequency))
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc).UTC(), nil
}

// NextWindowStart is the first window start strictly after from.
func NextWindowStart(from time.Time, windowStart string, loc *time.Location) (time.Time, error) {
	hour, minute, err := domain.ParseClock(windowStart)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		next := local.AddDate(0, 0, 1)
		candidate = time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, loc)
	}
	return candidate.UTC(), nil
}
