package pupilwatch

import (
	"time"

	"github.com/mazen160/go-random"
)

const snapshotBootstrapMaxAge = time.Hour * 72
const staleThreshold = time.Hour * 24
const standardInterval = time.Hour * 12
const hourlyInterval = time.Hour
const fastRetryInterval = time.Minute * 10
const fastRetryBudget = 4
const backoffFailureThreshold = 3
const backoffWindow = time.Minute * 45
const backgroundVerifyInterval = time.Hour * 12
const initialRefreshTimeout = time.Second * 90
const snapshotRetention = time.Hour * 24 * 90

// PupilStatus describes how one pupil's data was obtained in the most
// recent cycle. The zero value is missing so absent map entries read
// correctly.
type PupilStatus int

const (
	StatusMissing PupilStatus = iota
	StatusCached
	StatusFresh
)

func (s PupilStatus) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusCached:
		return "cached"
	case StatusMissing:
		return "missing"
	}
	return "invalid"
}

type IntervalKind int

const (
	IntervalStaleHourly IntervalKind = iota
	IntervalBackoffRemainder
	IntervalStandard
	IntervalFastRetry
	IntervalHourly
)

func (k IntervalKind) String() string {
	switch k {
	case IntervalStaleHourly:
		return "stale_hourly"
	case IntervalBackoffRemainder:
		return "backoff_remainder"
	case IntervalStandard:
		return "standard"
	case IntervalFastRetry:
		return "fast_retry"
	case IntervalHourly:
		return "hourly"
	}
	return "invalid"
}

type intervalInputs struct {
	Now                   time.Time
	LastCompleteRefreshAt time.Time
	LastCycleComplete     bool
	FailureCount          int
	LastFailureAt         time.Time
	DailyRetryCount       int
}

// decideInterval picks the next refresh interval by strict priority.
// It is pure; the caller adds jitter to the stale-hourly result so the
// policy itself stays deterministic.
func decideInterval(in intervalInputs) (IntervalKind, time.Duration) {
	if in.LastCompleteRefreshAt.IsZero() || in.Now.Sub(in.LastCompleteRefreshAt) > staleThreshold {
		return IntervalStaleHourly, hourlyInterval
	}
	if remaining, ok := backoffRemaining(in.Now, in.FailureCount, in.LastFailureAt); ok {
		return IntervalBackoffRemainder, remaining
	}
	if in.LastCycleComplete && in.FailureCount == 0 {
		return IntervalStandard, standardInterval
	}
	if in.DailyRetryCount < fastRetryBudget {
		return IntervalFastRetry, fastRetryInterval
	}
	return IntervalHourly, hourlyInterval
}

func backoffRemaining(now time.Time, failureCount int, lastFailureAt time.Time) (time.Duration, bool) {
	if failureCount < backoffFailureThreshold || lastFailureAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(lastFailureAt)
	if elapsed >= backoffWindow {
		return 0, false
	}
	return backoffWindow - elapsed, true
}

// addStaleJitter spreads the stale-state hourly retries by 3-17 minutes
// so a fleet of installations does not hammer the portal in lockstep.
func addStaleJitter(d time.Duration) time.Duration {
	minutes, err := random.IntRange(3, 18)
	if err != nil {
		return d + time.Minute*3
	}
	return d + time.Duration(minutes)*time.Minute
}

// evaluateCompleteness reports whether every listed pupil came back
// fresh, plus the pupils that came back with nothing and the ones
// served from cache.
func evaluateCompleteness(pupilIds []string, statuses map[string]PupilStatus) (complete bool, missing []string, cached []string) {
	for _, id := range pupilIds {
		switch statuses[id] {
		case StatusFresh:
		case StatusCached:
			cached = append(cached, id)
		default:
			missing = append(missing, id)
		}
	}
	return len(missing) == 0 && len(cached) == 0, missing, cached
}
