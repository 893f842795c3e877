// Package traffic keeps sliding windows of chart API outcomes. The health
// check reads it to decide whether the upstream is degraded.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window can look.
const retention = 30 * time.Minute

var defaultTracker Tracker

// RecordSuccess records a chart API call that returned a usable response.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a failed chart API call (transport, status, or body).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordForbidden records a 403 from the chart API. It also counts as an error.
func RecordForbidden() {
	defaultTracker.RecordForbidden()
}

// RequestCount returns the number of outcomes within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// ForbiddenCount returns the number of 403s within the window.
func ForbiddenCount(window time.Duration) int {
	return defaultTracker.ForbiddenCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu             sync.Mutex
	successTimes   []time.Time
	errorTimes     []time.Time
	forbiddenTimes []time.Time
}

// RecordSuccess records a successful outcome.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.successTimes = append(t.successTimes, now)
	t.pruneLocked(now)
}

// RecordError records a failed outcome.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.errorTimes = append(t.errorTimes, now)
	t.pruneLocked(now)
}

// RecordForbidden records a 403, which is both an error and a forbidden outcome.
func (t *Tracker) RecordForbidden() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.errorTimes = append(t.errorTimes, now)
	t.forbiddenTimes = append(t.forbiddenTimes, now)
	t.pruneLocked(now)
}

// RequestCount returns successes plus errors within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	return countSince(t.successTimes, cutoff) + countSince(t.errorTimes, cutoff)
}

// ForbiddenCount returns the number of 403s within the window.
func (t *Tracker) ForbiddenCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.forbiddenTimes, time.Now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	errCount := countSince(t.errorTimes, cutoff)
	return errCount, errCount + countSince(t.successTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.forbiddenTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.forbiddenTimes)
}
