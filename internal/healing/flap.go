package healing

import (
	"sync"
	"time"
)

// FlapTracker detects resolve→recur oscillation per pattern signature.
// A flip is counted when a signature recurs after having been resolved.
// Enough flips inside the window means remediation is not sticking and
// the incident goes straight to L3.
type FlapTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int

	resolvedAt map[string]time.Time
	flips      map[string][]time.Time
}

// NewFlapTracker builds a tracker with the configured window and
// threshold.
func NewFlapTracker(window time.Duration, threshold int) *FlapTracker {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if threshold <= 0 {
		threshold = 5
	}
	return &FlapTracker{
		window:     window,
		threshold:  threshold,
		resolvedAt: make(map[string]time.Time),
		flips:      make(map[string][]time.Time),
	}
}

// NoteResolved marks a signature as currently resolved.
func (f *FlapTracker) NoteResolved(sig string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvedAt[sig] = time.Now()
}

// NoteRecurrence records an incoming incident for a signature and
// returns the flip count within the window. Only a recurrence after a
// resolution counts as a flip.
func (f *FlapTracker) NoteRecurrence(sig string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if _, wasResolved := f.resolvedAt[sig]; wasResolved {
		delete(f.resolvedAt, sig)
		f.flips[sig] = append(f.flips[sig], now)
	}
	f.pruneLocked(sig, now)
	return len(f.flips[sig])
}

// Flapping reports whether a signature has reached the flip threshold.
func (f *FlapTracker) Flapping(sig string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(sig, time.Now())
	return len(f.flips[sig]) >= f.threshold
}

// GC drops expired flip records and stale resolution marks. Runs on its
// own cadence.
func (f *FlapTracker) GC() {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for sig := range f.flips {
		f.pruneLocked(sig, now)
		if len(f.flips[sig]) == 0 {
			delete(f.flips, sig)
		}
	}
	for sig, at := range f.resolvedAt {
		if now.Sub(at) > 24*time.Hour {
			delete(f.resolvedAt, sig)
		}
	}
}

func (f *FlapTracker) pruneLocked(sig string, now time.Time) {
	cutoff := now.Add(-f.window)
	flips := f.flips[sig]
	i := 0
	for ; i < len(flips); i++ {
		if flips[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		f.flips[sig] = append([]time.Time(nil), flips[i:]...)
	}
}

// Threshold returns the configured flip threshold.
func (f *FlapTracker) Threshold() int { return f.threshold }
