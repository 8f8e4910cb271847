package healing

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// failureWindow bounds how long consecutive failures accumulate before
// the counter resets.
const failureWindow = time.Hour

// CircuitBreaker opens per (host, check_type) after consecutive
// failures, stays open for a fixed duration, then allows a single
// half-open probe. State survives restarts via a JSON snapshot.
type CircuitBreaker struct {
	log            zerolog.Logger
	failuresToOpen int
	openDuration   time.Duration
	path           string

	mu     sync.Mutex
	states map[string]*circuitState
}

type circuitState struct {
	Failures     int        `json:"failures"`
	FirstFailure *time.Time `json:"first_failure,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	Probing      bool       `json:"probing,omitempty"`
}

// NewCircuitBreaker loads any prior snapshot from path (empty path
// disables persistence).
func NewCircuitBreaker(log zerolog.Logger, failuresToOpen int, openDuration time.Duration, path string) *CircuitBreaker {
	if failuresToOpen <= 0 {
		failuresToOpen = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Minute
	}
	cb := &CircuitBreaker{
		log:            log,
		failuresToOpen: failuresToOpen,
		openDuration:   openDuration,
		path:           path,
		states:         make(map[string]*circuitState),
	}
	cb.load()
	return cb
}

// Allow reports whether a healing attempt may proceed for the key. The
// first call after the open period becomes the half-open probe; further
// calls stay blocked until the probe's outcome is recorded.
func (cb *CircuitBreaker) Allow(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := cb.states[key]
	if st == nil || st.OpenedAt == nil {
		return true
	}
	if time.Since(*st.OpenedAt) < cb.openDuration {
		return false
	}
	if st.Probing {
		return false
	}
	st.Probing = true
	cb.saveLocked()
	cb.log.Info().Str("key", key).Msg("circuit half-open: allowing probe")
	return true
}

// RecordSuccess closes the breaker for the key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if st := cb.states[key]; st != nil {
		delete(cb.states, key)
		if st.OpenedAt != nil {
			cb.log.Info().Str("key", key).Msg("circuit closed")
		}
		cb.saveLocked()
	}
}

// RecordFailure counts a failure and returns true when this failure
// opened (or re-opened) the breaker.
func (cb *CircuitBreaker) RecordFailure(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	st := cb.states[key]
	if st == nil {
		st = &circuitState{}
		cb.states[key] = st
	}

	// A failed half-open probe re-opens immediately.
	if st.OpenedAt != nil && st.Probing {
		st.OpenedAt = &now
		st.Probing = false
		cb.saveLocked()
		cb.log.Warn().Str("key", key).Msg("circuit re-opened after failed probe")
		return true
	}

	if st.FirstFailure == nil || now.Sub(*st.FirstFailure) > failureWindow {
		st.Failures = 0
		st.FirstFailure = &now
	}
	st.Failures++

	if st.Failures >= cb.failuresToOpen && st.OpenedAt == nil {
		st.OpenedAt = &now
		st.Probing = false
		cb.saveLocked()
		cb.log.Warn().Str("key", key).Int("failures", st.Failures).Msg("circuit opened")
		return true
	}
	cb.saveLocked()
	return false
}

// Open reports whether the breaker is currently blocking the key.
func (cb *CircuitBreaker) Open(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := cb.states[key]
	if st == nil || st.OpenedAt == nil {
		return false
	}
	return time.Since(*st.OpenedAt) < cb.openDuration || st.Probing
}

func (cb *CircuitBreaker) load() {
	if cb.path == "" {
		return
	}
	data, err := os.ReadFile(cb.path)
	if err != nil {
		return
	}
	var states map[string]*circuitState
	if err := json.Unmarshal(data, &states); err != nil {
		cb.log.Warn().Err(err).Msg("discarding corrupt circuit snapshot")
		return
	}
	cb.states = states
}

// saveLocked snapshots state with write-temp-then-rename. Must be
// called with mu held.
func (cb *CircuitBreaker) saveLocked() {
	if cb.path == "" {
		return
	}
	data, err := json.MarshalIndent(cb.states, "", "  ")
	if err != nil {
		return
	}
	tmp := fmt.Sprintf("%s.tmp.%d", cb.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		cb.log.Warn().Err(err).Msg("circuit snapshot write failed")
		return
	}
	if err := os.Rename(tmp, cb.path); err != nil {
		os.Remove(tmp)
		cb.log.Warn().Err(err).Msg("circuit snapshot rename failed")
	}
}
