package dispatcher

import (
	"slices"
	"sync"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// AttemptState tracks tool invocations for one partition.
type AttemptState struct {
	Seed       int64  `json:"seed"`
	Failures   int    `json:"failures"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Succeeded  bool   `json:"succeeded,omitempty"`
	// Permanent is set once a failure is not retryable.
	Permanent bool `json:"permanent,omitempty"`
}

func (s *AttemptState) exhausted() bool {
	return !s.Succeeded && (s.Permanent || s.Failures > s.MaxRetries)
}

// RetryTracker records attempts per partition and decides whether a failed
// partition gets another try. It is safe for concurrent use.
type RetryTracker struct {
	mu     sync.RWMutex
	states map[int64]*AttemptState
}

// NewRetryTracker creates an empty tracker.
func NewRetryTracker() *RetryTracker {
	return &RetryTracker{states: make(map[int64]*AttemptState)}
}

// Track starts tracking seed with maxRetries extra attempts. Tracking a seed
// twice keeps the original limit.
func (m *RetryTracker) Track(seed int64, maxRetries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[seed]; !ok {
		m.states[seed] = &AttemptState{Seed: seed, MaxRetries: maxRetries}
	}
}

// ShouldRetry reports whether seed failed and still has retries left.
func (m *RetryTracker) ShouldRetry(seed int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[seed]
	if !ok {
		return false
	}
	return st.Failures > 0 && !st.Succeeded && !st.exhausted()
}

// RecordAttempt records the outcome of one invocation. An error that is not
// retryable exhausts seed immediately.
func (m *RetryTracker) RecordAttempt(seed int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[seed]
	if !ok {
		return
	}
	if err == nil {
		st.Succeeded = true
		return
	}
	st.Failures++
	st.LastError = err.Error()
	if !apperrors.IsRetryable(err) {
		st.Permanent = true
	}
}

// Failed returns the seeds that exhausted their retries, in ascending order.
func (m *RetryTracker) Failed() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var failed []int64
	for seed, st := range m.states {
		if st.exhausted() {
			failed = append(failed, seed)
		}
	}
	slices.Sort(failed)
	return failed
}
