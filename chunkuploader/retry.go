package chunkuploader

import (
	"math"
	"time"
)

// RetryPolicy decides whether a chunk may be attempted again and how long to wait before.
// It holds no state and performs no I/O.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CanRetry reports whether another attempt is allowed after attempts failed attempts.
func (p RetryPolicy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NextDelay returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		// stop doubling before the duration overflows
		if delay > time.Duration(math.MaxInt64/2) {
			break
		}
		delay *= 2
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RetryState is the retry bookkeeping of one chunk.
type RetryState struct {
	Attempts  int
	NextDelay time.Duration
}

// Fail records a failed attempt and reports whether the chunk may be retried.
// When it may, NextDelay holds the backoff to wait before the next attempt.
func (s *RetryState) Fail(p RetryPolicy) bool {
	s.Attempts++
	if !p.CanRetry(s.Attempts) {
		s.NextDelay = 0
		return false
	}
	s.NextDelay = p.NextDelay(s.Attempts - 1)
	return true
}

// Reset clears the attempt count.
func (s *RetryState) Reset() {
	*s = RetryState{}
}
