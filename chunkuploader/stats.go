package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks attempt timings of a session for hung detection and reporting.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	finishedChunks int64
	failedAttempts int64
	bytes          int64
}

// StatsSummary is a point in time copy of Stats.
type StatsSummary struct {
	FinishedChunks int64
	FailedAttempts int64
	UploadedBytes  int64
	TotalDuration  time.Duration
	Average        time.Duration
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload of size bytes that took d.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += size
	s.finishedChunks++
}

// Failed records a failed attempt.
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averageLocked()
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Summary returns a copy of the collected values.
func (s *Stats) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSummary{
		FinishedChunks: s.finishedChunks,
		FailedAttempts: s.failedAttempts,
		UploadedBytes:  s.bytes,
		TotalDuration:  s.sum,
		Average:        s.averageLocked(),
	}
}

func (s *Stats) averageLocked() time.Duration {
	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}
