package chunkuploader

import (
	"context"
	"fmt"
	"time"
)

// uploadChunk drives one chunk until it completes, runs out of attempts or the
// run is stopped. The caller has already moved the chunk to uploading and holds
// a concurrency slot for it; retries reuse that slot.
func (s *Session) uploadChunk(ctx context.Context, transport Transport, index int) {
	for {
		s.mu.Lock()
		c := &s.chunks[index]
		if c.status != ChunkUploading {
			s.mu.Unlock()
			return
		}
		r := c.ChunkRange
		attempt := c.retry.Attempts
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.abortChunk(index)
			return
		}

		s.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, len(s.chunks), attempt+1, s.policy.MaxAttempts,
			s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

		start := time.Now()
		err := s.attempt(ctx, transport, r, attempt)
		if err == nil {
			s.completeChunk(index, time.Since(start))
			return
		}

		if ctx.Err() != nil {
			// pause, cancel or another chunk failing the session
			s.abortChunk(index)
			return
		}

		delay, retry := s.failChunk(index, err)
		if !retry {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.abortChunk(index)
			return
		}
	}
}

// attempt performs a single transport call for the range.
func (s *Session) attempt(ctx context.Context, transport Transport, r ChunkRange, attempt int) error {
	data, err := s.source.ReadChunk(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != r.Size() {
		return fmt.Errorf("chunk %d: read %d bytes, expected %d", r.Index, len(data), r.Size())
	}

	chunkCtx, cancelChunk := context.WithCancel(ctx)
	defer cancelChunk()

	// Start hung detection goroutine (except on last retry)
	if attempt < s.policy.MaxAttempts-1 && s.config.HungThreshold > 0 {
		go s.detectHungUpload(chunkCtx, cancelChunk, time.Now(), r.Index)
	}

	progress := func(sent int64) {
		s.reportProgress(chunkCtx, r.Index, sent)
	}

	err = transport.UploadChunk(chunkCtx, ChunkData{ChunkRange: r, Data: data}, progress)
	if err != nil && chunkCtx.Err() != nil && ctx.Err() == nil {
		s.logger.Warnf("Chunk %d attempt %d cancelled (hung)", r.Index+1, attempt+1)
	}
	return err
}

// reportProgress records the bytes sent by the current attempt.
// The reported value never decreases while the chunk is uploading.
func (s *Session) reportProgress(ctx context.Context, index int, sent int64) {
	s.mu.Lock()
	c := &s.chunks[index]
	if ctx.Err() != nil || c.status != ChunkUploading {
		s.mu.Unlock()
		return
	}

	if sent > c.Size() {
		sent = c.Size()
	}
	if sent <= c.uploaded {
		s.mu.Unlock()
		return
	}
	c.uploaded = sent
	s.publishLocked()
	s.mu.Unlock()

	s.publisher.flush()
}

func (s *Session) completeChunk(index int, took time.Duration) {
	s.mu.Lock()
	c := &s.chunks[index]
	if c.status != ChunkUploading {
		// reverted by Pause while the transport was finishing
		s.mu.Unlock()
		return
	}

	c.status = ChunkCompleted
	c.uploaded = c.Size()
	c.err = nil
	c.retry.Reset()
	s.stats.Update(took, c.Size())
	s.logger.Infof("Chunk %d/%d uploaded successfully in %v", index+1, len(s.chunks), took.Round(time.Millisecond))
	s.publishLocked()
	s.mu.Unlock()

	s.publisher.flush()
}

// abortChunk returns the chunk to pending after its run was stopped.
// Its retry count is kept: an aborted attempt is not a failed one.
func (s *Session) abortChunk(index int) {
	s.mu.Lock()
	if s.chunks[index].status != ChunkUploading {
		s.mu.Unlock()
		return
	}
	s.resetChunkLocked(index)
	s.publishLocked()
	s.mu.Unlock()

	s.publisher.flush()
}

// failChunk records a failed attempt. It returns the backoff to wait when the
// chunk may be retried; otherwise the chunk and the session are failed.
func (s *Session) failChunk(index int, err error) (time.Duration, bool) {
	s.mu.Lock()
	c := &s.chunks[index]
	if c.status != ChunkUploading {
		s.mu.Unlock()
		return 0, false
	}

	c.retries++
	c.err = err
	s.stats.Failed()

	if c.retry.Fail(s.policy) {
		delay := c.retry.NextDelay
		s.logger.Warnf("Chunk %d attempt %d failed: %v, retrying after %v", index+1, c.retry.Attempts, err, delay)
		s.publishLocked()
		s.mu.Unlock()
		s.publisher.flush()
		return delay, true
	}

	c.status = ChunkFailed
	c.uploaded = 0
	s.logger.Errorf("Chunk %d failed after %d attempts: %v", index+1, c.retry.Attempts, err)
	if s.failure == nil {
		s.failure = &ChunkError{Index: index, Attempts: c.retry.Attempts, Err: err}
	}
	if !s.cancelled && s.status != StatusPaused {
		s.status = StatusFailed
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.publishLocked()
	s.mu.Unlock()

	s.publisher.flush()
	return 0, false
}

func (s *Session) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(hungCheckInterval(s.config.HungThreshold))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := s.stats.Average()
				if elapsed-avg > s.config.HungThreshold {
					s.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}

func hungCheckInterval(threshold time.Duration) time.Duration {
	interval := threshold / 4
	if interval > time.Second {
		return time.Second
	}
	if interval < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return interval
}
