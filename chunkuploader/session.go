package chunkuploader

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type chunkState struct {
	ChunkRange
	status   ChunkStatus
	uploaded int64
	retries  int
	err      error
	retry    RetryState
}

// Session uploads one source as a sequence of chunks.
// It is safe for concurrent use: Pause, Cancel and Progress may be called from
// any goroutine, including progress subscribers, while Start or Resume runs.
type Session struct {
	id        string
	source    Source
	config    Config
	policy    RetryPolicy
	logger    log.Logger
	stats     *Stats
	publisher *Publisher

	seedCompleted []int

	mu        sync.Mutex
	status    Status
	chunks    []chunkState
	cancelled bool
	running   bool
	done      chan struct{}
	cancelRun context.CancelFunc
	failure   error
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger of the session.
func WithLogger(logger log.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionID sets the session identifier, used to correlate a resumed
// upload with the partial state kept by the server.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithCompletedChunks marks the given chunk indices as already uploaded,
// typically restored from a previously persisted snapshot.
// Indices out of range are ignored.
func WithCompletedChunks(indices []int) Option {
	return func(s *Session) {
		s.seedCompleted = append(s.seedCompleted, indices...)
	}
}

// WithPublisher makes the session emit to an existing publisher,
// so one set of subscribers can follow several sessions.
func WithPublisher(p *Publisher) Option {
	return func(s *Session) {
		if p != nil {
			s.publisher = p
		}
	}
}

// NewSession plans the chunks of source and returns a session ready to start.
// Invalid configuration is rejected here, before anything is uploaded.
func NewSession(source Source, config Config, opts ...Option) (*Session, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ranges, err := Plan(source.Size(), config.ChunkSize)
	if err != nil {
		return nil, err
	}

	chunks := make([]chunkState, len(ranges))
	for i, r := range ranges {
		chunks[i] = chunkState{ChunkRange: r, status: ChunkPending}
	}

	s := &Session{
		id:        uuid.New().String(),
		source:    source,
		config:    config,
		policy:    config.RetryPolicy(),
		logger:    log.NewLogger(),
		stats:     NewStats(),
		publisher: NewPublisher(),
		status:    StatusPending,
		chunks:    chunks,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	for _, i := range s.seedCompleted {
		if i < 0 || i >= len(s.chunks) {
			s.logger.Warnf("Ignoring completed chunk index %d, session has %d chunks", i, len(s.chunks))
			continue
		}
		c := &s.chunks[i]
		c.status = ChunkCompleted
		c.uploaded = c.Size()
	}
	s.seedCompleted = nil

	if s.allCompletedLocked() {
		s.status = StatusCompleted
	}

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Config returns the configuration of the session.
func (s *Session) Config() Config {
	return s.config
}

// Stats returns the upload statistics.
func (s *Session) Stats() *Stats {
	return s.stats
}

// Subscribe registers fn for every progress snapshot. See Publisher.Subscribe.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return s.publisher.Subscribe(fn)
}

// Publisher returns the publisher the session emits to.
func (s *Session) Publisher() *Publisher {
	return s.publisher
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns a consistent snapshot of the session.
func (s *Session) Progress() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Start uploads every pending chunk and returns once no further progress is possible.
//
// It returns nil when all chunks completed, an error wrapping ErrSessionFailed
// when a chunk ran out of retries, ErrPaused when Pause was called and
// ErrCancelled when Cancel was called. Starting a completed session is a no-op;
// starting a running one returns ErrAlreadyRunning. Starting a failed session
// retries its failed chunks with a fresh retry budget.
// Cancelling ctx pauses the session.
func (s *Session) Start(ctx context.Context, transport Transport) error {
	return s.run(ctx, transport, func() (bool, error) {
		switch {
		case s.cancelled:
			return false, ErrCancelled
		case s.status == StatusCompleted:
			return false, nil
		case s.status == StatusUploading:
			return false, ErrAlreadyRunning
		}
		return true, nil
	})
}

// Resume continues a paused session, skipping completed chunks.
// It also accepts a session that failed because a chunk ran out of retries,
// which gives the failed chunks a fresh retry budget.
func (s *Session) Resume(ctx context.Context, transport Transport) error {
	return s.run(ctx, transport, func() (bool, error) {
		switch {
		case s.cancelled:
			return false, ErrCancelled
		case s.status == StatusPaused, s.status == StatusFailed:
			return true, nil
		case s.status == StatusUploading:
			return false, ErrAlreadyRunning
		}
		return false, fmt.Errorf("%w: status is %s", ErrNotPaused, s.status)
	})
}

// Pause stops the upload. In-flight transport calls are cancelled and their
// chunks go back to pending; completed chunks are kept.
// Calling Pause on a session that is not pending or uploading is a no-op.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.status != StatusUploading && s.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.logger.Debugf("Pausing session %s", s.id)
	s.status = StatusPaused
	s.abortLocked()
	s.mu.Unlock()

	s.publisher.flush()
}

// Cancel abandons the session. It stops the upload like Pause and marks the
// session failed permanently; later Start and Resume calls return ErrCancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.status == StatusCompleted {
		s.mu.Unlock()
		return
	}
	s.logger.Debugf("Cancelling session %s", s.id)
	s.cancelled = true
	s.status = StatusFailed
	s.abortLocked()
	s.mu.Unlock()

	s.publisher.flush()
}

// Wait blocks until the current run, if any, has returned.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortLocked returns every uploading chunk to pending and cancels the run.
func (s *Session) abortLocked() {
	for i := range s.chunks {
		if s.chunks[i].status == ChunkUploading {
			s.resetChunkLocked(i)
		}
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.publishLocked()
}

func (s *Session) run(ctx context.Context, transport Transport, allowed func() (bool, error)) error {
	if transport == nil {
		return fmt.Errorf("%w: transport is nil", ErrInvalidConfig)
	}

	s.mu.Lock()
	for {
		proceed, err := allowed()
		if err != nil || !proceed {
			s.mu.Unlock()
			return err
		}
		if !s.running {
			break
		}

		// the previous run is still winding down
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.done = make(chan struct{})
	s.cancelRun = cancel
	s.failure = nil
	s.status = StatusUploading

	var pending []int
	for i := range s.chunks {
		c := &s.chunks[i]
		if c.status == ChunkFailed {
			c.status = ChunkPending
			c.err = nil
			c.retry.Reset()
		}
		if c.status == ChunkPending {
			pending = append(pending, i)
		}
	}
	s.logger.Debugf("Session %s: %d of %d chunks to upload (concurrency %d)", s.id, len(pending), len(s.chunks), s.config.Concurrency)
	s.publishLocked()
	s.mu.Unlock()
	s.publisher.flush()

	s.dispatch(runCtx, transport, pending)

	return s.finish(ctx, cancel)
}

// dispatch starts a worker for every pending chunk in ascending index order,
// never more than Concurrency at the same time, and waits for all of them.
func (s *Session) dispatch(ctx context.Context, transport Transport, pending []int) {
	semaphore := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for _, index := range pending {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		if ctx.Err() != nil || s.chunks[index].status != ChunkPending {
			s.mu.Unlock()
			<-semaphore
			continue
		}
		c := &s.chunks[index]
		c.status = ChunkUploading
		c.uploaded = 0
		s.publishLocked()
		s.mu.Unlock()
		s.publisher.flush()

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			s.uploadChunk(ctx, transport, index)
		}(index)
	}

	wg.Wait()
}

func (s *Session) finish(ctx context.Context, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.publisher.flush()
	defer s.mu.Unlock()

	cancel()
	s.running = false
	s.cancelRun = nil
	close(s.done)

	switch {
	case s.cancelled:
		return ErrCancelled
	case s.status == StatusFailed:
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.failure)
	case s.status == StatusPaused:
		return ErrPaused
	case s.allCompletedLocked():
		s.status = StatusCompleted
		s.logger.Debugf("Session %s completed", s.id)
		s.publishLocked()
		return nil
	}

	// the parent context ended the run
	s.status = StatusPaused
	for i := range s.chunks {
		if s.chunks[i].status == ChunkUploading {
			s.resetChunkLocked(i)
		}
	}
	s.publishLocked()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPaused, err)
	}
	return ErrPaused
}

func (s *Session) resetChunkLocked(index int) {
	c := &s.chunks[index]
	c.status = ChunkPending
	c.uploaded = 0
}

func (s *Session) allCompletedLocked() bool {
	for i := range s.chunks {
		if s.chunks[i].status != ChunkCompleted {
			return false
		}
	}
	return true
}

// publishLocked queues a snapshot of the current state. Callers flush the
// publisher once the lock is released.
func (s *Session) publishLocked() {
	s.publisher.enqueue(s.snapshotLocked())
}

func (s *Session) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		SessionID:   s.id,
		FileName:    s.source.Name(),
		FileSize:    s.source.Size(),
		ChunkSize:   s.config.ChunkSize,
		TotalChunks: len(s.chunks),
		Status:      s.status,
		Chunks:      make([]ChunkSnapshot, len(s.chunks)),
	}

	for i := range s.chunks {
		c := &s.chunks[i]
		var uploaded int64
		switch c.status {
		case ChunkCompleted:
			uploaded = c.Size()
			snapshot.CompletedChunks++
		case ChunkUploading:
			uploaded = c.uploaded
		}
		snapshot.UploadedBytes += uploaded

		cs := ChunkSnapshot{
			Index:         c.Index,
			Start:         c.Start,
			End:           c.End,
			Status:        c.status,
			UploadedBytes: uploaded,
			Retries:       c.retries,
			Progress:      percent(uploaded, c.Size()),
		}
		if c.status == ChunkCompleted {
			cs.Progress = 100
		}
		if c.err != nil {
			cs.Error = c.err.Error()
		}
		snapshot.Chunks[i] = cs
	}

	snapshot.PercentComplete = percent(snapshot.UploadedBytes, snapshot.FileSize)
	if snapshot.FileSize == 0 && s.status == StatusCompleted {
		snapshot.PercentComplete = 100
	}

	return snapshot
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
