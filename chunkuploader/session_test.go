package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func testConfig(chunkSize int64, concurrency int) Config {
	config := DefaultConfig()
	config.ChunkSize = chunkSize
	config.Concurrency = concurrency
	config.BackoffBase = time.Millisecond
	config.BackoffMax = 5 * time.Millisecond
	return config
}

func newTestSession(t *testing.T, size int, config Config, opts ...Option) *Session {
	t.Helper()
	data := bytes.Repeat([]byte("x"), size)
	session, err := NewSession(NewBytesSource("test.bin", data), config, opts...)
	require.NoError(t, err)
	return session
}

// callRecorder counts transport calls per chunk index.
type callRecorder struct {
	mu    sync.Mutex
	calls map[int]int
	order []int
}

func newCallRecorder() *callRecorder {
	return &callRecorder{calls: map[int]int{}}
}

func (r *callRecorder) record(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[index]++
	r.order = append(r.order, index)
	return r.calls[index]
}

func (r *callRecorder) count(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[index]
}

func (r *callRecorder) indices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	indices := make([]int, 0, len(r.calls))
	for i := range r.calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

func succeed(recorder *callRecorder) Transport {
	return TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		recorder.record(chunk.Index)
		progress(int64(len(chunk.Data)))
		return nil
	})
}

// blockUntilCancelled reports half of the chunk, signals started and waits for cancellation.
func blockUntilCancelled(started chan<- int) Transport {
	return TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		progress(int64(len(chunk.Data) / 2))
		started <- chunk.Index
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestSession_TwentyMiBWithConcurrencyTwo(t *testing.T) {
	session := newTestSession(t, 20*mib, testConfig(8*mib, 2))

	var mu sync.Mutex
	maxUploading := 0
	session.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if n := s.CountStatus(ChunkUploading); n > maxUploading {
			maxUploading = n
		}
	})

	var active, maxActive int32
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		progress(int64(len(chunk.Data) / 2))
		time.Sleep(10 * time.Millisecond)
		progress(int64(len(chunk.Data)))
		return nil
	})

	require.NoError(t, session.Start(context.Background(), transport))

	progress := session.Progress()
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 3, progress.TotalChunks)
	assert.Equal(t, 3, progress.CompletedChunks)
	assert.Equal(t, int64(20*mib), progress.UploadedBytes)
	assert.Equal(t, float64(100), progress.PercentComplete)

	sizes := []int64{}
	for _, c := range progress.Chunks {
		sizes = append(sizes, c.End-c.Start)
		assert.Equal(t, ChunkCompleted, c.Status)
		assert.Equal(t, float64(100), c.Progress)
	}
	assert.Equal(t, []int64{8 * mib, 8 * mib, 4 * mib}, sizes)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
	mu.Lock()
	assert.LessOrEqual(t, maxUploading, 2)
	assert.Greater(t, maxUploading, 0)
	mu.Unlock()
}

func TestSession_ConcurrencyBound(t *testing.T) {
	session := newTestSession(t, 10*1024, testConfig(1024, 3))

	var mu sync.Mutex
	violations := 0
	session.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.CountStatus(ChunkUploading) > 3 {
			violations++
		}
	})

	var active, maxActive int32
	attempts := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		// every odd chunk fails once, retries keep holding their slot
		if chunk.Index%2 == 1 && attempts.record(chunk.Index) == 1 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, session.Start(context.Background(), transport))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(3))
	mu.Lock()
	assert.Equal(t, 0, violations)
	mu.Unlock()
}

func TestSession_DispatchesInIndexOrder(t *testing.T) {
	session := newTestSession(t, 5*100, testConfig(100, 1))
	recorder := newCallRecorder()

	require.NoError(t, session.Start(context.Background(), succeed(recorder)))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, recorder.order)
}

func TestSession_ChunkFailsTwiceThenSucceeds(t *testing.T) {
	config := testConfig(100, 3)
	config.MaxRetryPerChunk = 3
	session := newTestSession(t, 300, config)

	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		n := recorder.record(chunk.Index)
		if chunk.Index == 1 && n <= 2 {
			return fmt.Errorf("upload failed with status 503")
		}
		return nil
	})

	require.NoError(t, session.Start(context.Background(), transport))

	progress := session.Progress()
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, ChunkCompleted, progress.Chunks[1].Status)
	assert.Equal(t, 2, progress.Chunks[1].Retries)
	assert.Empty(t, progress.Chunks[1].Error)
	assert.Equal(t, 3, recorder.count(1))
	assert.Equal(t, 1, recorder.count(0))
	assert.Equal(t, int64(2), session.Stats().Summary().FailedAttempts)
}

func TestSession_ExhaustedRetriesFailSession(t *testing.T) {
	config := testConfig(100, 1)
	config.MaxRetryPerChunk = 3
	session := newTestSession(t, 300, config)

	var mu sync.Mutex
	var firstFailed *Snapshot
	session.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status == StatusFailed && firstFailed == nil {
			firstFailed = &s
		}
	})

	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		recorder.record(chunk.Index)
		return errors.New("connection reset by peer")
	})

	err := session.Start(context.Background(), transport)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionFailed))

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 0, chunkErr.Index)
	assert.Equal(t, 3, chunkErr.Attempts)

	assert.Equal(t, 3, recorder.count(0))
	assert.Equal(t, 0, recorder.count(1))
	assert.Equal(t, 0, recorder.count(2))

	progress := session.Progress()
	assert.Equal(t, StatusFailed, progress.Status)
	assert.Equal(t, ChunkFailed, progress.Chunks[0].Status)
	assert.Equal(t, 3, progress.Chunks[0].Retries)
	assert.Equal(t, "connection reset by peer", progress.Chunks[0].Error)
	assert.Equal(t, ChunkPending, progress.Chunks[1].Status)

	mu.Lock()
	require.NotNil(t, firstFailed)
	assert.Equal(t, ChunkFailed, firstFailed.Chunks[0].Status)
	mu.Unlock()
}

func TestSession_ExhaustedRetriesCancelInFlightChunks(t *testing.T) {
	config := testConfig(100, 2)
	config.MaxRetryPerChunk = 2
	config.HungThreshold = 0
	session := newTestSession(t, 200, config)

	recorder := newCallRecorder()
	siblingStarted := make(chan struct{})
	siblingStopped := make(chan error, 1)
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		recorder.record(chunk.Index)
		if chunk.Index == 1 {
			progress(int64(len(chunk.Data) / 2))
			close(siblingStarted)
			<-ctx.Done()
			siblingStopped <- ctx.Err()
			return ctx.Err()
		}

		select {
		case <-siblingStarted:
		case <-time.After(5 * time.Second):
			return errors.New("chunk 1 never started")
		}
		return errors.New("internal server error")
	})

	err := session.Start(context.Background(), transport)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionFailed))

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 0, chunkErr.Index)
	assert.Equal(t, 2, chunkErr.Attempts)

	select {
	case stopErr := <-siblingStopped:
		assert.True(t, errors.Is(stopErr, context.Canceled))
	default:
		t.Fatal("chunk 1 was not cancelled")
	}

	assert.Equal(t, 2, recorder.count(0))
	assert.Equal(t, 1, recorder.count(1))

	progress := session.Progress()
	assert.Equal(t, StatusFailed, progress.Status)
	assert.Equal(t, ChunkFailed, progress.Chunks[0].Status)
	assert.Equal(t, ChunkPending, progress.Chunks[1].Status)
	assert.Equal(t, int64(0), progress.Chunks[1].UploadedBytes)
	assert.Equal(t, 0, progress.Chunks[1].Retries)
	assert.Equal(t, int64(0), progress.UploadedBytes)
}

func TestSession_RetryFailedSession(t *testing.T) {
	config := testConfig(100, 1)
	config.MaxRetryPerChunk = 2
	session := newTestSession(t, 300, config)

	failing := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		if chunk.Index == 2 {
			return errors.New("server error")
		}
		return nil
	})
	err := session.Start(context.Background(), failing)
	require.True(t, errors.Is(err, ErrSessionFailed))

	recorder := newCallRecorder()
	require.NoError(t, session.Resume(context.Background(), succeed(recorder)))

	assert.Equal(t, []int{2}, recorder.indices())
	progress := session.Progress()
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 2, progress.Chunks[2].Retries)
}

func TestSession_PauseDuringChunkUpload(t *testing.T) {
	config := testConfig(1000, 1)
	session := newTestSession(t, 1000, config)

	started := make(chan int, 1)
	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		if recorder.record(chunk.Index) == 1 {
			return errors.New("temporary error")
		}
		return blockUntilCancelled(started).UploadChunk(ctx, chunk, progress)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Start(context.Background(), transport)
	}()

	<-started
	before := session.Progress()
	require.Equal(t, ChunkUploading, before.Chunks[0].Status)
	require.Equal(t, int64(500), before.Chunks[0].UploadedBytes)
	require.Equal(t, 1, before.Chunks[0].Retries)

	session.Pause()

	after := session.Progress()
	assert.Equal(t, StatusPaused, after.Status)
	assert.Equal(t, 0, after.CountStatus(ChunkUploading))
	assert.Equal(t, ChunkPending, after.Chunks[0].Status)
	assert.Equal(t, int64(0), after.Chunks[0].UploadedBytes)
	assert.Equal(t, 1, after.Chunks[0].Retries)
	assert.Equal(t, int64(0), after.UploadedBytes)

	err := <-errCh
	assert.True(t, errors.Is(err, ErrPaused))

	final := session.Progress()
	assert.Equal(t, ChunkPending, final.Chunks[0].Status)
	assert.Equal(t, 1, final.Chunks[0].Retries)

	require.NoError(t, session.Resume(context.Background(), succeed(recorder)))
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 1, session.Progress().Chunks[0].Retries)
}

func TestSession_ResumeSkipsCompletedChunks(t *testing.T) {
	session := newTestSession(t, 300, testConfig(100, 1))

	started := make(chan int, 1)
	first := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		first.record(chunk.Index)
		if chunk.Index == 0 {
			return nil
		}
		return blockUntilCancelled(started).UploadChunk(ctx, chunk, progress)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Start(context.Background(), transport)
	}()

	require.Equal(t, 1, <-started)
	session.Pause()
	require.True(t, errors.Is(<-errCh, ErrPaused))
	assert.Equal(t, []int{0, 1}, first.indices())

	progress := session.Progress()
	assert.Equal(t, ChunkCompleted, progress.Chunks[0].Status)
	assert.Equal(t, ChunkPending, progress.Chunks[1].Status)
	assert.Equal(t, ChunkPending, progress.Chunks[2].Status)
	assert.Equal(t, int64(100), progress.UploadedBytes)

	second := newCallRecorder()
	require.NoError(t, session.Resume(context.Background(), succeed(second)))
	assert.Equal(t, []int{1, 2}, second.indices())
	assert.Equal(t, StatusCompleted, session.Status())
}

func TestSession_PauseFromSubscriber(t *testing.T) {
	session := newTestSession(t, 200, testConfig(100, 2))

	var once sync.Once
	session.Subscribe(func(s Snapshot) {
		if s.UploadedBytes > 0 && s.Status == StatusUploading {
			once.Do(session.Pause)
		}
	})

	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		progress(10)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		done <- session.Start(context.Background(), transport)
	}()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrPaused))
	case <-time.After(5 * time.Second):
		t.Fatal("pause from subscriber did not stop the upload")
	}
	assert.Equal(t, StatusPaused, session.Status())
	assert.Equal(t, 0, session.Progress().CountStatus(ChunkUploading))
}

func TestSession_CancelIsPermanent(t *testing.T) {
	session := newTestSession(t, 300, testConfig(100, 2))

	started := make(chan int, 2)
	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		recorder.record(chunk.Index)
		return blockUntilCancelled(started).UploadChunk(ctx, chunk, progress)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Start(context.Background(), transport)
	}()

	<-started
	session.Cancel()
	assert.Equal(t, StatusFailed, session.Status())
	assert.Equal(t, 0, session.Progress().CountStatus(ChunkUploading))

	require.True(t, errors.Is(<-errCh, ErrCancelled))
	calls := len(recorder.indices())

	assert.True(t, errors.Is(session.Resume(context.Background(), transport), ErrCancelled))
	assert.True(t, errors.Is(session.Start(context.Background(), transport), ErrCancelled))
	assert.Equal(t, calls, len(recorder.indices()))
	assert.Equal(t, StatusFailed, session.Status())
}

func TestSession_ContextCancellationPauses(t *testing.T) {
	session := newTestSession(t, 100, testConfig(100, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Start(ctx, blockUntilCancelled(started))
	}()

	<-started
	cancel()

	err := <-errCh
	assert.True(t, errors.Is(err, ErrPaused))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusPaused, session.Status())
	assert.Equal(t, ChunkPending, session.Progress().Chunks[0].Status)
}

func TestSession_StartStates(t *testing.T) {
	t.Run("completed session is a no-op", func(t *testing.T) {
		session := newTestSession(t, 100, testConfig(100, 1))
		require.NoError(t, session.Start(context.Background(), succeed(newCallRecorder())))

		recorder := newCallRecorder()
		require.NoError(t, session.Start(context.Background(), succeed(recorder)))
		assert.Empty(t, recorder.indices())
	})

	t.Run("running session", func(t *testing.T) {
		session := newTestSession(t, 100, testConfig(100, 1))
		started := make(chan int, 1)
		errCh := make(chan error, 1)
		go func() {
			errCh <- session.Start(context.Background(), blockUntilCancelled(started))
		}()
		<-started

		assert.True(t, errors.Is(session.Start(context.Background(), succeed(newCallRecorder())), ErrAlreadyRunning))
		assert.True(t, errors.Is(session.Resume(context.Background(), succeed(newCallRecorder())), ErrAlreadyRunning))

		session.Pause()
		require.True(t, errors.Is(<-errCh, ErrPaused))
	})

	t.Run("resume requires a paused session", func(t *testing.T) {
		session := newTestSession(t, 100, testConfig(100, 1))
		err := session.Resume(context.Background(), succeed(newCallRecorder()))
		assert.True(t, errors.Is(err, ErrNotPaused))
		assert.Equal(t, StatusPending, session.Status())
	})

	t.Run("nil transport", func(t *testing.T) {
		session := newTestSession(t, 100, testConfig(100, 1))
		assert.True(t, errors.Is(session.Start(context.Background(), nil), ErrInvalidConfig))
	})

	t.Run("pause before start", func(t *testing.T) {
		session := newTestSession(t, 100, testConfig(100, 1))
		session.Pause()
		assert.Equal(t, StatusPaused, session.Status())
		require.NoError(t, session.Resume(context.Background(), succeed(newCallRecorder())))
		assert.Equal(t, StatusCompleted, session.Status())
	})
}

func TestSession_ZeroSizeFile(t *testing.T) {
	session := newTestSession(t, 0, testConfig(100, 1))

	progress := session.Progress()
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 0, progress.TotalChunks)
	assert.Equal(t, float64(100), progress.PercentComplete)

	recorder := newCallRecorder()
	require.NoError(t, session.Start(context.Background(), succeed(recorder)))
	assert.Empty(t, recorder.indices())
}

func TestSession_InvalidConfig(t *testing.T) {
	source := NewBytesSource("test.bin", []byte("data"))

	_, err := NewSession(source, Config{ChunkSize: 0, Concurrency: 1, MaxRetryPerChunk: 1})
	assert.True(t, errors.Is(err, ErrInvalidChunkSize))

	_, err = NewSession(source, Config{ChunkSize: -5, Concurrency: 1, MaxRetryPerChunk: 1})
	assert.True(t, errors.Is(err, ErrInvalidChunkSize))

	_, err = NewSession(source, Config{ChunkSize: 10, Concurrency: 0, MaxRetryPerChunk: 1})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewSession(nil, DefaultConfig())
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestSession_UploadedBytesMonotonic(t *testing.T) {
	session := newTestSession(t, 1000, testConfig(100, 3))

	var mu sync.Mutex
	var last int64
	decreased := false
	session.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.UploadedBytes < last {
			decreased = true
		}
		last = s.UploadedBytes
	})

	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		n := recorder.record(chunk.Index)
		for sent := int64(10); sent <= int64(len(chunk.Data)); sent += 30 {
			progress(sent)
		}
		if chunk.Index%3 == 0 && n == 1 {
			return errors.New("temporary error")
		}
		progress(int64(len(chunk.Data)))
		return nil
	})

	require.NoError(t, session.Start(context.Background(), transport))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, decreased)
	assert.Equal(t, int64(1000), last)
}

func TestSession_WithCompletedChunks(t *testing.T) {
	session := newTestSession(t, 300, testConfig(100, 3), WithCompletedChunks([]int{0, 2, 7}))

	progress := session.Progress()
	assert.Equal(t, 2, progress.CompletedChunks)
	assert.Equal(t, []int{0, 2}, progress.CompletedIndices())

	recorder := newCallRecorder()
	require.NoError(t, session.Start(context.Background(), succeed(recorder)))
	assert.Equal(t, []int{1}, recorder.indices())

	all := newTestSession(t, 300, testConfig(100, 3), WithCompletedChunks([]int{0, 1, 2}))
	assert.Equal(t, StatusCompleted, all.Status())
}

func TestSession_SessionIDAndPublisher(t *testing.T) {
	publisher := NewPublisher()
	ch, closeCh := publisher.Channel(64)
	defer closeCh()

	session := newTestSession(t, 100, testConfig(100, 1), WithSessionID("upload-1"), WithPublisher(publisher))
	assert.Equal(t, "upload-1", session.ID())
	assert.Same(t, publisher, session.Publisher())

	require.NoError(t, session.Start(context.Background(), succeed(newCallRecorder())))

	var last Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, "upload-1", last.SessionID)
	assert.Equal(t, "test.bin", last.FileName)
	assert.Equal(t, StatusCompleted, last.Status)

	generated := newTestSession(t, 100, testConfig(100, 1))
	assert.NotEmpty(t, generated.ID())
	assert.NotEqual(t, generated.ID(), newTestSession(t, 100, testConfig(100, 1)).ID())
}

func TestSession_HungChunkIsRetried(t *testing.T) {
	config := testConfig(100, 1)
	config.HungThreshold = 50 * time.Millisecond
	session := newTestSession(t, 200, config)

	recorder := newCallRecorder()
	transport := TransportFunc(func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
		n := recorder.record(chunk.Index)
		if chunk.Index == 1 && n == 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return errors.New("hung upload was not cancelled")
			}
		}
		return nil
	})

	require.NoError(t, session.Start(context.Background(), transport))
	assert.Equal(t, 2, recorder.count(1))
	assert.Equal(t, 1, session.Progress().Chunks[1].Retries)
}

func TestSession_Wait(t *testing.T) {
	session := newTestSession(t, 100, testConfig(100, 1))
	require.NoError(t, session.Wait(context.Background()))

	started := make(chan int, 1)
	go func() {
		_ = session.Start(context.Background(), blockUntilCancelled(started))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, session.Wait(ctx), context.DeadlineExceeded)

	session.Pause()
	require.NoError(t, session.Wait(context.Background()))
	assert.Equal(t, StatusPaused, session.Status())
}
