package chunkuploader

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is 8 MiB.
	DefaultChunkSize int64 = 8 * 1024 * 1024
	// DefaultConcurrency is the default number of parallel chunk uploads.
	DefaultConcurrency = 3
	// DefaultMaxRetryPerChunk is the default number of attempts per chunk.
	DefaultMaxRetryPerChunk = 3
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 500 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 30 * time.Second

	minOptimalChunkSize int64 = 8 * 1024 * 1024
	maxOptimalChunkSize int64 = 100 * 1024 * 1024
)

// Config holds configuration for an upload session.
type Config struct {
	// ChunkSize is the size of every chunk but the last one.
	// Default: 8 MiB
	ChunkSize int64

	// Concurrency is the maximum number of chunks uploading at the same time.
	// Default: 3
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// BackoffBase is the delay before the first retry, doubled for every further retry.
	// Default: 500ms
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	// Default: 30s
	BackoffMax time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Hung attempts are
	// cancelled and retried. Zero disables hung detection.
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		Concurrency:      DefaultConcurrency,
		MaxRetryPerChunk: DefaultMaxRetryPerChunk,
		BackoffBase:      DefaultBackoffBase,
		BackoffMax:       DefaultBackoffMax,
	}
}

// Validate checks the configuration. Planning errors are reported before any upload starts.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxRetryPerChunk < 1 {
		return fmt.Errorf("%w: max retry per chunk must be at least 1, got %d", ErrInvalidConfig, c.MaxRetryPerChunk)
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 || c.HungThreshold < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RetryPolicy returns the retry policy described by the configuration.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxRetryPerChunk,
		BaseDelay:   c.BackoffBase,
		MaxDelay:    c.BackoffMax,
	}
}

// OptimalChunkSizeBytes calculates optimal chunk size based on total size and concurrency.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	cs := totalSize / int64(concurrency)

	// Reduce chunk size for very large chunks to improve parallelism
	if cs >= maxOptimalChunkSize {
		cs = cs / 2
	}

	if cs < minOptimalChunkSize {
		cs = minOptimalChunkSize
	}

	if cs > maxOptimalChunkSize {
		cs = maxOptimalChunkSize
	}

	return cs
}
