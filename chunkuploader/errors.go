package chunkuploader

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidChunkSize is returned when the chunk size is not positive.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrInvalidFileSize is returned when the source reports a negative size.
	ErrInvalidFileSize = errors.New("file size must not be negative")
	// ErrInvalidConfig is returned for any other invalid configuration value.
	ErrInvalidConfig = errors.New("invalid upload config")

	// ErrCancelled reports a caller initiated cancellation.
	ErrCancelled = errors.New("upload cancelled")
	// ErrPaused is returned by Start and Resume when the session was paused.
	ErrPaused = errors.New("upload paused")
	// ErrNotPaused is returned by Resume when the session is not paused.
	ErrNotPaused = errors.New("upload is not paused")
	// ErrAlreadyRunning is returned when Start or Resume is called on a running session.
	ErrAlreadyRunning = errors.New("upload already running")
	// ErrSessionFailed is returned when a chunk exhausted its retries.
	ErrSessionFailed = errors.New("upload failed")
)

// ChunkError is the final error of a chunk that ran out of retry attempts.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err signals a cancelled transfer.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
