// Package chunkuploader provides a resumable, chunked upload engine.
// It splits a source into fixed-size chunks, uploads them through an injected
// Transport with bounded concurrency and per-chunk retries, and supports
// pause, resume and cancel without losing already uploaded chunks.
package chunkuploader

import (
	"context"
)

// Status is the session level upload status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ChunkStatus is the status of a single chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkRange is the half-open byte range [Start, End) of one chunk.
type ChunkRange struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Size returns the number of bytes covered by the range.
func (r ChunkRange) Size() int64 {
	return r.End - r.Start
}

// ChunkData is handed to the Transport for a single upload attempt.
type ChunkData struct {
	ChunkRange
	Data []byte
}

// ProgressFunc reports the number of bytes of the current attempt sent so far.
type ProgressFunc func(sent int64)

// Transport uploads exactly one chunk.
// Implementations must stop promptly once ctx is cancelled and report it with
// an error matching ErrCancelled or context.Canceled. They must not retry internally.
type Transport interface {
	UploadChunk(ctx context.Context, chunk ChunkData, progress ProgressFunc) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, chunk ChunkData, progress ProgressFunc) error

// UploadChunk calls f.
func (f TransportFunc) UploadChunk(ctx context.Context, chunk ChunkData, progress ProgressFunc) error {
	return f(ctx, chunk, progress)
}

// Finisher is implemented by transports that need a final call once every chunk
// has been uploaded (completing a multipart upload, committing a block list, ...).
type Finisher interface {
	Finish(ctx context.Context) error
}

// ChunkSnapshot is the read-only state of one chunk.
type ChunkSnapshot struct {
	Index         int         `json:"index"`
	Start         int64       `json:"start"`
	End           int64       `json:"end"`
	Status        ChunkStatus `json:"status"`
	Progress      float64     `json:"progress"`
	UploadedBytes int64       `json:"uploadedBytes"`
	Retries       int         `json:"retries"`
	Error         string      `json:"error,omitempty"`
}

// Snapshot is an immutable summary of a session at a point in time.
type Snapshot struct {
	SessionID       string          `json:"sessionId"`
	FileName        string          `json:"fileName"`
	FileSize        int64           `json:"fileSize"`
	ChunkSize       int64           `json:"chunkSize"`
	TotalChunks     int             `json:"totalChunks"`
	CompletedChunks int             `json:"completedChunks"`
	UploadedBytes   int64           `json:"uploadedBytes"`
	PercentComplete float64         `json:"percentComplete"`
	Status          Status          `json:"status"`
	Chunks          []ChunkSnapshot `json:"chunks"`
}

// CompletedIndices returns the indices of the completed chunks in ascending order.
func (s Snapshot) CompletedIndices() []int {
	indices := make([]int, 0, s.CompletedChunks)
	for _, c := range s.Chunks {
		if c.Status == ChunkCompleted {
			indices = append(indices, c.Index)
		}
	}
	return indices
}

// CountStatus returns the number of chunks in the given status.
func (s Snapshot) CountStatus(status ChunkStatus) int {
	n := 0
	for _, c := range s.Chunks {
		if c.Status == status {
			n++
		}
	}
	return n
}
