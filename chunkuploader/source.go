package chunkuploader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source provides the bytes of the file being uploaded.
// Implementations can read from files, memory buffers or any io.ReaderAt.
type Source interface {
	// Name returns the file name reported in progress snapshots.
	Name() string

	// Size returns the total number of bytes.
	Size() int64

	// ReadChunk returns the bytes of the given range.
	// For retries, ReadChunk may be called multiple times for the same range.
	// Safe for concurrent use.
	ReadChunk(r ChunkRange) ([]byte, error)
}

// ReaderAtSource reads chunks from an io.ReaderAt.
type ReaderAtSource struct {
	name   string
	size   int64
	reader io.ReaderAt
}

// NewReaderAtSource creates a Source reading size bytes from r.
func NewReaderAtSource(name string, r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{name: name, size: size, reader: r}
}

// Name returns the file name.
func (s *ReaderAtSource) Name() string {
	return s.name
}

// Size returns the total number of bytes.
func (s *ReaderAtSource) Size() int64 {
	return s.size
}

// ReadChunk reads the range into memory so it can be reused for retries.
func (s *ReaderAtSource) ReadChunk(r ChunkRange) ([]byte, error) {
	if r.Start < 0 || r.End > s.size || r.Start > r.End {
		return nil, fmt.Errorf("chunk %d range [%d, %d) out of bounds [0, %d)", r.Index, r.Start, r.End, s.size)
	}

	chunk := make([]byte, r.Size())
	n, err := io.ReadFull(io.NewSectionReader(s.reader, r.Start, r.Size()), chunk)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", r.Index, err)
	}

	return chunk[:n], nil
}

// FileSource reads chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileSource struct {
	*ReaderAtSource
	file *os.File
}

// NewFileSource opens path for reading.
func NewFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		ReaderAtSource: NewReaderAtSource(filepath.Base(path), file, info.Size()),
		file:           file,
	}, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides chunks from an in-memory buffer.
type BytesSource struct {
	name string
	data []byte
}

// NewBytesSource creates a Source over data.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

// Name returns the file name.
func (s *BytesSource) Name() string {
	return s.name
}

// Size returns the total number of bytes.
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// ReadChunk returns a copy of the range.
func (s *BytesSource) ReadChunk(r ChunkRange) ([]byte, error) {
	if r.Start < 0 || r.End > int64(len(s.data)) || r.Start > r.End {
		return nil, fmt.Errorf("chunk %d range [%d, %d) out of bounds [0, %d)", r.Index, r.Start, r.End, len(s.data))
	}

	chunk := make([]byte, r.Size())
	copy(chunk, s.data[r.Start:r.End])
	return chunk, nil
}
