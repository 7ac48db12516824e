package chunkuploader

import "fmt"

// Plan partitions [0, fileSize) into consecutive ranges of chunkSize bytes.
// The last range may be shorter. A zero sized file yields no chunks.
// Plan is deterministic, so a persisted session can be rebuilt identically.
func Plan(fileSize, chunkSize int64) ([]ChunkRange, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFileSize, fileSize)
	}

	count := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		count++
	}

	chunks := make([]ChunkRange, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, ChunkRange{Index: int(i), Start: start, End: end})
	}

	return chunks, nil
}
