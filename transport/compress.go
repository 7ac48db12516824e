package transport

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/klauspost/compress/zstd"
)

// ZstdTransport compresses every chunk with zstd before handing it to the next transport.
// Chunks are compressed independently, the receiver decompresses them one by one
// and assembles the file by chunk index.
type ZstdTransport struct {
	next    chunkuploader.Transport
	encoder *zstd.Encoder
}

// Compressed wraps next with zstd compression at the given level.
func Compressed(next chunkuploader.Transport, level zstd.EncoderLevel) (*ZstdTransport, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &ZstdTransport{next: next, encoder: encoder}, nil
}

// UploadChunk implements chunkuploader.Transport.
// Progress is reported relative to the uncompressed chunk size.
func (t *ZstdTransport) UploadChunk(ctx context.Context, chunk chunkuploader.ChunkData, progress chunkuploader.ProgressFunc) error {
	compressed := t.encoder.EncodeAll(chunk.Data, make([]byte, 0, len(chunk.Data)/2))

	scaled := func(sent int64) {
		if progress == nil || len(compressed) == 0 {
			return
		}
		progress(sent * int64(len(chunk.Data)) / int64(len(compressed)))
	}

	return t.next.UploadChunk(ctx, chunkuploader.ChunkData{ChunkRange: chunk.ChunkRange, Data: compressed}, scaled)
}

// Finish forwards to the wrapped transport when it needs finalization.
func (t *ZstdTransport) Finish(ctx context.Context) error {
	if f, ok := t.next.(chunkuploader.Finisher); ok {
		return f.Finish(ctx)
	}
	return nil
}

// Close releases the encoder.
func (t *ZstdTransport) Close() error {
	return t.encoder.Close()
}

// DecompressChunk restores a chunk compressed by ZstdTransport.
func DecompressChunk(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	return out, nil
}
