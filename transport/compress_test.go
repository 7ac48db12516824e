package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finishRecorder struct {
	chunks   map[int][]byte
	finished bool
}

func (r *finishRecorder) UploadChunk(ctx context.Context, chunk chunkuploader.ChunkData, progress chunkuploader.ProgressFunc) error {
	r.chunks[chunk.Index] = chunk.Data
	progress(int64(len(chunk.Data)))
	return nil
}

func (r *finishRecorder) Finish(ctx context.Context) error {
	r.finished = true
	return nil
}

func TestZstdTransport(t *testing.T) {
	next := &finishRecorder{chunks: map[int][]byte{}}
	transport, err := Compressed(next, zstd.SpeedDefault)
	require.NoError(t, err)
	defer func() { require.NoError(t, transport.Close()) }()

	data := bytes.Repeat([]byte("compressible "), 1000)
	var reported int64
	err = transport.UploadChunk(context.Background(), chunkuploader.ChunkData{
		ChunkRange: chunkuploader.ChunkRange{Index: 3, Start: 0, End: int64(len(data))},
		Data:       data,
	}, func(sent int64) { reported = sent })
	require.NoError(t, err)

	compressed := next.chunks[3]
	assert.Less(t, len(compressed), len(data))
	assert.Equal(t, int64(len(data)), reported)

	restored, err := DecompressChunk(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, restored)

	require.NoError(t, transport.Finish(context.Background()))
	assert.True(t, next.finished)
}

func TestDecompressChunk_Invalid(t *testing.T) {
	_, err := DecompressChunk([]byte("not zstd"))
	assert.Error(t, err)
}
