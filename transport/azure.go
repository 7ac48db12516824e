package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

type blockBlobAPI interface {
	StageBlock(ctx context.Context, base64BlockID string, body io.ReadSeekCloser, options *blockblob.StageBlockOptions) (blockblob.StageBlockResponse, error)
	CommitBlockList(ctx context.Context, base64BlockIDs []string, options *blockblob.CommitBlockListOptions) (blockblob.CommitBlockListResponse, error)
}

// AzureParams ...
type AzureParams struct {
	// BlobSASURL is the URL of the destination blob including its SAS token.
	BlobSASURL  string
	TotalChunks int
	ContentType string
}

// AzureBlockTransport stages every chunk as a block of a block blob.
// Finish commits the block list in chunk order.
type AzureBlockTransport struct {
	client      blockBlobAPI
	totalChunks int
	contentType string
	logger      log.Logger
	retryWait   time.Duration

	mu     sync.Mutex
	staged map[int]string
}

// NewAzureBlockTransport creates a transport writing to the blob behind params.BlobSASURL.
func NewAzureBlockTransport(params AzureParams, logger log.Logger) (*AzureBlockTransport, error) {
	if params.BlobSASURL == "" {
		return nil, fmt.Errorf("BlobSASURL must not be empty")
	}

	client, err := blockblob.NewClientWithNoCredential(params.BlobSASURL, &blockblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// chunk attempts are retried by the upload session
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return newAzureBlockTransport(client, params, logger), nil
}

func newAzureBlockTransport(client blockBlobAPI, params AzureParams, logger log.Logger) *AzureBlockTransport {
	return &AzureBlockTransport{
		client:      client,
		totalChunks: params.TotalChunks,
		contentType: params.ContentType,
		logger:      logger,
		retryWait:   multipartRetryWait,
		staged:      map[int]string{},
	}
}

// BlockID returns the block id of chunk index.
// Block ids must be base64-encoded and have the same length within a blob.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%010d", index)))
}

// UploadChunk implements chunkuploader.Transport.
func (t *AzureBlockTransport) UploadChunk(ctx context.Context, chunk chunkuploader.ChunkData, progress chunkuploader.ProgressFunc) error {
	blockID := BlockID(chunk.Index)

	_, err := t.client.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(chunk.Data)), nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("block %d: %w: %w", chunk.Index, chunkuploader.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("failed to stage block %d: %w", chunk.Index, err)
	}

	t.mu.Lock()
	t.staged[chunk.Index] = blockID
	t.mu.Unlock()

	if progress != nil {
		progress(int64(len(chunk.Data)))
	}
	return nil
}

// Parts returns the staged block ids keyed by chunk index.
func (t *AzureBlockTransport) Parts() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyParts(t.staged)
}

// RestoreParts marks blocks staged by an earlier run.
// Uncommitted blocks are kept by Azure for a week.
func (t *AzureBlockTransport) RestoreParts(parts map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range parts {
		t.staged[i] = id
	}
}

// Finish commits the block list.
func (t *AzureBlockTransport) Finish(ctx context.Context) error {
	t.mu.Lock()
	blockIDs := make([]string, t.totalChunks)
	for i := 0; i < t.totalChunks; i++ {
		id, ok := t.staged[i]
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("block %d was not staged", i)
		}
		blockIDs[i] = id
	}
	t.mu.Unlock()

	var options *blockblob.CommitBlockListOptions
	if t.contentType != "" {
		contentType := t.contentType
		options = &blockblob.CommitBlockListOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		}
	}

	return retry.Times(numMultipartRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if _, err := t.client.CommitBlockList(ctx, blockIDs, options); err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("failed to commit block list: %w", err), false
		}
		t.logger.Debugf("Committed %d blocks", len(blockIDs))
		return nil, true
	})
}
