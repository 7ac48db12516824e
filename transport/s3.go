package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numMultipartRetries = 3
	multipartRetryWait  = 5 * time.Second

	// S3 rejects parts smaller than this, except the last one.
	S3MinPartSize int64 = 5 * 1024 * 1024
	// S3MaxParts is the maximum number of parts of a multipart upload.
	S3MaxParts = 10000
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	ContentType     string
	// UploadID continues an existing multipart upload instead of creating a new one.
	UploadID string
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Transport uploads chunks as the parts of an S3 multipart upload.
// Chunk i is uploaded as part i+1.
type S3Transport struct {
	client      s3API
	bucket      string
	key         string
	contentType string
	logger      log.Logger
	retryWait   time.Duration

	mu       sync.Mutex
	uploadID string
	etags    map[int]string
}

// NewS3Transport loads the AWS configuration and creates a transport for params.
// Call Begin before uploading the first chunk.
func NewS3Transport(ctx context.Context, params S3Params, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("Key must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Transport(newS3Client(*cfg), params, logger), nil
}

// newS3Client creates a client that sends every request exactly once.
// UploadPart attempts are counted and retried by the session, the other
// multipart calls by retry.Times.
func newS3Client(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
	noRetry := func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		o.RetryMaxAttempts = 1
	}
	return s3.NewFromConfig(cfg, append([]func(*s3.Options){noRetry}, optFns...)...)
}

func newS3Transport(client s3API, params S3Params, logger log.Logger) *S3Transport {
	return &S3Transport{
		client:      client,
		bucket:      params.Bucket,
		key:         params.Key,
		contentType: params.ContentType,
		logger:      logger,
		retryWait:   multipartRetryWait,
		uploadID:    params.UploadID,
		etags:       map[int]string{},
	}
}

// UploadID returns the multipart upload id, empty before Begin.
func (t *S3Transport) UploadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadID
}

// Begin creates the multipart upload unless an upload id is already known.
func (t *S3Transport) Begin(ctx context.Context) error {
	if t.UploadID() != "" {
		t.logger.Debugf("Continuing multipart upload %s", t.UploadID())
		return nil
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
	}
	if t.contentType != "" {
		input.ContentType = aws.String(t.contentType)
	}

	var uploadID string
	err := retry.Times(numMultipartRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := t.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			if isS3Cancellation(err) {
				return err, true
			}
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		if output.UploadId == nil {
			return fmt.Errorf("create multipart upload: no upload id in response"), true
		}
		uploadID = *output.UploadId
		return nil, true
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.uploadID = uploadID
	t.mu.Unlock()
	t.logger.Debugf("Created multipart upload %s", uploadID)
	return nil
}

// UploadChunk implements chunkuploader.Transport.
func (t *S3Transport) UploadChunk(ctx context.Context, chunk chunkuploader.ChunkData, progress chunkuploader.ProgressFunc) error {
	uploadID := t.UploadID()
	if uploadID == "" {
		return fmt.Errorf("multipart upload not started")
	}
	if chunk.Index >= S3MaxParts {
		return fmt.Errorf("chunk %d exceeds the %d parts limit", chunk.Index, S3MaxParts)
	}

	output, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
	})
	if err != nil {
		if isS3Cancellation(err) || ctx.Err() != nil {
			return fmt.Errorf("part %d: %w: %w", chunk.Index+1, chunkuploader.ErrCancelled, err)
		}
		return fmt.Errorf("upload part %d: %w", chunk.Index+1, err)
	}
	if output.ETag == nil {
		return fmt.Errorf("upload part %d: no ETag in response", chunk.Index+1)
	}

	t.mu.Lock()
	t.etags[chunk.Index] = *output.ETag
	t.mu.Unlock()

	if progress != nil {
		progress(int64(len(chunk.Data)))
	}
	return nil
}

// Parts returns the part ETags received so far, keyed by chunk index.
func (t *S3Transport) Parts() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyParts(t.etags)
}

// RestoreParts seeds the ETags of parts uploaded by an earlier run.
func (t *S3Transport) RestoreParts(parts map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, etag := range parts {
		t.etags[i] = etag
	}
}

// Finish completes the multipart upload with every part uploaded so far.
func (t *S3Transport) Finish(ctx context.Context) error {
	uploadID := t.UploadID()
	if uploadID == "" {
		return fmt.Errorf("multipart upload not started")
	}

	parts := t.Parts()
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, i := range sortedIndices(parts) {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(parts[i]),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	return retry.Times(numMultipartRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(t.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NoSuchUpload:
					return fmt.Errorf("complete multipart upload: %w", err), true
				}
			}
			if isS3Cancellation(err) {
				return err, true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		t.logger.Debugf("Completed multipart upload %s with %d parts", uploadID, len(completed))
		return nil, true
	})
}

// Abort aborts the multipart upload, dropping the uploaded parts.
func (t *S3Transport) Abort(ctx context.Context) error {
	uploadID := t.UploadID()
	if uploadID == "" {
		return nil
	}

	return retry.Times(numMultipartRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(t.key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
				return nil, true
			}
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return nil, true
	})
}

func isS3Cancellation(err error) bool {
	var canceled *smithy.CanceledError
	return errors.As(err, &canceled) || errors.Is(err, context.Canceled)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
