package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sort"
	"sync"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// UploadURL is a presigned URL for uploading a single chunk.
type UploadURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	Etags      []string `json:"etags"`
}

// AcknowledgeResponse is returned by the server once every part is acknowledged.
type AcknowledgeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// HTTPTransport uploads every chunk to its own presigned URL and collects the returned ETags.
type HTTPTransport struct {
	client         *retryablehttp.Client
	ackClient      *retryablehttp.Client
	urls           []UploadURL
	acknowledgeURL string
	accessToken    string
	logger         log.Logger

	mu    sync.Mutex
	etags map[int]string
}

// HTTPOption customizes an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithAcknowledge makes Finish report the collected ETags to url.
func WithAcknowledge(url, accessToken string) HTTPOption {
	return func(t *HTTPTransport) {
		t.acknowledgeURL = url
		t.accessToken = accessToken
	}
}

// WithHTTPClient replaces the client used for chunk requests.
func WithHTTPClient(client *retryablehttp.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// NewHTTPTransport creates a transport for the given URLs, one per chunk in index order.
// The chunk requests are never retried by the HTTP client, the upload session owns retries.
func NewHTTPTransport(urls []UploadURL, logger log.Logger, opts ...HTTPOption) *HTTPTransport {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &HTTPTransport{
		client:    client,
		ackClient: retryhttp.NewClient(logger),
		urls:      urls,
		logger:    logger,
		etags:     map[int]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UploadChunk implements chunkuploader.Transport.
func (t *HTTPTransport) UploadChunk(ctx context.Context, chunk chunkuploader.ChunkData, progress chunkuploader.ProgressFunc) error {
	if chunk.Index < 0 || chunk.Index >= len(t.urls) {
		return fmt.Errorf("no upload URL for chunk %d (%d URLs)", chunk.Index, len(t.urls))
	}
	uploadURL := t.urls[chunk.Index]
	method := uploadURL.Method
	if method == "" {
		method = http.MethodPut
	}

	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return &progressReader{reader: bytes.NewReader(chunk.Data), progress: progress}, nil
	})
	req, err := retryablehttp.NewRequest(method, uploadURL.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req = req.WithContext(ctx)
	for k, v := range uploadURL.Headers {
		req.Header.Set(k, v)
	}

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	size := int64(len(chunk.Data))
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chunk %d: %w: %w", chunk.Index, chunkuploader.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("chunk %d: do request: %w", chunk.Index, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		t.logger.Warnf("error while dumping response: %s", err)
	}
	t.logger.Debugf("Chunk %d response dump: %s", chunk.Index, string(dump))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return fmt.Errorf("chunk %d: no ETag in response", chunk.Index)
	}

	t.mu.Lock()
	t.etags[chunk.Index] = etag
	t.mu.Unlock()

	return nil
}

// Parts returns the ETags received so far, keyed by chunk index.
func (t *HTTPTransport) Parts() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyParts(t.etags)
}

// RestoreParts seeds ETags of chunks uploaded by an earlier run.
func (t *HTTPTransport) RestoreParts(parts map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, etag := range parts {
		t.etags[i] = etag
	}
}

// ETags returns the ETags in chunk order. It fails if a chunk has no ETag yet.
func (t *HTTPTransport) ETags() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	etags := make([]string, len(t.urls))
	for i := range t.urls {
		etag, ok := t.etags[i]
		if !ok {
			return nil, fmt.Errorf("missing ETag for chunk %d", i)
		}
		etags[i] = etag
	}
	return etags, nil
}

// Finish acknowledges the upload when an acknowledge URL is configured.
func (t *HTTPTransport) Finish(ctx context.Context) error {
	if t.acknowledgeURL == "" {
		return nil
	}

	etags, err := t.ETags()
	if err != nil {
		return err
	}

	response, err := t.acknowledge(ctx, true, etags)
	if err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}

	t.logger.Debugf("Upload acknowledged")
	logResponseMessage(response, t.logger)
	return nil
}

// Abort reports an unsuccessful upload when an acknowledge URL is configured.
func (t *HTTPTransport) Abort(ctx context.Context) error {
	if t.acknowledgeURL == "" {
		return nil
	}
	_, err := t.acknowledge(ctx, false, nil)
	return err
}

func (t *HTTPTransport) acknowledge(ctx context.Context, successful bool, etags []string) (AcknowledgeResponse, error) {
	body, err := json.Marshal(acknowledgeRequest{
		Successful: successful,
		Etags:      etags,
	})
	if err != nil {
		return AcknowledgeResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPatch, t.acknowledgeURL, body)
	if err != nil {
		return AcknowledgeResponse{}, err
	}
	req = req.WithContext(ctx)
	if t.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := t.ackClient.Do(req)
	if err != nil {
		return AcknowledgeResponse{}, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return AcknowledgeResponse{}, unwrapError(resp)
	}

	var response AcknowledgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil && !errors.Is(err, io.EOF) {
		return AcknowledgeResponse{}, err
	}
	return response, nil
}

func logResponseMessage(response AcknowledgeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn("\n")
	loggerFn(response.Message)
	loggerFn("\n")
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errorBody[:n]))
}

func copyParts(parts map[int]string) map[int]string {
	c := make(map[int]string, len(parts))
	for i, p := range parts {
		c[i] = p
	}
	return c
}

func sortedIndices(parts map[int]string) []int {
	indices := make([]int, 0, len(parts))
	for i := range parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// progressReader reports the number of bytes read so far.
type progressReader struct {
	reader   io.Reader
	progress chunkuploader.ProgressFunc
	sent     int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.progress != nil {
			r.progress(r.sent)
		}
	}
	return n, err
}
