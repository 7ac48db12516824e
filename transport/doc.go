// Package transport contains chunkuploader.Transport implementations for
// presigned HTTP URLs, S3 multipart uploads and Azure block blobs.
package transport

import "context"

// PartTracker is implemented by transports that keep a per chunk result
// (ETag, block id) needed to finish the upload. The results are persisted
// with the resume state so a later run can finish an upload it did not start.
type PartTracker interface {
	Parts() map[int]string
	RestoreParts(parts map[int]string)
}

// Aborter is implemented by transports that can release the server side
// state of an abandoned upload.
type Aborter interface {
	Abort(ctx context.Context) error
}
