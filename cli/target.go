package cli

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// uploadTarget is the transport of one file with its optional capabilities.
type uploadTarget struct {
	transport chunkuploader.Transport
	parts     transport.PartTracker
	aborter   transport.Aborter
	finisher  chunkuploader.Finisher
	begin     func(ctx context.Context) error
	uploadID  func() string
	close     func() error
}

func (t *uploadTarget) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// loadManifest reads the http manifest of file and checks it against the file size.
func (u *uploader) loadManifest(file string, size int64) (transport.Manifest, error) {
	manifestPath := u.cfg.Manifest
	if manifestPath == "" {
		manifestPath = file + manifestSuffix
	}

	manifest, err := transport.LoadManifest(manifestPath)
	if err != nil {
		return transport.Manifest{}, err
	}
	if err := manifest.Validate(size); err != nil {
		return transport.Manifest{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}
	return manifest, nil
}

// newTarget creates the transport of file, continuing state when not nil.
func (u *uploader) newTarget(ctx context.Context, file string, manifest transport.Manifest, totalChunks int, state *resume.State) (*uploadTarget, error) {
	var target *uploadTarget

	switch u.cfg.Target {
	case targetHTTP:
		var opts []transport.HTTPOption
		if manifest.AcknowledgeURL != "" {
			opts = append(opts, transport.WithAcknowledge(manifest.AcknowledgeURL, string(u.cfg.AccessToken)))
		}
		t := transport.NewHTTPTransport(manifest.URLs, u.logger, opts...)
		target = &uploadTarget{transport: t, parts: t, aborter: t, finisher: t}
	case targetS3:
		params := transport.S3Params{
			Region:          u.cfg.S3Region,
			Bucket:          u.cfg.S3Bucket,
			Key:             path.Join(u.cfg.S3KeyPrefix, filepath.Base(file)),
			AccessKeyID:     string(u.cfg.AWSAccessKeyID),
			SecretAccessKey: string(u.cfg.AWSSecretKey),
			ContentType:     u.cfg.ContentType,
		}
		if state != nil {
			params.UploadID = state.UploadID
		}
		t, err := u.newS3Transport(ctx, params, u.logger)
		if err != nil {
			return nil, err
		}
		target = &uploadTarget{transport: t, parts: t, aborter: t, finisher: t, begin: t.Begin, uploadID: t.UploadID}
	case targetAzure:
		blobURL, err := blobSASURL(string(u.cfg.AzureSASURL), filepath.Base(file))
		if err != nil {
			return nil, err
		}
		t, err := transport.NewAzureBlockTransport(transport.AzureParams{
			BlobSASURL:  blobURL,
			TotalChunks: totalChunks,
			ContentType: u.cfg.ContentType,
		}, u.logger)
		if err != nil {
			return nil, err
		}
		target = &uploadTarget{transport: t, parts: t, finisher: t}
	default:
		return nil, fmt.Errorf("unknown target: %s", u.cfg.Target)
	}

	if state != nil && target.parts != nil && len(state.Parts) > 0 {
		target.parts.RestoreParts(state.Parts)
		u.logger.Debugf("Restored %d parts", len(state.Parts))
	}

	if u.cfg.Compression != "" {
		level, err := u.cfg.compressionLevel()
		if err != nil {
			return nil, err
		}
		compressed, err := transport.Compressed(target.transport, level)
		if err != nil {
			return nil, err
		}
		target.transport = compressed
		target.close = compressed.Close
	}

	return target, nil
}

// blobSASURL returns the URL of blob name inside the container of containerURL, keeping its SAS query.
func blobSASURL(containerURL, name string) (string, error) {
	u, err := url.Parse(containerURL)
	if err != nil {
		return "", fmt.Errorf("invalid container URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid container URL: missing scheme or host")
	}
	u.Path = path.Join(u.Path, name)
	return u.String(), nil
}
