package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/internal/errs"
	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrPaused is returned when an upload was interrupted and its resume state saved.
var ErrPaused = errors.New("upload interrupted, run again with --resume to continue")

type uploader struct {
	cfg            Config
	logger         log.Logger
	tracker        *analytics.UploadTracker
	progressOut    io.Writer
	newS3Transport func(ctx context.Context, params transport.S3Params, logger log.Logger) (*transport.S3Transport, error)
}

func newUploader(cfg Config, logger log.Logger, tracker *analytics.UploadTracker, progressOut io.Writer) *uploader {
	if cfg.NoProgress {
		progressOut = io.Discard
	}
	return &uploader{
		cfg:            cfg,
		logger:         logger,
		tracker:        tracker,
		progressOut:    progressOut,
		newS3Transport: transport.NewS3Transport,
	}
}

// uploadAll uploads files one after the other.
// It stops at the first interrupted upload, failed uploads don't stop the others.
func (u *uploader) uploadAll(ctx context.Context, files []string) error {
	if u.cfg.Manifest != "" && len(files) > 1 {
		return fmt.Errorf("a single manifest can't describe %d files", len(files))
	}

	ui := newProgressUI(u.progressOut)
	defer ui.wait()

	var failures errs.MultiError
	for i, file := range files {
		err := u.upload(ctx, ui, i+1, len(files), file)
		if errors.Is(err, ErrPaused) {
			return err
		}
		if err != nil {
			u.logger.Errorf("Failed to upload %s: %s", file, err)
			errs.Append(&failures, fmt.Errorf("%s: %w", filepath.Base(file), err))
		}
	}
	return failures.ErrorOrNil()
}

func (u *uploader) upload(ctx context.Context, ui *progressUI, index, total int, file string) error {
	startTime := time.Now()

	source, err := chunkuploader.NewFileSource(file)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", file, err)
		}
	}()
	size := source.Size()

	var manifest transport.Manifest
	if u.cfg.Target == targetHTTP {
		if manifest, err = u.loadManifest(file, size); err != nil {
			return err
		}
	}

	sessionConfig, err := u.cfg.sessionConfig(size)
	if err != nil {
		return err
	}
	if manifest.ChunkSizeBytes > 0 {
		sessionConfig.ChunkSize = manifest.ChunkSizeBytes
	}
	if err := u.checkTargetLimits(size, sessionConfig.ChunkSize); err != nil {
		return err
	}

	state := u.loadState(file, sessionConfig.ChunkSize)

	opts := []chunkuploader.Option{chunkuploader.WithLogger(u.logger)}
	if state != nil {
		opts = append(opts, state.Options()...)
	}
	session, err := chunkuploader.NewSession(source, sessionConfig, opts...)
	if err != nil {
		return err
	}

	target, err := u.newTarget(ctx, file, manifest, session.Progress().TotalChunks, state)
	if err != nil {
		return err
	}
	defer func() {
		if err := target.Close(); err != nil {
			u.logger.Warnf("Failed to close transport: %s", err)
		}
	}()
	if target.begin != nil {
		if err := target.begin(ctx); err != nil {
			return err
		}
	}

	uploadID := ""
	if target.uploadID != nil {
		uploadID = target.uploadID()
	}
	var parts func() map[int]string
	if target.parts != nil {
		parts = target.parts.Parts
	}
	recorder := resume.NewRecorder(file, u.cfg.Target, uploadID, parts, u.logger)
	recorder.Continue(state)
	session.Subscribe(recorder.Observe)

	bar := ui.addFile(index, total, filepath.Base(file), size)
	session.Subscribe(bar.update)

	u.logger.Infof("Uploading %s (%s) in %d chunks of %s", file,
		units.HumanSizeWithPrecision(float64(size), 3),
		session.Progress().TotalChunks,
		units.BytesSize(float64(sessionConfig.ChunkSize)))

	uploadErr := session.Start(ctx, target.transport)
	if uploadErr == nil && target.finisher != nil {
		uploadErr = target.finisher.Finish(ctx)
	}

	snapshot := session.Progress()
	bar.finish(snapshot)
	u.tracker.UploadFinished(u.cfg.Target, snapshot, session.Stats().Summary(), time.Since(startTime), uploadErr)

	return u.handleResult(file, session, target, recorder, uploadErr, startTime)
}

func (u *uploader) handleResult(file string, session *chunkuploader.Session, target *uploadTarget, recorder *resume.Recorder, uploadErr error, startTime time.Time) error {
	snapshot := session.Progress()

	switch {
	case uploadErr == nil:
		if err := resume.Delete(file); err != nil {
			u.logger.Warnf("%s", err)
		}
		summary := session.Stats().Summary()
		u.logger.Donef("Uploaded %s (%s) in %s", filepath.Base(file),
			units.HumanSizeWithPrecision(float64(snapshot.FileSize), 3),
			time.Since(startTime).Round(time.Millisecond))
		u.logger.Debugf("Average chunk upload time: %s, failed attempts: %d", summary.Average, summary.FailedAttempts)
		return nil
	case errors.Is(uploadErr, chunkuploader.ErrPaused):
		if err := recorder.Save(snapshot); err != nil {
			return fmt.Errorf("save resume state: %w", err)
		}
		u.logger.Warnf("Upload of %s paused at %.1f%% (%d/%d chunks)", filepath.Base(file),
			snapshot.PercentComplete, snapshot.CompletedChunks, snapshot.TotalChunks)
		return ErrPaused
	}

	if u.cfg.AbortOnFailure {
		if target.aborter != nil {
			if err := target.aborter.Abort(context.Background()); err != nil {
				u.logger.Warnf("Failed to abort upload: %s", err)
			}
		}
		if err := resume.Delete(file); err != nil {
			u.logger.Warnf("%s", err)
		}
		return uploadErr
	}

	if snapshot.CompletedChunks > 0 {
		if err := recorder.Save(snapshot); err != nil {
			u.logger.Warnf("Failed to save resume state: %s", err)
		} else {
			u.logger.Infof("Completed chunks saved to %s, run again with --resume to retry the rest", resume.Path(file))
		}
	}
	return uploadErr
}

// loadState returns the resume state of file when resuming is enabled and the state is still usable.
func (u *uploader) loadState(file string, chunkSize int64) *resume.State {
	if !u.cfg.Resume {
		return nil
	}

	state, err := resume.Load(file)
	if err != nil {
		u.logger.Warnf("Ignoring resume state: %s", err)
		return nil
	}
	if state == nil {
		u.logger.Debugf("No resume state for %s", file)
		return nil
	}
	if state.Target != u.cfg.Target {
		u.logger.Warnf("Ignoring resume state of the %s target", state.Target)
		return nil
	}
	if err := resume.Validate(state, file, chunkSize); err != nil {
		u.logger.Warnf("Ignoring resume state: %s", err)
		if err := resume.Delete(file); err != nil {
			u.logger.Warnf("%s", err)
		}
		return nil
	}

	u.logger.Infof("Resuming upload of %s: %d chunks already uploaded", filepath.Base(file), len(state.CompletedChunks))
	return state
}

func (u *uploader) checkTargetLimits(size, chunkSize int64) error {
	if u.cfg.Target != targetS3 {
		return nil
	}

	chunks, err := chunkuploader.Plan(size, chunkSize)
	if err != nil {
		return err
	}
	if len(chunks) > 1 && chunkSize < transport.S3MinPartSize {
		return fmt.Errorf("chunk size %s is below the S3 minimum part size %s",
			units.BytesSize(float64(chunkSize)), units.BytesSize(float64(transport.S3MinPartSize)))
	}
	if len(chunks) > transport.S3MaxParts {
		return fmt.Errorf("%d chunks exceed the S3 limit of %d parts, use a bigger chunk size", len(chunks), transport.S3MaxParts)
	}
	return nil
}
