// Package analytics reports upload results as analytics events.
package analytics

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the underlying event tracker.
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	// DisabledEnvKey turns off analytics when set to "true".
	DisabledEnvKey = "CHUNKUPLOAD_ANALYTICS_DISABLED"

	eventUploadFinished = "chunk_upload_finished"
)

// UploadTracker sends one event per finished upload.
type UploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

// NewUploadTracker returns nil when analytics are disabled through DisabledEnvKey.
// A nil *UploadTracker is safe to use.
func NewUploadTracker(envRepo env.Repository, logger log.Logger, factory TrackerFactory) *UploadTracker {
	if envRepo.Get(DisabledEnvKey) == "true" {
		logger.Debugf("Analytics disabled")
		return nil
	}

	p := analytics.Properties{
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return &UploadTracker{
		tracker: factory(logger, p),
		logger:  logger,
	}
}

// NewDefaultUploadTracker creates an UploadTracker sending events to the default analytics backend.
func NewDefaultUploadTracker(envRepo env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTracker(envRepo, logger, analytics.NewDefaultTracker)
}

// UploadFinished enqueues the result of an upload session.
func (t *UploadTracker) UploadFinished(target string, snapshot chunkuploader.Snapshot, stats chunkuploader.StatsSummary, took time.Duration, err error) {
	if t == nil {
		return
	}

	properties := analytics.Properties{
		"session_id":        snapshot.SessionID,
		"target":            target,
		"status":            string(snapshot.Status),
		"upload_time_s":     took.Truncate(time.Second).Seconds(),
		"upload_size_bytes": snapshot.FileSize,
		"chunk_size_bytes":  snapshot.ChunkSize,
		"chunk_count":       snapshot.TotalChunks,
		"completed_chunks":  snapshot.CompletedChunks,
		"failed_attempts":   stats.FailedAttempts,
		"avg_chunk_time_ms": stats.Average.Milliseconds(),
	}
	if err != nil {
		properties["error"] = err.Error()
		var chunkErr *chunkuploader.ChunkError
		if errors.As(err, &chunkErr) {
			properties["failed_chunk"] = chunkErr.Index
		}
	}
	t.tracker.Enqueue(eventUploadFinished, properties)
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	if t == nil {
		return
	}
	t.tracker.Wait()
}
