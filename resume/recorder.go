package resume

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Recorder saves the state of a session whenever its set of completed chunks grows.
// Subscribe Observe to the session publisher.
type Recorder struct {
	localPath string
	target    string
	uploadID  string
	parts     func() map[int]string
	logger    log.Logger

	mu        sync.Mutex
	createdAt time.Time
	completed int
	saved     *State
}

// NewRecorder creates a recorder for the upload of localPath.
// parts, when not nil, returns the transport results to persist with the state.
func NewRecorder(localPath, target, uploadID string, parts func() map[int]string, logger log.Logger) *Recorder {
	return &Recorder{
		localPath: localPath,
		target:    target,
		uploadID:  uploadID,
		parts:     parts,
		logger:    logger,
		createdAt: time.Now(),
		completed: -1,
	}
}

// Continue keeps the creation time of a loaded state, so resuming does not extend its expiry.
func (r *Recorder) Continue(state *State) {
	if state == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdAt = state.CreatedAt
}

// Observe saves s when more chunks completed since the last save.
func (r *Recorder) Observe(s chunkuploader.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.CompletedChunks <= r.completed {
		return
	}
	if err := r.saveLocked(s); err != nil {
		r.logger.Warnf("Failed to save resume state: %s", err)
		return
	}
	r.completed = s.CompletedChunks
}

// Save writes s regardless of the completed chunk count.
func (r *Recorder) Save(s chunkuploader.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.saveLocked(s); err != nil {
		return err
	}
	r.completed = s.CompletedChunks
	return nil
}

// Last returns the last saved state, nil before the first save.
func (r *Recorder) Last() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

func (r *Recorder) saveLocked(s chunkuploader.Snapshot) error {
	state := FromSnapshot(r.localPath, r.target, s)
	state.UploadID = r.uploadID
	state.CreatedAt = r.createdAt
	if r.parts != nil {
		state.Parts = r.parts()
	}

	if err := Save(state); err != nil {
		return err
	}
	r.saved = state
	r.logger.Debugf("Saved resume state: %d/%d chunks completed", s.CompletedChunks, s.TotalChunks)
	return nil
}
