// Package resume persists the progress of an upload session next to the
// uploaded file, so an interrupted upload can continue in a later process.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
)

// MaxResumeAge is the maximum age of a resume state before it's considered expired.
// Aligned with the S3 multipart upload and Azure uncommitted block expiry.
const MaxResumeAge = 7 * 24 * time.Hour

const fileSuffix = ".upload.resume"

// ErrExpired is returned by Validate for states older than MaxResumeAge.
var ErrExpired = errors.New("resume state expired")

// State is the persisted progress of one file upload.
type State struct {
	LocalPath       string         `json:"local_path"`
	SessionID       string         `json:"session_id"`
	FileSize        int64          `json:"file_size"`
	ChunkSize       int64          `json:"chunk_size"`
	Target          string         `json:"target"`
	UploadID        string         `json:"upload_id,omitempty"`
	CompletedChunks []int          `json:"completed_chunks"`
	Parts           map[int]string `json:"parts,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUpdate      time.Time      `json:"last_update"`
}

// Path returns the sidecar file the state of localPath is stored in.
func Path(localPath string) string {
	return localPath + fileSuffix
}

// IsStateFile reports whether path is a state file or its temporary copy.
func IsStateFile(path string) bool {
	return strings.HasSuffix(path, fileSuffix) || strings.HasSuffix(path, fileSuffix+".tmp")
}

// FromSnapshot builds the state of localPath from a session snapshot.
func FromSnapshot(localPath, target string, s chunkuploader.Snapshot) *State {
	now := time.Now()
	return &State{
		LocalPath:       localPath,
		SessionID:       s.SessionID,
		FileSize:        s.FileSize,
		ChunkSize:       s.ChunkSize,
		Target:          target,
		CompletedChunks: s.CompletedIndices(),
		CreatedAt:       now,
		LastUpdate:      now,
	}
}

// Options returns the session options continuing this state.
func (s *State) Options() []chunkuploader.Option {
	return []chunkuploader.Option{
		chunkuploader.WithSessionID(s.SessionID),
		chunkuploader.WithCompletedChunks(s.CompletedChunks),
	}
}

// Save writes the state atomically using a temporary file + rename.
func Save(state *State) error {
	if state == nil || state.LocalPath == "" {
		return fmt.Errorf("state has no local path")
	}

	stateFilePath := Path(state.LocalPath)
	tmpFilePath := stateFilePath + ".tmp"

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal upload state: %w", err)
	}

	if err := os.WriteFile(tmpFilePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if err := os.Rename(tmpFilePath, stateFilePath); err != nil {
		_ = os.Remove(tmpFilePath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// Load reads the state of localPath.
// Returns nil without error if no resume state exists.
func Load(localPath string) (*State, error) {
	data, err := os.ReadFile(Path(localPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	return &state, nil
}

// Delete removes the state of localPath. A missing state is not an error.
func Delete(localPath string) error {
	err := os.Remove(Path(localPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// Exists reports whether a state file exists for localPath.
func Exists(localPath string) bool {
	_, err := os.Stat(Path(localPath))
	return err == nil
}

// Validate checks that the state can continue the upload of localPath with chunkSize.
func Validate(state *State, localPath string, chunkSize int64) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	if state.LocalPath != localPath {
		return fmt.Errorf("local path mismatch")
	}

	fileInfo, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source file no longer exists")
		}
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if fileInfo.Size() != state.FileSize {
		return fmt.Errorf("source file size changed (was %d, now %d)", state.FileSize, fileInfo.Size())
	}

	if time.Since(state.CreatedAt) > MaxResumeAge {
		return ErrExpired
	}

	if state.ChunkSize != chunkSize {
		return fmt.Errorf("chunk size changed (was %d, now %d)", state.ChunkSize, chunkSize)
	}

	chunks, err := chunkuploader.Plan(state.FileSize, state.ChunkSize)
	if err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}
	for _, i := range state.CompletedChunks {
		if i < 0 || i >= len(chunks) {
			return fmt.Errorf("completed chunk %d out of range - state corrupted", i)
		}
	}

	return nil
}
