package transport

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
)

// Manifest describes a prepared multipart upload: one presigned URL per chunk
// and the chunk size the URLs were issued for.
type Manifest struct {
	ID             string      `json:"id"`
	URLs           []UploadURL `json:"urls"`
	ChunkSizeBytes int64       `json:"chunk_size_bytes"`
	AcknowledgeURL string      `json:"acknowledge_url,omitempty"`
}

// LoadManifest reads a JSON manifest from path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks that the manifest has exactly one URL per chunk of a file of fileSize bytes.
func (m Manifest) Validate(fileSize int64) error {
	chunks, err := chunkuploader.Plan(fileSize, m.ChunkSizeBytes)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if len(chunks) != len(m.URLs) {
		return fmt.Errorf("chunk count mismatch: file has %d chunks, but %d URLs provided", len(chunks), len(m.URLs))
	}
	for i, u := range m.URLs {
		if u.URL == "" {
			return fmt.Errorf("manifest: empty URL for chunk %d", i)
		}
	}
	return nil
}
