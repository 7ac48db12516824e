package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	content := `{
  "id": "upload-42",
  "chunk_size_bytes": 4,
  "acknowledge_url": "https://example.com/ack",
  "urls": [
    {"url": "https://example.com/0", "method": "PUT", "headers": {"x-amz-acl": "private"}},
    {"url": "https://example.com/1", "method": "PUT"},
    {"url": "https://example.com/2", "method": "PUT"}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "upload-42", m.ID)
	assert.Equal(t, int64(4), m.ChunkSizeBytes)
	assert.Equal(t, "private", m.URLs[0].Headers["x-amz-acl"])

	assert.NoError(t, m.Validate(10))
	assert.Error(t, m.Validate(20))
	assert.Error(t, m.Validate(4))

	m.URLs[1].URL = ""
	assert.Error(t, m.Validate(10))
}

func TestLoadManifest_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte("{"), 0600))
	_, err = LoadManifest(invalid)
	assert.Error(t, err)

	assert.Error(t, Manifest{URLs: []UploadURL{{URL: "x"}}}.Validate(1), "zero chunk size")
}
