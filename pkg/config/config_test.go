package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NAMESPACE", "development")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "compiler-submission-development", cfg.Store.Bucket)
	assert.Equal(t, "us-east-1", cfg.Store.Region)
	assert.Equal(t, 10, cfg.Filemanager.Retries)
	assert.True(t, cfg.Filemanager.VerifyChecksum)
	assert.Equal(t, 600*time.Second, cfg.Converter.Timeout)
	assert.Equal(t, "letter", cfg.Converter.Layout)
	assert.True(t, cfg.Converter.Stamp)
	// DIND root falls back to the worker root when unset.
	assert.Equal(t, cfg.WorkerSourceRoot, cfg.DINDSourceRoot)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("FILEMANAGER_VERIFY_CHECKSUM", "false")
	t.Setenv("CONVERTER_DOCKER_IMAGE", "registry.example/autotex:2020")
	t.Setenv("WORKER_SOURCE_ROOT", "/srv/sources")
	t.Setenv("DIND_SOURCE_ROOT", "/mnt/sources")
	t.Setenv("CONVERTER_TIMEOUT", "120s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "my-bucket", cfg.Store.Bucket)
	assert.False(t, cfg.Filemanager.VerifyChecksum)
	assert.Equal(t, "registry.example/autotex:2020", cfg.Converter.Image)
	assert.Equal(t, "/srv/sources", cfg.WorkerSourceRoot)
	assert.Equal(t, "/mnt/sources", cfg.DINDSourceRoot)
	assert.Equal(t, 2*time.Minute, cfg.Converter.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
converter:
  image: autotex:local
  image_pull: false
store:
  bucket: overlay-bucket
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "autotex:local", cfg.Converter.Image)
	assert.False(t, cfg.Converter.ImagePull)
	assert.Equal(t, "overlay-bucket", cfg.Store.Bucket)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Converter.Image = "autotex:latest"
	assert.Error(t, cfg.Validate())

	cfg.WorkerSourceRoot = "/tmp"
	cfg.Store.Bucket = "bucket"
	assert.NoError(t, cfg.Validate())
}
