package converter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv/compiler/pkg/types"
)

func TestTranslatePath(t *testing.T) {
	got, err := TranslatePath("/srv/worker/tmpabc123", "/srv/worker", "/mnt/dind")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/dind/tmpabc123", got)

	got, err = TranslatePath("/srv/worker/a/b", "/srv/worker", "/mnt/dind")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/dind/a/b", got)

	_, err = TranslatePath("/elsewhere/tmpabc", "/srv/worker", "/mnt/dind")
	assert.Error(t, err)
}

func TestCommandArgs(t *testing.T) {
	opts := Options{
		AddStamp: true,
		Timeout:  600 * time.Second,
		Layout:   "letter",
		Verbose:  false,
	}
	args := commandArgs("54", types.FormatPDF, opts)
	assert.Equal(t, []string{
		"/bin/autotex.pl",
		"-S", "/autotex",
		"-p", "54",
		"-f", "pdf",
		"-T", "600",
		"-t", "letter",
		"-q",
	}, args)
}

func TestCommandArgsAllOptions(t *testing.T) {
	opts := Options{
		StampLabel:       "arXiv:1801.00123",
		StampLink:        "https://arxiv.org/abs/1801.00123",
		AddStamp:         false,
		Timeout:          120 * time.Second,
		Layout:           "a4",
		AddPSMapfile:     true,
		PDvipsFlag:       true,
		DDvipsFlag:       true,
		IDForDecryption:  "99",
		TexTreeTimestamp: "chk123=",
		Verbose:          true,
	}
	args := commandArgs("54", types.FormatPS, opts)
	assert.Equal(t, []string{
		"/bin/autotex.pl",
		"-S", "/autotex",
		"-p", "54",
		"-f", "ps",
		"-l", "arXiv:1801.00123",
		"-L", "https://arxiv.org/abs/1801.00123",
		"-T", "120",
		"-t", "a4",
		"-q",
		"-v",
		"-s",
		"-u",
		"-P",
		"-D",
		"-d", "99",
		"-U", "chk123=",
	}, args)
}

func TestFindCorruptionMarker(t *testing.T) {
	stderr := "tar: This does not look like a tar archive\ntar: Exiting"
	assert.NotEmpty(t, findCorruptionMarker(stderr))
	assert.Empty(t, findCorruptionMarker("LaTeX Warning: Reference undefined"))
}

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "tex_cache")
	require.NoError(t, os.MkdirAll(cache, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "54v1.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "notes.txt"), []byte("x"), 0o644))

	assert.Equal(t, filepath.Join(cache, "54v1.pdf"), findArtifact(dir, types.FormatPDF))
	assert.Empty(t, findArtifact(dir, types.FormatDVI))
	assert.Empty(t, findArtifact(t.TempDir(), types.FormatPDF))
}

func TestEnsureLogFallback(t *testing.T) {
	dir := t.TempDir()

	// No log written by the converter: fall back to captured stdout.
	path, err := ensureLog(dir, []byte("captured output"))
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "captured output", string(content))

	// An existing non-empty log is left alone.
	require.NoError(t, os.WriteFile(path, []byte("real tex log"), 0o644))
	path2, err := ensureLog(dir, []byte("should be ignored"))
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	content, err = os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, "real tex log", string(content))
}
