package worker

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/converter"
	"github.com/arxiv/compiler/pkg/dispatch"
	"github.com/arxiv/compiler/pkg/filemanager"
	"github.com/arxiv/compiler/pkg/store"
	"github.com/arxiv/compiler/pkg/types"
)

type fakeFiles struct {
	etag string
	err  error
}

func (f *fakeFiles) GetSourceContent(_ context.Context, sourceID, _, saveTo string) (types.SourcePackage, error) {
	if f.err != nil {
		return types.SourcePackage{}, f.err
	}
	path := filepath.Join(saveTo, sourceID+".tar.gz")
	if err := os.WriteFile(path, []byte("tex source"), 0o644); err != nil {
		return types.SourcePackage{}, err
	}
	return types.SourcePackage{SourceID: sourceID, Path: path, ETag: f.etag}, nil
}

type fakeConverter struct {
	available bool
	err       error
	artifact  []byte
	texLog    []byte
	gotOpts   converter.Options
}

func (f *fakeConverter) IsAvailable(context.Context) bool { return f.available }

func (f *fakeConverter) Convert(_ context.Context, source types.SourcePackage,
	format types.Format, opts converter.Options) (string, string, error) {
	f.gotOpts = opts
	srcDir := filepath.Dir(source.Path)

	var logPath string
	if f.texLog != nil {
		logPath = filepath.Join(srcDir, "autotex.log")
		if err := os.WriteFile(logPath, f.texLog, 0o644); err != nil {
			return "", "", err
		}
	}
	if f.err != nil {
		return "", logPath, f.err
	}

	var artifactPath string
	if f.artifact != nil {
		artifactPath = filepath.Join(srcDir, source.SourceID+"."+format.Ext())
		if err := os.WriteFile(artifactPath, f.artifact, 0o644); err != nil {
			return "", "", err
		}
	}
	return artifactPath, logPath, nil
}

type fakeStore struct {
	statuses   map[string]types.Task
	artifacts  map[string][]byte
	logs       map[string][]byte
	storeErr   error
	statusErrs int // fail this many SetStatus calls
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:  make(map[string]types.Task),
		artifacts: make(map[string][]byte),
		logs:      make(map[string][]byte),
	}
}

func (f *fakeStore) GetStatus(_ context.Context, sourceID, checksum string, format types.Format) (types.Task, error) {
	task, ok := f.statuses[types.TaskID(sourceID, checksum, format)]
	if !ok {
		return types.Task{}, store.ErrDoesNotExist
	}
	return task, nil
}

func (f *fakeStore) SetStatus(_ context.Context, task types.Task) error {
	if f.statusErrs > 0 {
		f.statusErrs--
		return assert.AnError
	}
	f.statuses[task.TaskID] = task
	return nil
}

func (f *fakeStore) Store(_ context.Context, task types.Task, content io.Reader) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	body, _ := io.ReadAll(content)
	f.artifacts[task.TaskID] = body
	return nil
}

func (f *fakeStore) StoreLog(_ context.Context, task types.Task, content io.Reader) error {
	body, _ := io.ReadAll(content)
	f.logs[task.TaskID] = body
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{WorkerSourceRoot: t.TempDir()}
	cfg.Filemanager.VerifyChecksum = true
	cfg.Converter.Layout = "letter"
	cfg.Converter.Stamp = true
	return cfg
}

func testPayload() dispatch.Payload {
	return dispatch.Payload{
		TaskID:       types.TaskID("54", "chk", types.FormatPDF),
		SourceID:     "54",
		Checksum:     "chk",
		OutputFormat: types.FormatPDF,
		Owner:        "84843",
	}
}

func TestDoCompileSuccess(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, artifact: []byte("%PDF-1.5"), texLog: []byte("ok")}
	results := newFakeStore()
	w := New(nil, results, files, conv, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())

	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, types.ReasonNone, task.Reason)
	assert.Equal(t, "Success!", task.Description)
	assert.Equal(t, int64(8), task.SizeBytes)
	assert.Equal(t, "84843", task.Owner)

	assert.Equal(t, []byte("%PDF-1.5"), results.artifacts[task.TaskID])
	assert.Equal(t, []byte("ok"), results.logs[task.TaskID])
	stored := results.statuses[task.TaskID]
	assert.Equal(t, types.StatusCompleted, stored.Status)

	// The TeX tree is pinned to the requested checksum.
	assert.Equal(t, "chk", conv.gotOpts.TexTreeTimestamp)
}

func TestDoCompileAuthError(t *testing.T) {
	files := &fakeFiles{err: filemanager.ErrRequestUnauthorized}
	results := newFakeStore()
	w := New(nil, results, files, &fakeConverter{available: true}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, types.ReasonAuth, task.Reason)
	assert.Equal(t, "There was a problem authorizing your request.", task.Description)
	assert.Empty(t, results.artifacts)
	assert.Empty(t, results.logs)
}

func TestDoCompileMissingSource(t *testing.T) {
	files := &fakeFiles{err: filemanager.ErrNotFound}
	w := New(nil, newFakeStore(), files, &fakeConverter{available: true}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.ReasonMissing, task.Reason)
}

func TestDoCompileNetworkError(t *testing.T) {
	files := &fakeFiles{err: filemanager.ErrConnectionFailed}
	w := New(nil, newFakeStore(), files, &fakeConverter{available: true}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.ReasonNetwork, task.Reason)
	assert.Equal(t, "There was a problem retrieving your source files.", task.Description)
}

func TestDoCompileChecksumMismatch(t *testing.T) {
	files := &fakeFiles{etag: "different"}
	w := New(nil, newFakeStore(), files, &fakeConverter{available: true}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.ReasonMissing, task.Reason)
	assert.Contains(t, task.Description, "expected chk, got different")
}

func TestDoCompileChecksumVerificationDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filemanager.VerifyChecksum = false
	files := &fakeFiles{etag: "different"}
	conv := &fakeConverter{available: true, artifact: []byte("%PDF"), texLog: []byte("log")}
	w := New(nil, newFakeStore(), files, conv, cfg)

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.StatusCompleted, task.Status)
}

func TestDoCompileConverterUnavailable(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	w := New(nil, newFakeStore(), files, &fakeConverter{available: false}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.ReasonDocker, task.Reason)
	assert.Equal(t, "Converter is not available", task.Description)
}

func TestDoCompileCorruptedSource(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, err: converter.ErrCorruptedSource, texLog: []byte("tar: error")}
	results := newFakeStore()
	w := New(nil, results, files, conv, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())

	assert.Equal(t, types.ReasonCorrupted, task.Reason)
	assert.Equal(t, "Source package is corrupted", task.Description)
	// The log survives even though compilation failed.
	assert.Equal(t, []byte("tar: error"), results.logs[task.TaskID])
	assert.Empty(t, results.artifacts)
}

func TestDoCompileNoOutput(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, texLog: []byte("! LaTeX Error")}
	results := newFakeStore()
	w := New(nil, results, files, conv, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())

	assert.Equal(t, types.ReasonCompilation, task.Reason)
	assert.Equal(t, "Failed", task.Description)
	assert.Equal(t, []byte("! LaTeX Error"), results.logs[task.TaskID])
}

func TestDoCompileStorageFailure(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, artifact: []byte("%PDF"), texLog: []byte("ok")}
	results := newFakeStore()
	results.storeErr = assert.AnError
	w := New(nil, results, files, conv, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, types.ReasonStorage, task.Reason)
	assert.Equal(t, "Failed to store result", task.Description)
	// The status record is still written, best effort.
	assert.Equal(t, types.ReasonStorage, results.statuses[task.TaskID].Reason)
}

func TestDoCompileStatusRetry(t *testing.T) {
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, artifact: []byte("%PDF"), texLog: []byte("ok")}
	results := newFakeStore()
	results.statusErrs = 1 // first write fails, retry succeeds
	w := New(nil, results, files, conv, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, types.StatusCompleted, results.statuses[task.TaskID].Status)
}

func TestDoCompileShortCircuitsTerminalTask(t *testing.T) {
	results := newFakeStore()
	done := types.NewTask("54", "chk", types.FormatPDF, "84843")
	done.Status = types.StatusCompleted
	done.Description = "Success!"
	require.NoError(t, results.SetStatus(context.Background(), done))

	// Collaborators that would fail if touched.
	files := &fakeFiles{err: filemanager.ErrConnectionFailed}
	w := New(nil, results, files, &fakeConverter{}, testConfig(t))

	task := w.DoCompile(context.Background(), testPayload())
	assert.Equal(t, done, task)
}

func TestDoCompileCleansUpWorkspace(t *testing.T) {
	cfg := testConfig(t)
	files := &fakeFiles{etag: "chk"}
	conv := &fakeConverter{available: true, artifact: []byte("%PDF"), texLog: []byte("ok")}
	w := New(nil, newFakeStore(), files, conv, cfg)

	w.DoCompile(context.Background(), testPayload())

	entries, err := os.ReadDir(cfg.WorkerSourceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory must be removed")
}

func TestChecksumMatches(t *testing.T) {
	assert.True(t, checksumMatches("abc", "abc"))
	assert.False(t, checksumMatches("abc", "def"))

	// Match after URL-safe base64 decoding of the requested checksum.
	encoded := base64.URLEncoding.EncodeToString([]byte("raw-etag"))
	assert.True(t, checksumMatches("raw-etag", encoded))

	raw := base64.RawURLEncoding.EncodeToString([]byte("other-etag"))
	assert.True(t, checksumMatches("other-etag", raw))

	assert.False(t, checksumMatches("abc", "!!not-base64!!"))
}
