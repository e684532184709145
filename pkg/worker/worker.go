package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/converter"
	"github.com/arxiv/compiler/pkg/dispatch"
	"github.com/arxiv/compiler/pkg/filemanager"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/metrics"
	"github.com/arxiv/compiler/pkg/types"
)

// SourceClient retrieves source packages from the file management service.
type SourceClient interface {
	GetSourceContent(ctx context.Context, sourceID, token, saveTo string) (types.SourcePackage, error)
}

// Converter runs the TeX converter image.
type Converter interface {
	IsAvailable(ctx context.Context) bool
	Convert(ctx context.Context, source types.SourcePackage, format types.Format, opts converter.Options) (string, string, error)
}

// ResultStore persists task records, artifacts, and logs.
type ResultStore interface {
	GetStatus(ctx context.Context, sourceID, checksum string, format types.Format) (types.Task, error)
	SetStatus(ctx context.Context, task types.Task) error
	Store(ctx context.Context, task types.Task, content io.Reader) error
	StoreLog(ctx context.Context, task types.Task, content io.Reader) error
}

// Worker consumes compilation jobs from the queue and executes them to
// completion, one at a time.
type Worker struct {
	queue   *dispatch.Queue
	store   ResultStore
	files   SourceClient
	convert Converter

	sourceRoot     string
	verifyChecksum bool
	opts           converter.Options
}

// New creates a worker from its collaborators and configuration.
func New(queue *dispatch.Queue, store ResultStore, files SourceClient,
	convert Converter, cfg *config.Config) *Worker {
	return &Worker{
		queue:          queue,
		store:          store,
		files:          files,
		convert:        convert,
		sourceRoot:     cfg.WorkerSourceRoot,
		verifyChecksum: cfg.Filemanager.VerifyChecksum,
		opts: converter.Options{
			AddStamp: cfg.Converter.Stamp,
			Timeout:  cfg.Converter.Timeout,
			Layout:   cfg.Converter.Layout,
			Verbose:  cfg.VerboseCompile,
		},
	}
}

// Run consumes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker")
	logger.Info().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopping")
			return ctx.Err()
		default:
		}

		payload, ok, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("failed to dequeue")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		w.process(ctx, payload)
	}
}

// process executes one queue payload and publishes its disposition to the
// result backend.
func (w *Worker) process(ctx context.Context, payload dispatch.Payload) {
	logger := log.WithTaskID(payload.TaskID)

	if payload.Probe {
		// Availability probes complete without doing any work.
		if err := w.queue.SetResult(ctx, payload.TaskID, types.Task{TaskID: payload.TaskID}); err != nil {
			logger.Error().Err(err).Msg("failed to complete probe task")
		}
		_ = w.queue.Ack(ctx, payload)
		return
	}

	if err := w.queue.SetState(ctx, payload.TaskID, dispatch.StateStarted); err != nil {
		logger.Error().Err(err).Msg("failed to mark task started")
	}

	start := time.Now()
	task := w.DoCompile(ctx, payload)
	metrics.ObserveCompilation(task, time.Since(start))

	if err := w.queue.SetResult(ctx, payload.TaskID, task); err != nil {
		logger.Error().Err(err).Msg("failed to publish task result")
	}
	if err := w.queue.Ack(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("failed to ack task")
	}
}

// DoCompile retrieves a source package, compiles it, and stores the result.
// It always returns a task record; collaborator errors are translated into
// the failure taxonomy here and nowhere else.
func (w *Worker) DoCompile(ctx context.Context, payload dispatch.Payload) types.Task {
	logger := log.WithTaskID(payload.TaskID)
	logger.Debug().Str("format", string(payload.OutputFormat)).Msg("compilation received")

	// Under at-least-once delivery a redelivered job may already be done.
	if existing, err := w.store.GetStatus(ctx, payload.SourceID, payload.Checksum,
		payload.OutputFormat); err == nil && existing.IsTerminal() {
		logger.Info().Str("status", string(existing.Status)).Msg("task already terminal; skipping")
		return existing
	}

	task := types.NewTask(payload.SourceID, payload.Checksum, payload.OutputFormat, payload.Owner)

	srcDir, err := os.MkdirTemp(w.sourceRoot, "compile-")
	if err != nil {
		task.Status = types.StatusFailed
		task.Reason = types.ReasonStorage
		task.Description = "Could not create workspace"
		logger.Error().Err(err).Msg(task.Description)
		w.persistStatus(ctx, task)
		return task
	}
	defer func() {
		if rerr := os.RemoveAll(srcDir); rerr != nil {
			logger.Error().Err(rerr).Str("dir", srcDir).Msg("could not clean up workspace")
		}
	}()

	artifact, texLog := w.execute(ctx, payload, srcDir, &task)

	w.persistResult(ctx, &task, artifact, texLog)
	w.persistStatus(ctx, task)

	if task.IsFailed() {
		logger.Error().Str("reason", string(task.Reason)).Str("description", task.Description).
			Msg("compilation failed")
	}
	return task
}

// execute drives the fetch and compile stages, recording the disposition on
// task. Returns workspace paths of the artifact and log; either may be empty.
func (w *Worker) execute(ctx context.Context, payload dispatch.Payload, srcDir string,
	task *types.Task) (string, string) {
	logger := log.WithTaskID(payload.TaskID)
	fail := func(reason types.Reason, description string) {
		task.Status = types.StatusFailed
		task.Reason = reason
		task.Description = description
	}

	// FETCHING
	source, err := w.files.GetSourceContent(ctx, payload.SourceID, payload.Token, srcDir)
	switch {
	case err == nil:
	case errors.Is(err, filemanager.ErrRequestUnauthorized),
		errors.Is(err, filemanager.ErrRequestForbidden):
		fail(types.ReasonAuth, "There was a problem authorizing your request.")
		return "", ""
	case errors.Is(err, filemanager.ErrNotFound):
		fail(types.ReasonMissing, "Could not retrieve a matching source package (not found)")
		return "", ""
	default:
		fail(types.ReasonNetwork, "There was a problem retrieving your source files.")
		return "", ""
	}

	if w.verifyChecksum && !checksumMatches(source.ETag, payload.Checksum) {
		fail(types.ReasonMissing, fmt.Sprintf(
			"Could not retrieve a matching source package: expected %s, got %s",
			payload.Checksum, source.ETag))
		return "", ""
	}

	// COMPILING
	if !w.convert.IsAvailable(ctx) {
		fail(types.ReasonDocker, "Converter is not available")
		return "", ""
	}

	opts := w.opts
	opts.StampLabel = payload.StampLabel
	opts.StampLink = payload.StampLink
	// Pin the TeX tree to the requested version for reproducible output.
	opts.TexTreeTimestamp = payload.Checksum

	artifact, texLog, err := w.convert.Convert(ctx, source, payload.OutputFormat, opts)
	if err != nil {
		if errors.Is(err, converter.ErrCorruptedSource) {
			fail(types.ReasonCorrupted, "Source package is corrupted")
		} else {
			fail(types.ReasonDocker, err.Error())
		}
		return artifact, texLog
	}
	if artifact == "" {
		fail(types.ReasonCompilation, "Failed")
		return "", texLog
	}

	info, err := os.Stat(artifact)
	if err != nil {
		logger.Error().Err(err).Msg("could not stat artifact")
		fail(types.ReasonCompilation, "Failed")
		return "", texLog
	}

	task.Status = types.StatusCompleted
	task.Reason = types.ReasonNone
	task.Description = "Success!"
	task.SizeBytes = info.Size()
	return artifact, texLog
}

// persistResult writes the artifact and log blobs. A store failure turns the
// whole task into a storage failure; the status record is still written by
// the caller.
func (w *Worker) persistResult(ctx context.Context, task *types.Task, artifact, texLog string) {
	logger := log.WithTaskID(task.TaskID)

	if artifact != "" && task.Status == types.StatusCompleted {
		if err := w.storeFile(ctx, *task, artifact, false); err != nil {
			logger.Error().Err(err).Msg("failed to store artifact")
			task.Status = types.StatusFailed
			task.Reason = types.ReasonStorage
			task.Description = "Failed to store result"
			task.SizeBytes = 0
			return
		}
	}
	if texLog != "" {
		if err := w.storeFile(ctx, *task, texLog, true); err != nil {
			logger.Error().Err(err).Msg("failed to store log")
			task.Status = types.StatusFailed
			task.Reason = types.ReasonStorage
			task.Description = "Failed to store result"
		}
	}
}

func (w *Worker) storeFile(ctx context.Context, task types.Task, path string, isLog bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if isLog {
		return w.store.StoreLog(ctx, task, f)
	}
	return w.store.Store(ctx, task, f)
}

// persistStatus writes the final status record, falling back to one
// best-effort retry so the store holds a terminal disposition whenever
// possible.
func (w *Worker) persistStatus(ctx context.Context, task types.Task) {
	if err := w.store.SetStatus(ctx, task); err != nil {
		log.WithTaskID(task.TaskID).Error().Err(err).Msg("failed to write status record; retrying once")
		if err := w.store.SetStatus(ctx, task); err != nil {
			log.WithTaskID(task.TaskID).Error().Err(err).Msg("failed to write status record")
		}
	}
}

// checksumMatches compares the retrieved source etag against the requested
// checksum: directly, or after URL-safe base64 decoding of the request.
func checksumMatches(etag, expected string) bool {
	if etag == expected {
		return true
	}
	decoded, err := base64.URLEncoding.DecodeString(expected)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(expected)
		if err != nil {
			return false
		}
	}
	return etag == string(decoded)
}
