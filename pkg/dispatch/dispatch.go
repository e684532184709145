package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/store"
	"github.com/arxiv/compiler/pkg/types"
)

var (
	// ErrNoSuchTask indicates a request for a task unknown to both the
	// result backend and the store.
	ErrNoSuchTask = errors.New("no such task")

	// ErrTaskCreationFailed indicates that a compilation task could not be
	// enqueued.
	ErrTaskCreationFailed = errors.New("failed to create task")
)

// StatusStore is the slice of the object store gateway dispatch needs.
type StatusStore interface {
	GetStatus(ctx context.Context, sourceID, checksum string, format types.Format) (types.Task, error)
	SetStatus(ctx context.Context, task types.Task) error
}

// Dispatcher enqueues compilation jobs and answers task-state queries. The
// task ID is deterministic in the triple, so dispatch, workers and the store
// all deduplicate by key equality.
type Dispatcher struct {
	queue *Queue
	store StatusStore
}

// New creates a dispatcher over a queue and the status store.
func New(queue *Queue, statuses StatusStore) *Dispatcher {
	return &Dispatcher{queue: queue, store: statuses}
}

// Start creates a new compilation task and returns its ID. The initial
// in-progress record is written to the store after a successful enqueue so
// concurrent queries get a definite answer before a worker picks up the job.
func (d *Dispatcher) Start(ctx context.Context, sourceID, checksum, stampLabel, stampLink string,
	format types.Format, token, owner string) (string, error) {
	taskID := types.TaskID(sourceID, checksum, format)
	logger := log.WithTaskID(taskID)

	payload := Payload{
		TaskID:       taskID,
		SourceID:     sourceID,
		Checksum:     checksum,
		OutputFormat: format,
		StampLabel:   stampLabel,
		StampLink:    stampLink,
		Token:        token,
		Owner:        owner,
	}
	if err := d.queue.Enqueue(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue compilation")
		return "", fmt.Errorf("%w: %v", ErrTaskCreationFailed, err)
	}
	if err := d.queue.MarkSent(ctx, taskID); err != nil {
		logger.Error().Err(err).Msg("failed to mark task sent")
	}

	task := types.NewTask(sourceID, checksum, format, owner)
	if err := d.store.SetStatus(ctx, task); err != nil {
		// The worker will publish the terminal record regardless.
		logger.Error().Err(err).Msg("failed to write initial status record")
	}

	logger.Info().Msg("compilation started")
	return taskID, nil
}

// Get reports the current state of a task. The result backend is consulted
// first; when it has no row the store is checked so that completed tasks
// outlive the result cell TTL.
func (d *Dispatcher) Get(ctx context.Context, sourceID, checksum string, format types.Format) (types.Task, error) {
	taskID := types.TaskID(sourceID, checksum, format)

	cell, err := d.queue.getResult(ctx, taskID)
	if errors.Is(err, redis.Nil) {
		stored, serr := d.store.GetStatus(ctx, sourceID, checksum, format)
		if serr == nil {
			return stored, nil
		}
		if errors.Is(serr, store.ErrDoesNotExist) {
			return types.Task{}, fmt.Errorf("%w: %s", ErrNoSuchTask, taskID)
		}
		return types.Task{}, fmt.Errorf("failed to query status record: %w", serr)
	}
	if err != nil {
		return types.Task{}, err
	}

	switch cell.State {
	case StateSent, StateStarted, StateRetry:
		return types.NewTask(sourceID, checksum, format, ""), nil
	case StateFailure:
		// The job died without publishing a disposition, so the converter
		// infrastructure is the only thing left to blame.
		task := types.NewTask(sourceID, checksum, format, "")
		task.Status = types.StatusFailed
		task.Reason = types.ReasonDocker
		task.Description = "Unknown error"
		return task, nil
	case StateSuccess:
		if cell.Task == nil {
			return types.Task{}, fmt.Errorf("result cell for %s has no task", taskID)
		}
		return *cell.Task, nil
	}
	return types.Task{}, fmt.Errorf("unknown task state %q for %s", cell.State, taskID)
}

// IsAvailable verifies that compilations can be started by enqueueing a
// no-op probe task. When awaitResult is set it also waits for a worker to
// complete the probe.
func (d *Dispatcher) IsAvailable(ctx context.Context, awaitResult bool) bool {
	logger := log.WithComponent("dispatch")
	if err := d.queue.Ping(ctx); err != nil {
		logger.Debug().Err(err).Msg("could not connect to task queue")
		return false
	}

	probeID := "probe-" + uuid.NewString()
	if err := d.queue.Enqueue(ctx, Payload{TaskID: probeID, Probe: true}); err != nil {
		logger.Debug().Err(err).Msg("could not enqueue probe task")
		return false
	}
	if !awaitResult {
		return true
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cell, err := d.queue.getResult(ctx, probeID)
		if err == nil && cell.State == StateSuccess {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	logger.Error().Msg("probe task was not completed in time")
	return false
}
