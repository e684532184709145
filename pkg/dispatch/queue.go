package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arxiv/compiler/pkg/types"
)

const (
	queueKey      = "compiler:queue"
	processingKey = "compiler:processing"
	resultPrefix  = "compiler:result:"

	// resultTTL bounds how long result cells are retained. Terminal task
	// records live in the object store; the cell only has to outlive the
	// polling window.
	resultTTL = 24 * time.Hour
)

// Task states tracked in the result backend.
const (
	StateSent    = "sent"
	StateStarted = "started"
	StateRetry   = "retry"
	StateFailure = "failure"
	StateSuccess = "success"
)

// Payload is the opaque job description carried through the queue.
type Payload struct {
	TaskID       string       `json:"task_id"`
	SourceID     string       `json:"source_id"`
	Checksum     string       `json:"checksum"`
	OutputFormat types.Format `json:"output_format"`
	StampLabel   string       `json:"stamp_label,omitempty"`
	StampLink    string       `json:"stamp_link,omitempty"`
	Token        string       `json:"token,omitempty"`
	Owner        string       `json:"owner,omitempty"`

	// Probe marks a no-op task used by availability checks.
	Probe bool `json:"probe,omitempty"`
}

// resultCell is the durable per-task result record.
type resultCell struct {
	State string      `json:"state"`
	Task  *types.Task `json:"task,omitempty"`
}

// Queue is a Redis-backed FIFO task queue with a per-task result cell. The
// deterministic task ID keys the result cell, so duplicate submissions for
// one triple share a single disposition.
type Queue struct {
	client *redis.Client
}

// NewQueue connects to the Redis endpoint backing the queue.
func NewQueue(endpoint string) *Queue {
	return &Queue{client: redis.NewClient(&redis.Options{Addr: endpoint})}
}

// Close releases the Redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a job payload onto the queue.
func (q *Queue) Enqueue(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, body).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", p.TaskID, err)
	}
	return nil
}

// Dequeue blocks for up to timeout waiting for a job, moving it onto the
// processing list so that delivery is at-least-once. Returns false when the
// timeout elapsed without a job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Payload, bool, error) {
	raw, err := q.client.BRPopLPush(ctx, queueKey, processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, fmt.Errorf("failed to dequeue: %w", err)
	}

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// Drop the malformed entry so it cannot wedge the processing list.
		q.client.LRem(ctx, processingKey, 1, raw)
		return Payload{}, false, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, true, nil
}

// Ack removes a completed job from the processing list.
func (q *Queue) Ack(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, processingKey, 1, body).Err()
}

// MarkSent records that a task exists, so queries can distinguish a pending
// task from an unknown one. Never downgrades a cell that a worker already
// advanced.
func (q *Queue) MarkSent(ctx context.Context, taskID string) error {
	body, err := json.Marshal(resultCell{State: StateSent})
	if err != nil {
		return err
	}
	return q.client.SetNX(ctx, resultPrefix+taskID, body, resultTTL).Err()
}

// SetState updates the state of a task's result cell.
func (q *Queue) SetState(ctx context.Context, taskID, state string) error {
	body, err := json.Marshal(resultCell{State: state})
	if err != nil {
		return err
	}
	return q.client.Set(ctx, resultPrefix+taskID, body, resultTTL).Err()
}

// SetResult stores the final task disposition in the result cell.
func (q *Queue) SetResult(ctx context.Context, taskID string, task types.Task) error {
	body, err := json.Marshal(resultCell{State: StateSuccess, Task: &task})
	if err != nil {
		return err
	}
	return q.client.Set(ctx, resultPrefix+taskID, body, resultTTL).Err()
}

// getResult reads the result cell for a task. Returns redis.Nil via the
// wrapped error when no cell exists.
func (q *Queue) getResult(ctx context.Context, taskID string) (resultCell, error) {
	raw, err := q.client.Get(ctx, resultPrefix+taskID).Result()
	if err != nil {
		return resultCell{}, err
	}
	var cell resultCell
	if err := json.Unmarshal([]byte(raw), &cell); err != nil {
		return resultCell{}, fmt.Errorf("failed to decode result cell: %w", err)
	}
	return cell, nil
}

// Ping verifies the connection to the queue backend.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
