package http

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

// TemporalTrigger starts RemediationRunWorkflow for each accepted failure.
type TemporalTrigger struct {
	client    client.Client
	taskQueue string
	logger    *logging.Logger
}

// NewTemporalTrigger creates a trigger dispatching on taskQueue.
func NewTemporalTrigger(c client.Client, taskQueue string, logger *logging.Logger) *TemporalTrigger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TemporalTrigger{client: c, taskQueue: taskQueue, logger: logger.Named("trigger")}
}

// Trigger starts the workflow and returns its Temporal run ID.
func (t *TemporalTrigger) Trigger(ctx context.Context, req workflows.RunRequest) (string, error) {
	opts := workflows.StartOptions(t.taskQueue, req)
	we, err := t.client.ExecuteWorkflow(ctx, opts, workflows.RemediationRunWorkflow, req)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateRun, opts.ID)
		}
		return "", fmt.Errorf("starting workflow: %w", err)
	}
	t.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("temporal_run_id", we.GetRunID()))
	return we.GetRunID(), nil
}

// RunFunc handles one queued request.
type RunFunc func(ctx context.Context, req workflows.RunRequest) error

// QueueTrigger runs requests one at a time in-process. A request whose
// repository and commit are already queued is rejected as a duplicate.
type QueueTrigger struct {
	run    RunFunc
	queue  chan queued
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]bool
}

type queued struct {
	id  string
	key string
	req workflows.RunRequest
}

// NewQueueTrigger creates a queue holding at most size waiting requests.
func NewQueueTrigger(size int, run RunFunc, logger *logging.Logger) *QueueTrigger {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &QueueTrigger{
		run:     run,
		queue:   make(chan queued, size),
		logger:  logger.Named("queue"),
		pending: make(map[string]bool),
	}
}

// Trigger enqueues req without blocking and returns the generated run ID.
func (q *QueueTrigger) Trigger(ctx context.Context, req workflows.RunRequest) (string, error) {
	key := workflows.WorkflowID(req)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRun, key)
	}
	item := queued{id: uuid.NewString(), key: key, req: req}
	select {
	case q.queue <- item:
		q.pending[key] = true
		q.logger.Debug(ctx, "run queued", zap.String("key", key), zap.String("queued_run_id", item.id))
		return item.id, nil
	default:
		return "", ErrQueueFull
	}
}

// Start processes queued requests until ctx is cancelled.
func (q *QueueTrigger) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.queue:
			q.mu.Lock()
			delete(q.pending, item.key)
			q.mu.Unlock()

			runCtx := logging.WithOptionalRequestID(ctx, item.req.RequestID)
			if err := q.run(runCtx, item.req); err != nil {
				q.logger.Error(runCtx, "queued run failed",
					zap.String("key", item.key),
					zap.String("queued_run_id", item.id),
					zap.Error(err))
			}
		}
	}
}
