// Package queue carries lifecycle tasks from the API to their handlers,
// either in process or through Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dbstudio/engine/pkg/logger"
)

const (
	TypeProvision = "instance:provision"
	TypeUpdate    = "instance:update"
	TypeDestroy   = "instance:destroy"
	TypeStop      = "instance:stop"
	TypeStart     = "instance:start"
)

// Payload is shared by every lifecycle task.
type Payload struct {
	InstanceID string `json:"instance_id"`
	// Set on update tasks: where the previous container was materialized.
	OldName       string `json:"old_name,omitempty"`
	OldWorkingDir string `json:"old_working_dir,omitempty"`
}

func NewTask(taskType string, p Payload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, b), nil
}

// ParsePayload decodes a task payload and its instance id.
func ParsePayload(t *asynq.Task) (Payload, uuid.UUID, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, uuid.Nil, fmt.Errorf("invalid %s payload: %w", t.Type(), err)
	}
	id, err := uuid.Parse(p.InstanceID)
	if err != nil {
		return p, uuid.Nil, fmt.Errorf("invalid instance id in %s: %w", t.Type(), err)
	}
	return p, id, nil
}

// Dispatcher hands a task to whatever will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *asynq.Task) error
}

// DeadlineMargin is added to the handler timeout for asynq's own deadline,
// so the handler records the failure before asynq abandons the task.
const DeadlineMargin = 30 * time.Second

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher enqueues tasks to Redis for cmd/worker.
type AsynqDispatcher struct {
	client  Enqueuer
	timeout time.Duration
}

func NewAsynqDispatcher(client Enqueuer, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, timeout: timeout}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, task *asynq.Task) error {
	_, id, err := ParsePayload(task)
	if err != nil {
		return err
	}
	// Archived tasks keep their id, so every request gets a fresh one. The
	// status CAS is what rejects concurrent requests.
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(task.Type(), id)),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout+DeadlineMargin),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	logger.L().Debug("task enqueued", zap.String("type", task.Type()), zap.String("task_id", info.ID))
	return nil
}

// TaskID names one enqueue of taskType for an instance.
func TaskID(taskType string, instanceID uuid.UUID) string {
	return taskType + ":" + instanceID.String() + ":" + uuid.NewString()
}

// LocalDispatcher runs each task on its own goroutine in this process.
type LocalDispatcher struct {
	handler asynq.Handler
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func NewLocalDispatcher(handler asynq.Handler) *LocalDispatcher {
	return &LocalDispatcher{handler: handler}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, task *asynq.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatch %s: dispatcher closed", task.Type())
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// The request context ends with the response; tasks must outlive it.
		if err := d.handler.ProcessTask(context.WithoutCancel(ctx), task); err != nil {
			logger.L().Warn("task finished with error", zap.String("type", task.Type()), zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
