package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	// TaskDeliver is the asynq task type carrying one notification.
	TaskDeliver = "notification:deliver"
	// QueueName is the asynq queue notifications are enqueued on.
	QueueName = "notifications"
)

// Enqueuer is the part of *asynq.Client the queue sink uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands notifications to the background worker through Redis.
type QueueSink struct {
	client Enqueuer
}

// NewQueueSink creates a sink enqueuing on client.
func NewQueueSink(client Enqueuer) *QueueSink {
	return &QueueSink{client: client}
}

func (q *QueueSink) Name() string { return "queue" }

func (q *QueueSink) Notify(ctx context.Context, n Notification) error {
	task, err := NewDeliverTask(n)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// RedisOpt derives asynq connection options from an existing client so the
// queue shares the application's Redis settings.
func RedisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	o := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:      o.Addr,
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}
}

// NewDeliverTask encodes n as a delivery task.
func NewDeliverTask(n Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return asynq.NewTask(TaskDeliver, payload), nil
}

// DeliveryHandler processes delivery tasks on the worker.
type DeliveryHandler struct {
	sinks []Sink
}

// NewDeliveryHandler creates a handler delivering to sinks.
func NewDeliveryHandler(sinks ...Sink) *DeliveryHandler {
	return &DeliveryHandler{sinks: sinks}
}

// Register binds the handler on mux.
func (h *DeliveryHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskDeliver, h.ProcessTask)
}

// ProcessTask delivers the task's notification to every sink. Malformed
// payloads are not retried; sink failures are, by returning the error.
func (h *DeliveryHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("decode notification payload: %v: %w", err, asynq.SkipRetry)
	}
	if n.UserID == "" {
		return fmt.Errorf("notification without user: %w", asynq.SkipRetry)
	}

	var errs []error
	for _, sink := range h.sinks {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
