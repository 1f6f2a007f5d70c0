// Command worker delivers queued notifications.
//
// The API enqueues one task per notification when REDIS_URL is set and
// NOTIFY_QUEUE is on. The worker logs each one and publishes it on the
// Redis channel every API instance relays to its WebSocket clients.
package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"

	"github.com/mbd888/authorityx/internal/config"
	"github.com/mbd888/authorityx/internal/logging"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/sessions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.RedisURL == "" {
		logger.Error("REDIS_URL is required for the notification worker")
		os.Exit(1)
	}

	rdb, err := sessions.Connect(context.Background(), cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	srv := asynq.NewServer(notify.RedisOpt(rdb), asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{notify.QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("notification task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	notify.NewDeliveryHandler(
		notify.LogSink{Logger: logger},
		notify.NewPubSubSink(rdb, notify.DefaultChannel),
	).Register(mux)

	logger.Info("notification worker starting", "queue", notify.QueueName)
	// Run blocks until SIGINT or SIGTERM, then drains in-flight tasks.
	if err := srv.Run(mux); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("notification worker stopped")
}
