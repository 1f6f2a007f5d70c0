package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("smtp down")
}

type panickingSink struct{}

func (panickingSink) Name() string { return "panicking" }

func (panickingSink) Notify(context.Context, Notification) error { panic("boom") }

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	rec := &Recorder{}
	failing := &failingSink{}
	d := NewDispatcher(slog.Default(), failing, panickingSink{}, rec)

	d.Dispatch(context.Background(),
		Notification{UserID: "u1", Title: "Offer received"},
		Notification{UserID: "u2", Title: "Offer sent"},
	)
	d.Wait()

	assert.Len(t, rec.Sent(), 2)
	assert.Equal(t, 2, failing.calls)
	require.Len(t, rec.For("u1"), 1)
	assert.Equal(t, "Offer received", rec.For("u1")[0].Title)
}

func TestDispatcher_IgnoresCallerCancellation(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(slog.Default(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, Notification{UserID: "u1", Title: "Deposit confirmed"})
	d.Wait()

	assert.Len(t, rec.Sent(), 1)
}

func TestDispatcher_NoNotifications(t *testing.T) {
	d := NewDispatcher(nil, &Recorder{})
	d.Dispatch(context.Background())
	d.Wait()
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	n.Dispatch(context.Background(), Notification{UserID: "u1"})
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueName, Type: task.Type()}, nil
}

func TestQueueSink_EnqueuesDeliveryTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	sink := NewQueueSink(enq)

	n := Notification{UserID: "u1", Title: "Payment verified", Message: "Your deposit was confirmed", Link: "/transactions/tx1"}
	require.NoError(t, sink.Notify(context.Background(), n))

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskDeliver, enq.tasks[0].Type())

	var got Notification
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &got))
	assert.Equal(t, n, got)
}

func TestQueueSink_EnqueueError(t *testing.T) {
	sink := NewQueueSink(&fakeEnqueuer{err: errors.New("redis unavailable")})
	err := sink.Notify(context.Background(), Notification{UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
}

func TestDeliveryHandler_ProcessTask(t *testing.T) {
	rec := &Recorder{}
	h := NewDeliveryHandler(LogSink{Logger: slog.Default()}, rec)

	task, err := NewDeliverTask(Notification{UserID: "u1", Title: "Deal completed"})
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))

	require.Len(t, rec.Sent(), 1)
	assert.Equal(t, "Deal completed", rec.Sent()[0].Title)
}

func TestDeliveryHandler_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewDeliveryHandler(&Recorder{})

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskDeliver, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskDeliver, []byte(`{"title":"x"}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestDeliveryHandler_SinkFailureIsRetried(t *testing.T) {
	rec := &Recorder{}
	h := NewDeliveryHandler(&failingSink{}, rec)

	task, err := NewDeliverTask(Notification{UserID: "u1"})
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Contains(t, err.Error(), "failing")
	assert.Len(t, rec.Sent(), 1, "healthy sinks still receive the notification")
}

func TestDeliveryHandler_Register(t *testing.T) {
	mux := asynq.NewServeMux()
	NewDeliveryHandler(&Recorder{}).Register(mux)

	task, err := NewDeliverTask(Notification{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.Use(auth.Middleware(""))
	r.GET("/ws", auth.RequireAuth(), hub.HandleWebSocket)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(auth.HeaderUserID, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversOnlyToRecipient(t *testing.T) {
	hub, srv := startHub(t)
	buyer := dial(t, srv, "buyer")
	seller := dial(t, srv, "seller")

	require.Eventually(t, func() bool {
		return hub.Connected("buyer") == 1 && hub.Connected("seller") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Notification{UserID: "buyer", Title: "Counter offer"}))

	_ = buyer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, buyer.ReadJSON(&msg))
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "Counter offer", msg.Data.Title)

	_ = seller.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := seller.ReadMessage()
	assert.Error(t, err, "seller must not receive the buyer's notification")
}

func TestHub_RequiresAuthentication(t *testing.T) {
	_, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_NotifyAfterStop(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// Fill the buffer so the send cannot succeed.
	for i := 0; i < cap(hub.deliveries); i++ {
		hub.deliveries <- delivery{}
	}
	err := hub.Notify(context.Background(), Notification{UserID: "u1"})
	assert.ErrorIs(t, err, ErrHubStopped)
}
