package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/adapter/memstore"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/event"
)

type hookRecorder struct {
	mu       sync.Mutex
	payloads []pushPayload
	headers  []http.Header
	failures int // respond 500 this many times before accepting
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var p pushPayload
	_ = json.Unmarshal(raw, &p)
	h.payloads = append(h.payloads, p)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusOK)
}

func (h *hookRecorder) received() []pushPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pushPayload(nil), h.payloads...)
}

func newDispatcherHarness(t *testing.T, attempts int) (*memstore.Store, *event.Bus, func()) {
	t.Helper()
	store := memstore.New()
	bus := event.NewBus()
	d := NewDispatcher(config.Push{Timeout: time.Second, MaxAttempts: attempts}, store, bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return store, bus, func() {
		cancel()
		<-done
		bus.Close()
	}
}

func seedTask(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	task := &protocol.Task{
		ID:        id,
		ContextID: "ctx-1",
		Status:    protocol.NewStatus(protocol.TaskStateSubmitted, time.Now(), nil),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func waitForPayloads(t *testing.T, rec *hookRecorder, n int) []pushPayload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := rec.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("want %d deliveries, got %d", n, len(rec.received()))
	return nil
}

func TestDispatcherDeliversStatusUpdates(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	store, bus, stop := newDispatcherHarness(t, 1)
	defer stop()

	seedTask(t, store, "task-1")
	err := store.PutPushConfig(context.Background(), &protocol.PushNotificationConfig{
		ID:     "cfg-1",
		TaskID: "task-1",
		URL:    srv.URL,
		Token:  "secret-token",
		Authentication: &protocol.PushAuthentication{
			Schemes:     []string{"bearer"},
			Credentials: "hook-cred",
		},
	})
	if err != nil {
		t.Fatalf("PutPushConfig: %v", err)
	}

	status := protocol.NewStatus(protocol.TaskStateCompleted, time.Now(), nil)
	bus.Publish(event.TopicAllTasks, protocol.NewStatusUpdate("task-1", "ctx-1", status))

	got := waitForPayloads(t, rec, 1)
	if got[0].TaskID != "task-1" || got[0].Status.State != protocol.TaskStateCompleted {
		t.Fatalf("payload = %+v", got[0])
	}
	if !got[0].Final {
		t.Fatal("completed update must be final")
	}
	if got[0].Token != "secret-token" {
		t.Fatalf("token = %q", got[0].Token)
	}

	rec.mu.Lock()
	auth := rec.headers[0].Get("Authorization")
	rec.mu.Unlock()
	if auth != "Bearer hook-cred" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	rec := &hookRecorder{failures: 2}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	store, bus, stop := newDispatcherHarness(t, 3)
	defer stop()

	seedTask(t, store, "task-2")
	if err := store.PutPushConfig(context.Background(), &protocol.PushNotificationConfig{
		ID: "cfg-1", TaskID: "task-2", URL: srv.URL,
	}); err != nil {
		t.Fatalf("PutPushConfig: %v", err)
	}

	status := protocol.NewStatus(protocol.TaskStateWorking, time.Now(), nil)
	bus.Publish(event.TopicAllTasks, protocol.NewStatusUpdate("task-2", "ctx-1", status))

	got := waitForPayloads(t, rec, 1)
	if got[0].Status.State != protocol.TaskStateWorking {
		t.Fatalf("payload = %+v", got[0])
	}
}

func TestDispatcherSwallowsExhaustedFailures(t *testing.T) {
	rec := &hookRecorder{failures: 100}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	store, bus, stop := newDispatcherHarness(t, 2)
	defer stop()

	seedTask(t, store, "task-3")
	if err := store.PutPushConfig(context.Background(), &protocol.PushNotificationConfig{
		ID: "cfg-1", TaskID: "task-3", URL: srv.URL,
	}); err != nil {
		t.Fatalf("PutPushConfig: %v", err)
	}

	status := protocol.NewStatus(protocol.TaskStateFailed, time.Now(), nil)
	bus.Publish(event.TopicAllTasks, protocol.NewStatusUpdate("task-3", "ctx-1", status))

	// Delivery keeps failing; the dispatcher must stay alive and the
	// task record must be untouched.
	time.Sleep(1500 * time.Millisecond)
	if len(rec.received()) != 0 {
		t.Fatal("unexpected successful delivery")
	}
	task, err := store.GetTask(context.Background(), "task-3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status.State != protocol.TaskStateSubmitted {
		t.Fatalf("task state mutated to %s", task.Status.State)
	}
}

func TestDispatcherFansOutToAllConfigs(t *testing.T) {
	rec1 := &hookRecorder{}
	rec2 := &hookRecorder{}
	srv1 := httptest.NewServer(rec1)
	defer srv1.Close()
	srv2 := httptest.NewServer(rec2)
	defer srv2.Close()

	store, bus, stop := newDispatcherHarness(t, 1)
	defer stop()

	seedTask(t, store, "task-4")
	for i, url := range []string{srv1.URL, srv2.URL} {
		if err := store.PutPushConfig(context.Background(), &protocol.PushNotificationConfig{
			ID: []string{"cfg-a", "cfg-b"}[i], TaskID: "task-4", URL: url,
		}); err != nil {
			t.Fatalf("PutPushConfig: %v", err)
		}
	}

	status := protocol.NewStatus(protocol.TaskStateCompleted, time.Now(), nil)
	bus.Publish(event.TopicAllTasks, protocol.NewStatusUpdate("task-4", "ctx-1", status))

	waitForPayloads(t, rec1, 1)
	waitForPayloads(t, rec2, 1)
}
