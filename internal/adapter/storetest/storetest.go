// Package storetest holds the conformance suite every taskstore.Store
// implementation must pass. Backend test packages call Run with a
// factory producing a fresh, empty store per subtest.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

// Factory returns a fresh, empty store. Cleanup is registered by the
// factory itself via t.Cleanup.
type Factory func(t *testing.T) taskstore.Store

func newTask(id, contextID string) *protocol.Task {
	return &protocol.Task{
		ID:        id,
		ContextID: contextID,
		Status:    protocol.NewStatus(protocol.TaskStateSubmitted, time.Now(), nil),
	}
}

func mustPut(t *testing.T, s taskstore.Store, task *protocol.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s): %v", task.ID, err)
	}
}

func setState(t *testing.T, s taskstore.Store, id string, state protocol.TaskState) {
	t.Helper()
	if err := s.UpdateTaskStatus(context.Background(), id, protocol.NewStatus(state, time.Now(), nil)); err != nil {
		t.Fatalf("UpdateTaskStatus(%s, %s): %v", id, state, err)
	}
}

// Run executes the full conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGetRoundTrip(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("DuplicateCreateConflict", func(t *testing.T) { testDuplicateCreateConflict(t, factory(t)) })
	t.Run("TerminalStatusGuard", func(t *testing.T) { testTerminalStatusGuard(t, factory(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, factory(t)) })
	t.Run("HistoryOrder", func(t *testing.T) { testHistoryOrder(t, factory(t)) })
	t.Run("ArtifactUpsert", func(t *testing.T) { testArtifactUpsert(t, factory(t)) })
	t.Run("ListTasksPagination", func(t *testing.T) { testListTasksPagination(t, factory(t)) })
	t.Run("ListTasksByContext", func(t *testing.T) { testListTasksByContext(t, factory(t)) })
	t.Run("Contexts", func(t *testing.T) { testContexts(t, factory(t)) })
	t.Run("ClearContext", func(t *testing.T) { testClearContext(t, factory(t)) })
	t.Run("PushConfigs", func(t *testing.T) { testPushConfigs(t, factory(t)) })
}

func testPutGetRoundTrip(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := newTask("t1", "c1")
	task.Metadata = map[string]string{"origin": "test"}
	mustPut(t, s, task)

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ID != "t1" || got.ContextID != "c1" || got.Status.State != protocol.TaskStateSubmitted {
		t.Errorf("unexpected task: %+v", got)
	}

	// Mutating the returned snapshot must not leak into the store.
	got.Metadata["origin"] = "mutated"
	got.History = append(got.History, protocol.NewMessage("c1", "t1", protocol.TextOf("x")))

	again, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if again.Metadata["origin"] != "test" || len(again.History) != 0 {
		t.Error("store returned a shared mutable reference")
	}
}

func testGetMissing(t *testing.T, s taskstore.Store) {
	if _, err := s.GetTask(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateTaskStatus(context.Background(), "nope", protocol.NewStatus(protocol.TaskStateWorking, time.Now(), nil)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound from status update, got %v", err)
	}
}

func testDuplicateCreateConflict(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))

	// Creation is first-writer-wins: a second create for the same id
	// conflicts regardless of state, and the stored record is intact.
	if err := s.CreateTask(ctx, newTask("t1", "c9")); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict creating duplicate, got %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ContextID != "c1" {
		t.Errorf("losing create overwrote the record: %+v", got)
	}

	setState(t, s, "t1", protocol.TaskStateWorking)
	setState(t, s, "t1", protocol.TaskStateCompleted)
	if err := s.CreateTask(ctx, newTask("t1", "c1")); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict creating over terminal task, got %v", err)
	}
}

func testTerminalStatusGuard(t *testing.T, s taskstore.Store) {
	mustPut(t, s, newTask("t1", "c1"))
	setState(t, s, "t1", protocol.TaskStateWorking)
	setState(t, s, "t1", protocol.TaskStateFailed)

	err := s.UpdateTaskStatus(context.Background(), "t1", protocol.NewStatus(protocol.TaskStateWorking, time.Now(), nil))
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict on terminal task, got %v", err)
	}

	got, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status.State != protocol.TaskStateFailed {
		t.Errorf("terminal state must not change, got %s", got.Status.State)
	}
}

func testFeedback(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))

	fb := protocol.Feedback{Rating: 4, Text: "solid"}
	if err := s.AttachFeedback(ctx, "t1", fb); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on non-terminal task, got %v", err)
	}

	setState(t, s, "t1", protocol.TaskStateWorking)
	setState(t, s, "t1", protocol.TaskStateCompleted)

	if err := s.AttachFeedback(ctx, "t1", fb); err != nil {
		t.Fatalf("AttachFeedback: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Feedback == nil || got.Feedback.Rating != 4 {
		t.Errorf("feedback not persisted: %+v", got.Feedback)
	}

	if err := s.AttachFeedback(ctx, "missing", fb); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testHistoryOrder(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))

	for i := 0; i < 3; i++ {
		msg := protocol.NewMessage("c1", "t1", protocol.TextOf(fmt.Sprintf("msg-%d", i)))
		if err := s.AppendHistory(ctx, "t1", msg); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(got.History))
	}
	for i, msg := range got.History {
		if want := fmt.Sprintf("msg-%d", i); msg.Text() != want {
			t.Errorf("history[%d] = %q, want %q", i, msg.Text(), want)
		}
	}
}

func testArtifactUpsert(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))

	a := protocol.Artifact{ID: "a1", Name: "result", Parts: []protocol.Part{protocol.TextOf("chunk-1")}}
	if err := s.UpsertArtifact(ctx, "t1", a, false); err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}

	more := protocol.Artifact{ID: "a1", Parts: []protocol.Part{protocol.TextOf("chunk-2")}, LastChunk: true}
	if err := s.UpsertArtifact(ctx, "t1", more, true); err != nil {
		t.Fatalf("UpsertArtifact append: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	art := got.ArtifactByID("a1")
	if art == nil {
		t.Fatal("artifact missing")
	}
	if len(art.Parts) != 2 || !art.LastChunk {
		t.Errorf("append did not accumulate parts: %+v", art)
	}
	if art.Name != "result" {
		t.Errorf("append dropped name, got %q", art.Name)
	}

	replace := protocol.Artifact{ID: "a1", Name: "final", Parts: []protocol.Part{protocol.TextOf("all")}}
	if err := s.UpsertArtifact(ctx, "t1", replace, false); err != nil {
		t.Fatalf("UpsertArtifact replace: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	art = got.ArtifactByID("a1")
	if len(art.Parts) != 1 || art.Name != "final" {
		t.Errorf("replace did not overwrite: %+v", art)
	}
}

func testListTasksPagination(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustPut(t, s, newTask(fmt.Sprintf("t%d", i), "c1"))
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ListTasks(ctx, taskstore.TaskQuery{Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		for _, task := range page.Tasks {
			all = append(all, task.ID)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > 10 {
			t.Fatal("cursor did not terminate")
		}
	}

	if len(all) != 5 {
		t.Fatalf("expected 5 tasks across pages, got %d: %v", len(all), all)
	}
	seen := make(map[string]bool)
	for _, id := range all {
		if seen[id] {
			t.Errorf("duplicate task %s across pages", id)
		}
		seen[id] = true
	}
	// Creation order is stable.
	for i, id := range all {
		if want := fmt.Sprintf("t%d", i); id != want {
			t.Errorf("position %d = %s, want %s", i, id, want)
		}
	}

	if _, err := s.ListTasks(ctx, taskstore.TaskQuery{Cursor: "!!not-a-cursor!!"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for bad cursor, got %v", err)
	}
}

func testListTasksByContext(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))
	mustPut(t, s, newTask("t2", "c2"))
	mustPut(t, s, newTask("t3", "c1"))

	page, err := s.ListTasks(ctx, taskstore.TaskQuery{ContextID: "c1"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("expected 2 tasks in c1, got %d", len(page.Tasks))
	}
	for _, task := range page.Tasks {
		if task.ContextID != "c1" {
			t.Errorf("task %s leaked from context %s", task.ID, task.ContextID)
		}
	}
}

func testContexts(t *testing.T, s taskstore.Store) {
	ctx := context.Background()

	if _, err := s.GetContext(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.PutContext(ctx, &protocol.Context{ID: "c1"}); err != nil {
		t.Fatalf("PutContext: %v", err)
	}
	if err := s.AppendContextHistory(ctx, "c1", protocol.NewMessage("c1", "t1", protocol.TextOf("hello"))); err != nil {
		t.Fatalf("AppendContextHistory: %v", err)
	}
	// Auto-creates missing contexts.
	if err := s.AppendContextHistory(ctx, "c2", protocol.NewMessage("c2", "t2", protocol.TextOf("hi"))); err != nil {
		t.Fatalf("AppendContextHistory auto-create: %v", err)
	}

	mustPut(t, s, newTask("t1", "c1"))

	got, err := s.GetContext(ctx, "c1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Text() != "hello" {
		t.Errorf("unexpected context history: %+v", got.History)
	}

	page, err := s.ListContexts(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListContexts: %v", err)
	}
	if len(page.Contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(page.Contexts))
	}
	byID := make(map[string]protocol.ContextSummary)
	for _, c := range page.Contexts {
		byID[c.ID] = c
	}
	if c := byID["c1"]; c.MessageCount != 1 || c.TaskCount != 1 {
		t.Errorf("c1 summary wrong: %+v", c)
	}
	if c := byID["c2"]; c.MessageCount != 1 || c.TaskCount != 0 {
		t.Errorf("c2 summary wrong: %+v", c)
	}
}

func testClearContext(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	if err := s.PutContext(ctx, &protocol.Context{ID: "c1"}); err != nil {
		t.Fatalf("PutContext: %v", err)
	}
	mustPut(t, s, newTask("t1", "c1"))
	mustPut(t, s, newTask("t2", "c2"))

	if err := s.ClearContext(ctx, "c1"); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}

	if _, err := s.GetContext(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cleared context should be gone, got %v", err)
	}

	// The task survives direct lookup but leaves listings.
	if _, err := s.GetTask(ctx, "t1"); err != nil {
		t.Errorf("task should survive context clear: %v", err)
	}
	page, err := s.ListTasks(ctx, taskstore.TaskQuery{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].ID != "t2" {
		t.Errorf("detached task still listed: %+v", page.Tasks)
	}

	if err := s.ClearContext(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testPushConfigs(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	mustPut(t, s, newTask("t1", "c1"))

	cfg := &protocol.PushNotificationConfig{ID: "p1", TaskID: "t1", URL: "https://hooks.example.com/a2a"}
	if err := s.PutPushConfig(ctx, cfg); err != nil {
		t.Fatalf("PutPushConfig: %v", err)
	}
	if err := s.PutPushConfig(ctx, &protocol.PushNotificationConfig{ID: "p2", TaskID: "t1", URL: "https://hooks.example.com/b"}); err != nil {
		t.Fatalf("PutPushConfig: %v", err)
	}

	if err := s.PutPushConfig(ctx, &protocol.PushNotificationConfig{ID: "p3", TaskID: "missing", URL: "https://x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}

	configs, err := s.ListPushConfigs(ctx, "t1")
	if err != nil {
		t.Fatalf("ListPushConfigs: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}

	if err := s.DeletePushConfig(ctx, "t1", "p1"); err != nil {
		t.Fatalf("DeletePushConfig: %v", err)
	}
	configs, _ = s.ListPushConfigs(ctx, "t1")
	if len(configs) != 1 || configs[0].ID != "p2" {
		t.Errorf("unexpected configs after delete: %+v", configs)
	}

	if err := s.DeletePushConfig(ctx, "t1", "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
