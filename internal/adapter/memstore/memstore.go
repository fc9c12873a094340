// Package memstore implements the volatile, in-process task store.
// It is the default backend for development and tests and the
// reference implementation for the storetest conformance suite.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

type taskRecord struct {
	task     *protocol.Task
	seq      int64
	detached bool
	push     map[string]protocol.PushNotificationConfig
	pushSeq  map[string]int64
}

type contextRecord struct {
	ctx *protocol.Context
	seq int64
}

// Store keeps all state behind a single mutex. Reads hand out deep
// copies so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*taskRecord
	contexts map[string]*contextRecord
	seq      int64
}

var _ taskstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*taskRecord),
		contexts: make(map[string]*contextRecord),
	}
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) CreateTask(_ context.Context, task *protocol.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists: %w", task.ID, domain.ErrConflict)
	}

	s.tasks[task.ID] = &taskRecord{
		task:    task.Clone(),
		seq:     s.nextSeq(),
		push:    make(map[string]protocol.PushNotificationConfig),
		pushSeq: make(map[string]int64),
	}
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*protocol.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return rec.task.Clone(), nil
}

func (s *Store) UpdateTaskStatus(_ context.Context, id string, status protocol.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if rec.task.Status.State.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, rec.task.Status.State, domain.ErrConflict)
	}

	rec.task.Status = status
	if status.Message != nil {
		rec.task.History = append(rec.task.History, *status.Message)
	}
	return nil
}

func (s *Store) AttachFeedback(_ context.Context, id string, fb protocol.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if !rec.task.Status.State.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, rec.task.Status.State, domain.ErrInvalidState)
	}

	rec.task.Feedback = &fb
	return nil
}

func (s *Store) ListTasks(_ context.Context, q taskstore.TaskQuery) (*taskstore.TaskPage, error) {
	after, err := taskstore.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := taskstore.ClampLimit(q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*taskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if rec.detached || rec.seq <= after {
			continue
		}
		if q.ContextID != "" && rec.task.ContextID != q.ContextID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	page := &taskstore.TaskPage{}
	for i, rec := range recs {
		if i == limit {
			page.NextCursor = taskstore.EncodeCursor(recs[i-1].seq)
			break
		}
		page.Tasks = append(page.Tasks, *rec.task.Clone())
	}
	return page, nil
}

func (s *Store) AppendHistory(_ context.Context, taskID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	rec.task.History = append(rec.task.History, msg)
	return nil
}

func (s *Store) UpsertArtifact(_ context.Context, taskID string, artifact protocol.Artifact, appendParts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	for i := range rec.task.Artifacts {
		if rec.task.Artifacts[i].ID != artifact.ID {
			continue
		}
		if appendParts {
			existing := &rec.task.Artifacts[i]
			existing.Parts = append(existing.Parts, artifact.Parts...)
			existing.LastChunk = artifact.LastChunk
			if artifact.Name != "" {
				existing.Name = artifact.Name
			}
			for k, v := range artifact.Metadata {
				if existing.Metadata == nil {
					existing.Metadata = make(map[string]string)
				}
				existing.Metadata[k] = v
			}
		} else {
			rec.task.Artifacts[i] = artifact
		}
		return nil
	}

	rec.task.Artifacts = append(rec.task.Artifacts, artifact)
	return nil
}

func (s *Store) PutContext(_ context.Context, c *protocol.Context) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: context id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.contexts[c.ID]; ok {
		rec.ctx = cloneContext(c)
		return nil
	}
	s.contexts[c.ID] = &contextRecord{ctx: cloneContext(c), seq: s.nextSeq()}
	return nil
}

func (s *Store) GetContext(_ context.Context, id string) (*protocol.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contexts[id]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", id, domain.ErrNotFound)
	}
	return cloneContext(rec.ctx), nil
}

func (s *Store) AppendContextHistory(_ context.Context, contextID string, msg protocol.Message) error {
	if contextID == "" {
		return fmt.Errorf("%w: context id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.contexts[contextID]
	if !ok {
		rec = &contextRecord{ctx: &protocol.Context{ID: contextID}, seq: s.nextSeq()}
		s.contexts[contextID] = rec
	}
	rec.ctx.History = append(rec.ctx.History, msg)
	return nil
}

func (s *Store) ListContexts(_ context.Context, cursor string, limit int) (*taskstore.ContextPage, error) {
	after, err := taskstore.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = taskstore.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*contextRecord, 0, len(s.contexts))
	for _, rec := range s.contexts {
		if rec.seq > after {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	taskCounts := make(map[string]int)
	for _, rec := range s.tasks {
		if !rec.detached {
			taskCounts[rec.task.ContextID]++
		}
	}

	page := &taskstore.ContextPage{}
	for i, rec := range recs {
		if i == limit {
			page.NextCursor = taskstore.EncodeCursor(recs[i-1].seq)
			break
		}
		page.Contexts = append(page.Contexts, protocol.ContextSummary{
			ID:           rec.ctx.ID,
			MessageCount: len(rec.ctx.History),
			TaskCount:    taskCounts[rec.ctx.ID],
		})
	}
	return page, nil
}

func (s *Store) ClearContext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[id]; !ok {
		return fmt.Errorf("context %s: %w", id, domain.ErrNotFound)
	}
	delete(s.contexts, id)

	for _, rec := range s.tasks {
		if rec.task.ContextID == id {
			rec.detached = true
		}
	}
	return nil
}

func (s *Store) PutPushConfig(_ context.Context, cfg *protocol.PushNotificationConfig) error {
	if cfg == nil || cfg.ID == "" || cfg.TaskID == "" {
		return fmt.Errorf("%w: push config id and task id are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[cfg.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", cfg.TaskID, domain.ErrNotFound)
	}
	if _, exists := rec.push[cfg.ID]; !exists {
		rec.pushSeq[cfg.ID] = s.nextSeq()
	}
	rec.push[cfg.ID] = *cfg
	return nil
}

func (s *Store) ListPushConfigs(_ context.Context, taskID string) ([]protocol.PushNotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	out := make([]protocol.PushNotificationConfig, 0, len(rec.push))
	for _, cfg := range rec.push {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return rec.pushSeq[out[i].ID] < rec.pushSeq[out[j].ID] })
	return out, nil
}

func (s *Store) DeletePushConfig(_ context.Context, taskID, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if _, ok := rec.push[configID]; !ok {
		return fmt.Errorf("push config %s: %w", configID, domain.ErrNotFound)
	}
	delete(rec.push, configID)
	delete(rec.pushSeq, configID)
	return nil
}

func cloneContext(c *protocol.Context) *protocol.Context {
	cp := &protocol.Context{ID: c.ID}
	if len(c.History) > 0 {
		cp.History = append([]protocol.Message(nil), c.History...)
	}
	if len(c.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
