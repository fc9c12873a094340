package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

// Store implements taskstore.Store using PostgreSQL. Task documents
// live in JSONB columns; the state column is duplicated out of the
// status document so the terminal guard and listings can run without
// unmarshaling.
type Store struct {
	pool *pgxpool.Pool
}

var _ taskstore.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, context_id, state, status, history, artifacts, metadata, feedback`

func (s *Store) CreateTask(ctx context.Context, task *protocol.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}

	status, history, artifacts, metadata, feedback, err := marshalTask(task)
	if err != nil {
		return err
	}

	// ON CONFLICT DO NOTHING makes the insert a first-writer-wins
	// create: of concurrent senders for one new id, exactly one row
	// lands and the rest see the conflict.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, context_id, state, status, history, artifacts, metadata, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.ContextID, string(task.Status.State), status, history, artifacts, metadata, feedback)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s already exists: %w", task.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return task, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var state string
		var historyRaw []byte
		err := tx.QueryRow(ctx, `SELECT state, history FROM tasks WHERE id = $1 FOR UPDATE`, id).
			Scan(&state, &historyRaw)
		if err != nil {
			return notFoundWrap(err, "lock task %s", id)
		}
		if protocol.TaskState(state).Terminal() {
			return fmt.Errorf("task %s is %s: %w", id, state, domain.ErrConflict)
		}

		var history []protocol.Message
		if err := json.Unmarshal(historyRaw, &history); err != nil {
			return fmt.Errorf("decode history for task %s: %w", id, err)
		}
		if status.Message != nil {
			history = append(history, *status.Message)
		}

		statusJSON, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		historyJSON, err := json.Marshal(orEmpty(history))
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET state = $2, status = $3, history = $4, updated_at = now()
			WHERE id = $1`,
			id, string(status.State), statusJSON, historyJSON)
		if err != nil {
			return fmt.Errorf("update status for task %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) AttachFeedback(ctx context.Context, id string, fb protocol.Feedback) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var state string
		err := tx.QueryRow(ctx, `SELECT state FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&state)
		if err != nil {
			return notFoundWrap(err, "lock task %s", id)
		}
		if !protocol.TaskState(state).Terminal() {
			return fmt.Errorf("task %s is %s: %w", id, state, domain.ErrInvalidState)
		}

		fbJSON, err := json.Marshal(fb)
		if err != nil {
			return fmt.Errorf("marshal feedback: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET feedback = $2, updated_at = now() WHERE id = $1`, id, fbJSON)
		if err != nil {
			return fmt.Errorf("attach feedback to task %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) ListTasks(ctx context.Context, q taskstore.TaskQuery) (*taskstore.TaskPage, error) {
	after, err := taskstore.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := taskstore.ClampLimit(q.Limit)

	// Fetch one extra row to decide whether another page exists.
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`, seq FROM tasks
		WHERE NOT detached AND seq > $1 AND ($2 = '' OR context_id = $2)
		ORDER BY seq ASC
		LIMIT $3`,
		after, q.ContextID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	page := &taskstore.TaskPage{}
	var lastSeq int64
	for rows.Next() {
		if len(page.Tasks) == limit {
			page.NextCursor = taskstore.EncodeCursor(lastSeq)
			break
		}
		task, seq, err := scanTaskSeq(rows)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, *task)
		lastSeq = seq
	}
	return page, rows.Err()
}

func (s *Store) AppendHistory(ctx context.Context, taskID string, msg protocol.Message) error {
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET history = history || $2::jsonb, updated_at = now()
		WHERE id = $1`,
		taskID, msgJSON)
	return execExpectOne(tag, err, "append history to task %s", taskID)
}

func (s *Store) UpsertArtifact(ctx context.Context, taskID string, artifact protocol.Artifact, appendParts bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var artifactsRaw []byte
		err := tx.QueryRow(ctx, `SELECT artifacts FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&artifactsRaw)
		if err != nil {
			return notFoundWrap(err, "lock task %s", taskID)
		}

		var artifacts []protocol.Artifact
		if err := json.Unmarshal(artifactsRaw, &artifacts); err != nil {
			return fmt.Errorf("decode artifacts for task %s: %w", taskID, err)
		}
		artifacts = mergeArtifact(artifacts, artifact, appendParts)

		artifactsJSON, err := json.Marshal(orEmpty(artifacts))
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET artifacts = $2, updated_at = now() WHERE id = $1`, taskID, artifactsJSON)
		if err != nil {
			return fmt.Errorf("upsert artifact on task %s: %w", taskID, err)
		}
		return nil
	})
}

// mergeArtifact applies the upsert semantics shared with the volatile
// store: replace by default, accumulate parts in append mode.
func mergeArtifact(artifacts []protocol.Artifact, artifact protocol.Artifact, appendParts bool) []protocol.Artifact {
	for i := range artifacts {
		if artifacts[i].ID != artifact.ID {
			continue
		}
		if appendParts {
			artifacts[i].Parts = append(artifacts[i].Parts, artifact.Parts...)
			artifacts[i].LastChunk = artifact.LastChunk
			if artifact.Name != "" {
				artifacts[i].Name = artifact.Name
			}
			for k, v := range artifact.Metadata {
				if artifacts[i].Metadata == nil {
					artifacts[i].Metadata = make(map[string]string)
				}
				artifacts[i].Metadata[k] = v
			}
		} else {
			artifacts[i] = artifact
		}
		return artifacts
	}
	return append(artifacts, artifact)
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func marshalTask(task *protocol.Task) (status, history, artifacts, metadata, feedback []byte, err error) {
	if status, err = json.Marshal(task.Status); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal status: %w", err)
	}
	if history, err = json.Marshal(orEmpty(task.History)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	if artifacts, err = json.Marshal(orEmpty(task.Artifacts)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	if task.Metadata != nil {
		if metadata, err = json.Marshal(task.Metadata); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	if task.Feedback != nil {
		if feedback, err = json.Marshal(task.Feedback); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal feedback: %w", err)
		}
	}
	return status, history, artifacts, metadata, feedback, nil
}

func scanTask(row scannable) (*protocol.Task, error) {
	var (
		task                                          protocol.Task
		state                                         string
		statusRaw, historyRaw, artifactsRaw, metaRaw, fbRaw []byte
	)
	if err := row.Scan(&task.ID, &task.ContextID, &state, &statusRaw, &historyRaw, &artifactsRaw, &metaRaw, &fbRaw); err != nil {
		return nil, err
	}
	return decodeTask(&task, statusRaw, historyRaw, artifactsRaw, metaRaw, fbRaw)
}

func scanTaskSeq(row scannable) (*protocol.Task, int64, error) {
	var (
		task                                          protocol.Task
		state                                         string
		seq                                           int64
		statusRaw, historyRaw, artifactsRaw, metaRaw, fbRaw []byte
	)
	if err := row.Scan(&task.ID, &task.ContextID, &state, &statusRaw, &historyRaw, &artifactsRaw, &metaRaw, &fbRaw, &seq); err != nil {
		return nil, 0, fmt.Errorf("scan task: %w", err)
	}
	decoded, err := decodeTask(&task, statusRaw, historyRaw, artifactsRaw, metaRaw, fbRaw)
	return decoded, seq, err
}

func decodeTask(task *protocol.Task, statusRaw, historyRaw, artifactsRaw, metaRaw, fbRaw []byte) (*protocol.Task, error) {
	if err := json.Unmarshal(statusRaw, &task.Status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal(historyRaw, &task.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal(artifactsRaw, &task.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if metaRaw != nil {
		if err := json.Unmarshal(metaRaw, &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if fbRaw != nil {
		task.Feedback = &protocol.Feedback{}
		if err := json.Unmarshal(fbRaw, task.Feedback); err != nil {
			return nil, fmt.Errorf("decode feedback: %w", err)
		}
	}
	return task, nil
}
