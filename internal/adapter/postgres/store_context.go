package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

func (s *Store) PutContext(ctx context.Context, c *protocol.Context) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: context id is required", domain.ErrValidation)
	}

	historyJSON, err := json.Marshal(orEmpty(c.History))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var metaJSON []byte
	if c.Metadata != nil {
		if metaJSON, err = json.Marshal(c.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO contexts (id, history, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET history = EXCLUDED.history, metadata = EXCLUDED.metadata`,
		c.ID, historyJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("put context %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetContext(ctx context.Context, id string) (*protocol.Context, error) {
	var (
		c          protocol.Context
		historyRaw []byte
		metaRaw    []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, history, metadata FROM contexts WHERE id = $1`, id).
		Scan(&c.ID, &historyRaw, &metaRaw)
	if err != nil {
		return nil, notFoundWrap(err, "get context %s", id)
	}
	if err := json.Unmarshal(historyRaw, &c.History); err != nil {
		return nil, fmt.Errorf("decode history for context %s: %w", id, err)
	}
	if metaRaw != nil {
		if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for context %s: %w", id, err)
		}
	}
	return &c, nil
}

func (s *Store) AppendContextHistory(ctx context.Context, contextID string, msg protocol.Message) error {
	if contextID == "" {
		return fmt.Errorf("%w: context id is required", domain.ErrValidation)
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO contexts (id, history)
		VALUES ($1, jsonb_build_array($2::jsonb))
		ON CONFLICT (id) DO UPDATE SET history = contexts.history || EXCLUDED.history`,
		contextID, msgJSON)
	if err != nil {
		return fmt.Errorf("append history to context %s: %w", contextID, err)
	}
	return nil
}

func (s *Store) ListContexts(ctx context.Context, cursor string, limit int) (*taskstore.ContextPage, error) {
	after, err := taskstore.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = taskstore.ClampLimit(limit)

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, jsonb_array_length(c.history), c.seq,
		       (SELECT count(*) FROM tasks t WHERE t.context_id = c.id AND NOT t.detached)
		FROM contexts c
		WHERE c.seq > $1
		ORDER BY c.seq ASC
		LIMIT $2`,
		after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	page := &taskstore.ContextPage{}
	var lastSeq int64
	for rows.Next() {
		if len(page.Contexts) == limit {
			page.NextCursor = taskstore.EncodeCursor(lastSeq)
			break
		}
		var summary protocol.ContextSummary
		var seq int64
		if err := rows.Scan(&summary.ID, &summary.MessageCount, &seq, &summary.TaskCount); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		page.Contexts = append(page.Contexts, summary)
		lastSeq = seq
	}
	return page, rows.Err()
}

func (s *Store) ClearContext(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM contexts WHERE id = $1`, id)
		if err := execExpectOne(tag, err, "clear context %s", id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE tasks SET detached = TRUE, updated_at = now() WHERE context_id = $1`, id); err != nil {
			return fmt.Errorf("detach tasks for context %s: %w", id, err)
		}
		return nil
	})
}
