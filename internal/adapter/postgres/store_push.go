package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/protocol"
)

func (s *Store) PutPushConfig(ctx context.Context, cfg *protocol.PushNotificationConfig) error {
	if cfg == nil || cfg.ID == "" || cfg.TaskID == "" {
		return fmt.Errorf("%w: push config id and task id are required", domain.ErrValidation)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal push config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO push_configs (task_id, id, config)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id, id) DO UPDATE SET config = EXCLUDED.config`,
		cfg.TaskID, cfg.ID, cfgJSON)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503: foreign key violation — the task does not exist.
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("task %s: %w", cfg.TaskID, domain.ErrNotFound)
		}
		return fmt.Errorf("put push config %s: %w", cfg.ID, err)
	}
	return nil
}

func (s *Store) ListPushConfigs(ctx context.Context, taskID string) ([]protocol.PushNotificationConfig, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task %s: %w", taskID, err)
	}
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `SELECT config FROM push_configs WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list push configs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	configs := []protocol.PushNotificationConfig{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan push config: %w", err)
		}
		var cfg protocol.PushNotificationConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode push config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM push_configs WHERE task_id = $1 AND id = $2`, taskID, configID)
	return execExpectOne(tag, err, "delete push config %s for task %s", configID, taskID)
}
