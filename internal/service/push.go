package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	otelx "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/port/taskstore"
	"github.com/parleyhq/parley/internal/resilience"
)

const pushRetryBase = 500 * time.Millisecond

// pushPayload is the webhook body sent on every status change.
type pushPayload struct {
	TaskID    string              `json:"task_id"`
	ContextID string              `json:"context_id"`
	Status    protocol.TaskStatus `json:"status"`
	Final     bool                `json:"final"`
	Token     string              `json:"token,omitempty"`
}

// Dispatcher delivers status updates to registered webhooks. Delivery
// is best effort: a webhook that keeps failing is logged and counted,
// never surfaced to the task.
type Dispatcher struct {
	store       taskstore.Store
	bus         *event.Bus
	client      *http.Client
	maxAttempts int
	metrics     *otelx.Metrics
	log         *slog.Logger
}

// NewDispatcher wires the dispatcher. metrics may be nil.
func NewDispatcher(cfg config.Push, store taskstore.Store, bus *event.Bus, metrics *otelx.Metrics, log *slog.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Dispatcher{
		store:       store,
		bus:         bus,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: attempts,
		metrics:     metrics,
		log:         log,
	}
}

// Run drains the global status feed until ctx is done. Each status
// update fans out to every webhook registered for its task.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, cancel := d.bus.Subscribe(event.TopicAllTasks)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			update, isStatus := ev.(protocol.StatusUpdateEvent)
			if !isStatus {
				continue
			}
			go d.dispatch(ctx, update)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, update protocol.StatusUpdateEvent) {
	configs, err := d.store.ListPushConfigs(ctx, update.TaskID)
	if err != nil {
		// No configs registered is the common case, not an error.
		return
	}
	for i := range configs {
		d.deliver(ctx, configs[i], update)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cfg protocol.PushNotificationConfig, update protocol.StatusUpdateEvent) {
	spanCtx, span := otelx.StartPushSpan(ctx, update.TaskID, cfg.URL)
	defer span.End()

	body, err := json.Marshal(pushPayload{
		TaskID:    update.TaskID,
		ContextID: update.ContextID,
		Status:    update.Status,
		Final:     update.Final,
		Token:     cfg.Token,
	})
	if err != nil {
		d.log.Error("push payload marshal failed", "task_id", update.TaskID, "error", err)
		return
	}

	err = resilience.Retry(spanCtx, d.maxAttempts, pushRetryBase, func(ctx context.Context) error {
		return d.post(ctx, cfg, body)
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.PushFailures.Add(spanCtx, 1)
		}
		d.log.Warn("push delivery failed",
			"task_id", update.TaskID, "config_id", cfg.ID, "url", cfg.URL,
			"attempts", d.maxAttempts, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.PushDeliveries.Add(spanCtx, 1)
	}
	d.log.Debug("push delivered", "task_id", update.TaskID, "config_id", cfg.ID, "state", update.Status.State)
}

func (d *Dispatcher) post(ctx context.Context, cfg protocol.PushNotificationConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Authentication != nil && cfg.Authentication.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Authentication.Credentials)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push %s: unexpected status %d", cfg.URL, resp.StatusCode)
	}
	return nil
}
