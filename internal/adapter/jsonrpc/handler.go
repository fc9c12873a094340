// Package jsonrpc implements the JSON-RPC 2.0 over HTTP gateway,
// including the SSE streaming surface and the agent discovery
// document. All methods delegate to the shared lifecycle manager.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/agentcard"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
	"github.com/parleyhq/parley/internal/service"
)

const maxBodyBytes = 4 << 20

type request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Handler serves the JSON-RPC surface.
type Handler struct {
	lc       *service.Lifecycle
	verifier *service.Verifier
	card     agentcard.Card
	log      *slog.Logger
}

// NewHandler wires the gateway.
func NewHandler(lc *service.Lifecycle, verifier *service.Verifier, card agentcard.Card, log *slog.Logger) *Handler {
	return &Handler{lc: lc, verifier: verifier, card: card, log: log}
}

// Mount registers the gateway's routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/rpc", h.handleRPC)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.card)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	if _, err := h.verifier.Verify(r.Context(), credentialsFrom(r, body)); err != nil {
		h.log.Debug("request rejected", "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, domain.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": authMessage(err)})
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, response{Jsonrpc: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	if req.Jsonrpc != "2.0" || req.Method == "" {
		writeResponse(w, response{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	if req.Method == "message/stream" {
		h.handleStream(w, r, req)
		return
	}

	result, rpcErr := h.dispatch(r, req)
	resp := response{Jsonrpc: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	writeResponse(w, resp)
}

func (h *Handler) dispatch(r *http.Request, req request) (any, *rpcError) {
	ctx := r.Context()
	switch req.Method {
	case "message/send":
		var params struct {
			Message protocol.Message `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		res, err := h.lc.SendMessage(ctx, &params.Message)
		if err != nil {
			return nil, errorFor(err)
		}
		return res, nil

	case "tasks/get":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		task, err := h.lc.GetTask(ctx, params.ID)
		if err != nil {
			return nil, errorFor(err)
		}
		return task, nil

	case "tasks/list":
		var params struct {
			ContextID string `json:"context_id"`
			Cursor    string `json:"cursor"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		page, err := h.lc.ListTasks(ctx, taskstore.TaskQuery{
			ContextID: params.ContextID,
			Cursor:    params.Cursor,
			Limit:     params.Limit,
		})
		if err != nil {
			return nil, errorFor(err)
		}
		return taskPage(page), nil

	case "tasks/cancel":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		task, err := h.lc.CancelTask(ctx, params.ID)
		if err != nil {
			return nil, errorFor(err)
		}
		return task, nil

	case "tasks/feedback":
		var params struct {
			ID       string            `json:"id"`
			Rating   int               `json:"rating"`
			Text     string            `json:"feedback"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		task, err := h.lc.Feedback(ctx, params.ID, protocol.Feedback{
			Rating:   params.Rating,
			Text:     params.Text,
			Metadata: params.Metadata,
		})
		if err != nil {
			return nil, errorFor(err)
		}
		return task, nil

	case "contexts/list":
		var params struct {
			Cursor string `json:"cursor"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		page, err := h.lc.ListContexts(ctx, params.Cursor, params.Limit)
		if err != nil {
			return nil, errorFor(err)
		}
		return contextPage(page), nil

	case "contexts/clear":
		var params struct {
			ContextID string `json:"context_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		if err := h.lc.ClearContext(ctx, params.ContextID); err != nil {
			return nil, errorFor(err)
		}
		return map[string]string{"context_id": params.ContextID}, nil

	case "tasks/pushNotification/set":
		var params struct {
			Config protocol.PushNotificationConfig `json:"config"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		cfg, err := h.lc.SetPushConfig(ctx, &params.Config)
		if err != nil {
			return nil, errorFor(err)
		}
		return cfg, nil

	case "tasks/pushNotification/get":
		var params pushKeyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		cfg, err := h.lc.GetPushConfig(ctx, params.TaskID, params.ConfigID)
		if err != nil {
			return nil, errorFor(err)
		}
		return cfg, nil

	case "tasks/pushNotification/list":
		var params struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		configs, err := h.lc.ListPushConfigs(ctx, params.TaskID)
		if err != nil {
			return nil, errorFor(err)
		}
		return map[string]any{"configs": configs}, nil

	case "tasks/pushNotification/delete":
		var params pushKeyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		if err := h.lc.DeletePushConfig(ctx, params.TaskID, params.ConfigID); err != nil {
			return nil, errorFor(err)
		}
		return map[string]string{"task_id": params.TaskID, "config_id": params.ConfigID}, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

type pushKeyParams struct {
	TaskID   string `json:"task_id"`
	ConfigID string `json:"config_id"`
}

// handleStream runs message/send and streams subsequent task events as
// SSE frames, each frame a full JSON-RPC response carrying one event.
// The stream closes on the terminal status update or client disconnect.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeResponse(w, response{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: codeInternal, Message: "streaming unsupported"}})
		return
	}

	var params struct {
		Message protocol.Message `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeResponse(w, response{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "invalid params"}})
		return
	}

	// The task id must be known before subscribing so no event between
	// acceptance and subscription is lost.
	if params.Message.TaskID == "" {
		params.Message.TaskID = uuid.NewString()
	}
	events, cancel := h.lc.Subscribe(params.Message.TaskID)
	defer cancel()

	res, err := h.lc.SendMessage(r.Context(), &params.Message)
	if err != nil {
		writeResponse(w, response{Jsonrpc: "2.0", ID: req.ID, Error: errorFor(err)})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, response{Jsonrpc: "2.0", ID: req.ID, Result: res})
	flusher.Flush()

	// A rejected offer produces no task and therefore no events.
	if res.Task == nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, response{Jsonrpc: "2.0", ID: req.ID, Result: ev})
			flusher.Flush()
			if update, isStatus := ev.(protocol.StatusUpdateEvent); isStatus && update.Final {
				return
			}
		}
	}
}

// credentialsFrom extracts the transport-level auth material.
func credentialsFrom(r *http.Request, body []byte) service.Credentials {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	return service.Credentials{
		Token:     token,
		DID:       r.Header.Get(service.HeaderDID),
		Signature: r.Header.Get(service.HeaderDIDSignature),
		Timestamp: r.Header.Get(service.HeaderDIDTimestamp),
		Body:      body,
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrExpired):
		return "credentials expired"
	case errors.Is(err, domain.ErrInvalidSignature):
		return "invalid signature"
	case errors.Is(err, domain.ErrUnavailable):
		return "identity provider unavailable"
	default:
		return "unauthenticated"
	}
}

// taskPage and contextPage shape list results for the wire.
func taskPage(p *taskstore.TaskPage) map[string]any {
	out := map[string]any{"tasks": p.Tasks}
	if p.NextCursor != "" {
		out["next_cursor"] = p.NextCursor
	}
	return out
}

func contextPage(p *taskstore.ContextPage) map[string]any {
	out := map[string]any{"contexts": p.Contexts}
	if p.NextCursor != "" {
		out["next_cursor"] = p.NextCursor
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeResponse(w http.ResponseWriter, resp response) {
	writeJSON(w, http.StatusOK, resp)
}

func writeSSE(w http.ResponseWriter, resp response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal SSE frame", "error", err)
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
}
