// Package grpcgw implements the gRPC/HTTP2 gateway. The service
// descriptor is written by hand and the server codec is JSON, so the
// wire messages are the same domain types the JSON-RPC surface
// carries; the two transports cannot drift apart.
package grpcgw

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/parleyhq/parley/internal/domain/agentcard"
	"github.com/parleyhq/parley/internal/domain/protocol"
	"github.com/parleyhq/parley/internal/port/taskstore"
	"github.com/parleyhq/parley/internal/service"
)

const serviceName = "a2a.v1.A2AService"

// Request and response messages. JSON field names match the JSON-RPC
// params so a payload is portable across transports.

// rawFrame is embedded in every request type. The codec stores the
// wire bytes here during decode; encoding/json skips the unexported
// field on both marshal and unmarshal.
type rawFrame struct {
	frameBytes []byte
}

func (f *rawFrame) setFrame(b []byte) { f.frameBytes = b }
func (f *rawFrame) frame() []byte     { return f.frameBytes }

type SendMessageRequest struct {
	rawFrame
	Message protocol.Message `json:"message"`
}

type GetTaskRequest struct {
	rawFrame
	ID string `json:"id"`
}

type ListTasksRequest struct {
	rawFrame
	ContextID string `json:"context_id,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListTasksResponse struct {
	Tasks      []protocol.Task `json:"tasks"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CancelTaskRequest struct {
	rawFrame
	ID string `json:"id"`
}

type TaskFeedbackRequest struct {
	rawFrame
	ID       string            `json:"id"`
	Rating   int               `json:"rating"`
	Text     string            `json:"feedback,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ListContextsRequest struct {
	rawFrame
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListContextsResponse struct {
	Contexts   []protocol.ContextSummary `json:"contexts"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type ClearContextRequest struct {
	rawFrame
	ContextID string `json:"context_id"`
}

type ClearContextResponse struct {
	ContextID string `json:"context_id"`
}

type SetTaskPushNotificationRequest struct {
	rawFrame
	Config protocol.PushNotificationConfig `json:"config"`
}

type TaskPushNotificationKey struct {
	rawFrame
	TaskID   string `json:"task_id"`
	ConfigID string `json:"config_id"`
}

type ListTaskPushNotificationsRequest struct {
	rawFrame
	TaskID string `json:"task_id"`
}

type ListTaskPushNotificationsResponse struct {
	Configs []protocol.PushNotificationConfig `json:"configs"`
}

type DeleteTaskPushNotificationResponse struct {
	TaskID   string `json:"task_id"`
	ConfigID string `json:"config_id"`
}

type HealthCheckRequest struct {
	rawFrame
}

type HealthCheckResponse struct {
	Status string `json:"status"`
}

type AgentCardRequest struct {
	rawFrame
}

// StreamResponse is one frame of the StreamMessage server stream. The
// first frame carries the send result; subsequent frames carry task
// events until the terminal status update.
type StreamResponse struct {
	Result   *service.SendResult           `json:"result,omitempty"`
	Status   *protocol.StatusUpdateEvent   `json:"status_update,omitempty"`
	Artifact *protocol.ArtifactUpdateEvent `json:"artifact_update,omitempty"`
}

// A2AServer is the service contract backing the hand-written
// descriptor.
type A2AServer interface {
	SendMessage(ctx context.Context, req *SendMessageRequest) (*service.SendResult, error)
	StreamMessage(req *SendMessageRequest, stream StreamMessageServer) error
	GetTask(ctx context.Context, req *GetTaskRequest) (*protocol.Task, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error)
	CancelTask(ctx context.Context, req *CancelTaskRequest) (*protocol.Task, error)
	TaskFeedback(ctx context.Context, req *TaskFeedbackRequest) (*protocol.Task, error)
	ListContexts(ctx context.Context, req *ListContextsRequest) (*ListContextsResponse, error)
	ClearContext(ctx context.Context, req *ClearContextRequest) (*ClearContextResponse, error)
	SetTaskPushNotification(ctx context.Context, req *SetTaskPushNotificationRequest) (*protocol.PushNotificationConfig, error)
	GetTaskPushNotification(ctx context.Context, req *TaskPushNotificationKey) (*protocol.PushNotificationConfig, error)
	ListTaskPushNotifications(ctx context.Context, req *ListTaskPushNotificationsRequest) (*ListTaskPushNotificationsResponse, error)
	DeleteTaskPushNotification(ctx context.Context, req *TaskPushNotificationKey) (*DeleteTaskPushNotificationResponse, error)
	GetAgentCard(ctx context.Context, req *AgentCardRequest) (*agentcard.Card, error)
	HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error)
}

// StreamMessageServer is the server-side stream for StreamMessage.
type StreamMessageServer interface {
	Send(*StreamResponse) error
	grpc.ServerStream
}

type streamMessageServer struct {
	grpc.ServerStream
}

func (s *streamMessageServer) Send(resp *StreamResponse) error {
	return s.ServerStream.SendMsg(resp)
}

// Server implements A2AServer on top of the shared lifecycle manager.
type Server struct {
	lc   *service.Lifecycle
	card agentcard.Card
	log  *slog.Logger
}

var _ A2AServer = (*Server)(nil)

// NewServer wires the gateway.
func NewServer(lc *service.Lifecycle, card agentcard.Card, log *slog.Logger) *Server {
	return &Server{lc: lc, card: card, log: log}
}

// Register installs the service on the gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*service.SendResult, error) {
	res, err := s.lc.SendMessage(ctx, &req.Message)
	if err != nil {
		return nil, statusFor(err)
	}
	return res, nil
}

func (s *Server) StreamMessage(req *SendMessageRequest, stream StreamMessageServer) error {
	// The task id must be known before subscribing so no event between
	// acceptance and subscription is lost.
	if req.Message.TaskID == "" {
		req.Message.TaskID = uuid.NewString()
	}
	events, cancel := s.lc.Subscribe(req.Message.TaskID)
	defer cancel()

	res, err := s.lc.SendMessage(stream.Context(), &req.Message)
	if err != nil {
		return statusFor(err)
	}
	if err := stream.Send(&StreamResponse{Result: res}); err != nil {
		return err
	}
	if res.Task == nil {
		// Rejected offer: no task, nothing to stream.
		return nil
	}

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			frame := &StreamResponse{}
			final := false
			switch e := ev.(type) {
			case protocol.StatusUpdateEvent:
				frame.Status = &e
				final = e.Final
			case protocol.ArtifactUpdateEvent:
				frame.Artifact = &e
			default:
				continue
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
			if final {
				return nil
			}
		}
	}
}

func (s *Server) GetTask(ctx context.Context, req *GetTaskRequest) (*protocol.Task, error) {
	task, err := s.lc.GetTask(ctx, req.ID)
	if err != nil {
		return nil, statusFor(err)
	}
	return task, nil
}

func (s *Server) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	page, err := s.lc.ListTasks(ctx, taskstore.TaskQuery{
		ContextID: req.ContextID,
		Cursor:    req.Cursor,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, statusFor(err)
	}
	return &ListTasksResponse{Tasks: page.Tasks, NextCursor: page.NextCursor}, nil
}

func (s *Server) CancelTask(ctx context.Context, req *CancelTaskRequest) (*protocol.Task, error) {
	task, err := s.lc.CancelTask(ctx, req.ID)
	if err != nil {
		return nil, statusFor(err)
	}
	return task, nil
}

func (s *Server) TaskFeedback(ctx context.Context, req *TaskFeedbackRequest) (*protocol.Task, error) {
	task, err := s.lc.Feedback(ctx, req.ID, protocol.Feedback{
		Rating:   req.Rating,
		Text:     req.Text,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, statusFor(err)
	}
	return task, nil
}

func (s *Server) ListContexts(ctx context.Context, req *ListContextsRequest) (*ListContextsResponse, error) {
	page, err := s.lc.ListContexts(ctx, req.Cursor, req.Limit)
	if err != nil {
		return nil, statusFor(err)
	}
	return &ListContextsResponse{Contexts: page.Contexts, NextCursor: page.NextCursor}, nil
}

func (s *Server) ClearContext(ctx context.Context, req *ClearContextRequest) (*ClearContextResponse, error) {
	if err := s.lc.ClearContext(ctx, req.ContextID); err != nil {
		return nil, statusFor(err)
	}
	return &ClearContextResponse{ContextID: req.ContextID}, nil
}

func (s *Server) SetTaskPushNotification(ctx context.Context, req *SetTaskPushNotificationRequest) (*protocol.PushNotificationConfig, error) {
	cfg, err := s.lc.SetPushConfig(ctx, &req.Config)
	if err != nil {
		return nil, statusFor(err)
	}
	return cfg, nil
}

func (s *Server) GetTaskPushNotification(ctx context.Context, req *TaskPushNotificationKey) (*protocol.PushNotificationConfig, error) {
	cfg, err := s.lc.GetPushConfig(ctx, req.TaskID, req.ConfigID)
	if err != nil {
		return nil, statusFor(err)
	}
	return cfg, nil
}

func (s *Server) ListTaskPushNotifications(ctx context.Context, req *ListTaskPushNotificationsRequest) (*ListTaskPushNotificationsResponse, error) {
	configs, err := s.lc.ListPushConfigs(ctx, req.TaskID)
	if err != nil {
		return nil, statusFor(err)
	}
	return &ListTaskPushNotificationsResponse{Configs: configs}, nil
}

func (s *Server) DeleteTaskPushNotification(ctx context.Context, req *TaskPushNotificationKey) (*DeleteTaskPushNotificationResponse, error) {
	if err := s.lc.DeletePushConfig(ctx, req.TaskID, req.ConfigID); err != nil {
		return nil, statusFor(err)
	}
	return &DeleteTaskPushNotificationResponse{TaskID: req.TaskID, ConfigID: req.ConfigID}, nil
}

func (s *Server) GetAgentCard(_ context.Context, _ *AgentCardRequest) (*agentcard.Card, error) {
	card := s.card
	return &card, nil
}

func (s *Server) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return &HealthCheckResponse{Status: "ok"}, nil
}
