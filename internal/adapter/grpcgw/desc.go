package grpcgw

import (
	"context"

	"google.golang.org/grpc"
)

// serviceDesc is written by hand instead of generated: the JSON codec
// carries plain Go structs, so there is no .proto toolchain in the
// loop. The handler shapes follow what protoc-gen-go-grpc emits.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*A2AServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "GetTask", Handler: getTaskHandler},
		{MethodName: "ListTasks", Handler: listTasksHandler},
		{MethodName: "CancelTask", Handler: cancelTaskHandler},
		{MethodName: "TaskFeedback", Handler: taskFeedbackHandler},
		{MethodName: "ListContexts", Handler: listContextsHandler},
		{MethodName: "ClearContext", Handler: clearContextHandler},
		{MethodName: "SetTaskPushNotification", Handler: setPushHandler},
		{MethodName: "GetTaskPushNotification", Handler: getPushHandler},
		{MethodName: "ListTaskPushNotifications", Handler: listPushHandler},
		{MethodName: "DeleteTaskPushNotification", Handler: deletePushHandler},
		{MethodName: "GetAgentCard", Handler: agentCardHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMessage", Handler: streamMessageHandler, ServerStreams: true},
	},
	Metadata: "a2a/v1/a2a.proto",
}

func unary[Req any, Resp any](
	method string,
	invoke func(A2AServer, context.Context, *Req) (Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv.(A2AServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv.(A2AServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	sendMessageHandler = unary("SendMessage", func(s A2AServer, ctx context.Context, req *SendMessageRequest) (any, error) {
		return s.SendMessage(ctx, req)
	})
	getTaskHandler = unary("GetTask", func(s A2AServer, ctx context.Context, req *GetTaskRequest) (any, error) {
		return s.GetTask(ctx, req)
	})
	listTasksHandler = unary("ListTasks", func(s A2AServer, ctx context.Context, req *ListTasksRequest) (any, error) {
		return s.ListTasks(ctx, req)
	})
	cancelTaskHandler = unary("CancelTask", func(s A2AServer, ctx context.Context, req *CancelTaskRequest) (any, error) {
		return s.CancelTask(ctx, req)
	})
	taskFeedbackHandler = unary("TaskFeedback", func(s A2AServer, ctx context.Context, req *TaskFeedbackRequest) (any, error) {
		return s.TaskFeedback(ctx, req)
	})
	listContextsHandler = unary("ListContexts", func(s A2AServer, ctx context.Context, req *ListContextsRequest) (any, error) {
		return s.ListContexts(ctx, req)
	})
	clearContextHandler = unary("ClearContext", func(s A2AServer, ctx context.Context, req *ClearContextRequest) (any, error) {
		return s.ClearContext(ctx, req)
	})
	setPushHandler = unary("SetTaskPushNotification", func(s A2AServer, ctx context.Context, req *SetTaskPushNotificationRequest) (any, error) {
		return s.SetTaskPushNotification(ctx, req)
	})
	getPushHandler = unary("GetTaskPushNotification", func(s A2AServer, ctx context.Context, req *TaskPushNotificationKey) (any, error) {
		return s.GetTaskPushNotification(ctx, req)
	})
	listPushHandler = unary("ListTaskPushNotifications", func(s A2AServer, ctx context.Context, req *ListTaskPushNotificationsRequest) (any, error) {
		return s.ListTaskPushNotifications(ctx, req)
	})
	deletePushHandler = unary("DeleteTaskPushNotification", func(s A2AServer, ctx context.Context, req *TaskPushNotificationKey) (any, error) {
		return s.DeleteTaskPushNotification(ctx, req)
	})
	agentCardHandler = unary("GetAgentCard", func(s A2AServer, ctx context.Context, req *AgentCardRequest) (any, error) {
		return s.GetAgentCard(ctx, req)
	})
	healthCheckHandler = unary("HealthCheck", func(s A2AServer, ctx context.Context, req *HealthCheckRequest) (any, error) {
		return s.HealthCheck(ctx, req)
	})
)

func streamMessageHandler(srv any, stream grpc.ServerStream) error {
	in := new(SendMessageRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(A2AServer).StreamMessage(in, &streamMessageServer{ServerStream: stream})
}
