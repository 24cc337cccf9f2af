// Package controlgrpc is +E: the external control-plane surface that
// lets a process outside the meshd node drive the C3-C6/+D/+F
// features (features/rpc, features/dhtkv, features/pubsub,
// features/data, features/alias) instead of embedding
// controlplane.Controller directly. Grounded on moby's own
// api/server/router split: a thin grpc service wrapping a Backend
// interface, mirroring how daemon/cluster/controller.go wraps swarm's
// manager.Manager rather than handing the API layer the concrete node
// type.
package controlgrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// ServiceName is the grpc service name NodeControlService registers
// under, mirroring how a protoc-generated _grpc.pb.go would name it
// (package.Service), kept flat here since there is no .proto source.
const ServiceName = "meshd.controlgrpc.NodeControlService"

// Server implements the NodeControlService grpc.ServiceDesc against a
// Backend.
type Server struct {
	backend Backend
	pump    *pump
}

// NewServer constructs a Server driving backend, and starts its
// background pump under ctx.
func NewServer(ctx context.Context, backend Backend) *Server {
	s := &Server{backend: backend, pump: newPump(backend)}
	go s.pump.run(ctx)
	return s
}

// Register adds the NodeControlService to gs, the same
// grpc.Server.RegisterService call a protoc-generated
// RegisterNodeControlServiceServer helper would make.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Emit", Handler: emitHandler},
		{MethodName: "Request", Handler: requestHandler},
		{MethodName: "Respond", Handler: respondHandler},
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Feedback", Handler: feedbackHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Del", Handler: delHandler},
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Unregister", Handler: unregisterHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: listenHandler, ServerStreams: true},
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "SubscribeMap", Handler: subscribeMapHandler, ServerStreams: true},
		{StreamName: "DataListen", Handler: dataListenHandler, ServerStreams: true},
	},
	Metadata: "controlgrpc.proto",
}

func decodeInto(dec func(any) error, v any) error {
	if err := dec(v); err != nil {
		return status.Errorf(codes.Internal, "controlgrpc: decode: %v", err)
	}
	return nil
}

func emitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req EmitRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*EmitRequest)
		s.backend.RPCEmit(time.Now(), rpc.Control{
			Kind:    rpc.ControlEmit,
			Service: r.Service,
			Route:   nodeRoute(r.Dest),
			Cmd:     r.Cmd,
			Payload: r.Payload,
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Emit"}, run)
}

func requestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req RequestRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*RequestRequest)
		now := time.Now()
		timeout := time.Duration(r.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = rpc.DefaultTimeout
		}
		id := s.backend.RPCRequest(now, rpc.Control{
			Kind:    rpc.ControlRequest,
			Service: r.Service,
			Route:   nodeRoute(r.Dest),
			Cmd:     r.Cmd,
			Payload: r.Payload,
			Timeout: timeout,
		})
		wait := s.pump.registerRPCWait(id)
		select {
		case reply := <-wait:
			return &reply, nil
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Request"}, run)
}

func respondHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req RespondRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*RespondRequest)
		ctl := rpc.Control{
			Kind:         rpc.ControlRespond,
			ReqID:        r.ReqID,
			ReplyNode:    r.ReplyNode,
			ReplyService: r.ReplyService,
			Cmd:          r.Cmd,
			Payload:      r.Payload,
		}
		if r.Err != "" {
			ctl.Err = &r.Err
		}
		s.backend.RPCRespond(time.Now(), ctl)
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Respond"}, run)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req PublishRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*PublishRequest)
		actor := pubsub.Actor(s.backend.Self())
		s.backend.PubSubControl(time.Now(), actor, pubsub.ChannelID(r.Channel), pubsub.ChannelControl{
			Kind: pubsub.ChannelControlPubData,
			Data: r.Data,
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Publish"}, run)
}

func feedbackHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req FeedbackRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*FeedbackRequest)
		actor := pubsub.Actor(s.backend.Self())
		s.backend.PubSubControl(time.Now(), actor, pubsub.ChannelID(r.Channel), pubsub.ChannelControl{
			Kind:   pubsub.ChannelControlFeedback,
			Source: r.Source,
			FB:     pubsub.SimpleFeedback(r.Kind, r.Value, r.IntervalMs, r.TimeoutMs),
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Feedback"}, run)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req GetRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*GetRequest)
		now := time.Now()
		timeout := time.Duration(r.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = dhtkv.SubTimeout
		}
		m := dhtkv.Map(r.Map)
		id := s.backend.DHTKVGet(now, m, timeout)
		wait := s.pump.registerGetWait(m, id)
		select {
		case reply := <-wait:
			return &reply, nil
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Get"}, run)
}

func setHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req SetRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*SetRequest)
		s.backend.DHTKVControl(time.Now(), dhtkv.Map(r.Map), dhtkv.MapControl{
			Kind:  dhtkv.MapControlSet,
			Sub:   dhtkv.SubKey(r.Sub),
			Value: r.Value,
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Set"}, run)
}

func delHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req DelRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*DelRequest)
		s.backend.DHTKVControl(time.Now(), dhtkv.Map(r.Map), dhtkv.MapControl{
			Kind: dhtkv.MapControlDel,
			Sub:  dhtkv.SubKey(r.Sub),
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Del"}, run)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req SendRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*SendRequest)
		s.backend.DataControl(time.Now(), data.Control{
			Kind:  data.ControlSend,
			Port:  data.Port(r.Port),
			Route: nodeRoute(r.Dest),
			Data:  r.Data,
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Send"}, run)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req PingRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*PingRequest)
		s.backend.DataControl(time.Now(), data.Control{Kind: data.ControlPing, Dest: r.Dest})
		// Ping's Pong answer surfaces through DrainDataEvents like any
		// other unclaimed data event; without a dedicated waiter this
		// call reports fire-and-forget, matching features/data's own
		// local-delivery-only Pong semantics until a pump waiter for it
		// is worth the complexity.
		return &PongReply{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Ping"}, run)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req RegisterRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*RegisterRequest)
		s.backend.AliasControl(time.Now(), alias.Control{
			Kind:    alias.ControlRegister,
			Alias:   alias.Alias(r.Alias),
			Service: r.Service,
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Register"}, run)
}

func unregisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req UnregisterRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*UnregisterRequest)
		s.backend.AliasControl(time.Now(), alias.Control{
			Kind:  alias.ControlUnregister,
			Alias: alias.Alias(r.Alias),
		})
		return &Empty{}, nil
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Unregister"}, run)
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req QueryRequest
	if err := decodeInto(dec, &req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req any) (any, error) {
		r := req.(*QueryRequest)
		now := time.Now()
		a := alias.Alias(r.Alias)
		wait := s.pump.registerAliasWait(a)
		s.backend.AliasControl(now, alias.Control{
			Kind:    alias.ControlQuery,
			Alias:   a,
			Service: r.Service,
		})
		select {
		case reply := <-wait:
			return &reply, nil
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if interceptor == nil {
		return run(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: s, FullMethod: ServiceName + "/Query"}, run)
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req ListenRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	feed, unregister := s.pump.registerRPCFeed()
	defer unregister()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req SubscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	actor := pubsub.Actor(s.backend.Self())
	channel := pubsub.ChannelID(req.Channel)
	feed := s.pump.registerPubSubFeed(actor)
	defer s.pump.unregisterPubSubFeed(actor)

	s.backend.PubSubControl(time.Now(), actor, channel, pubsub.ChannelControl{
		Kind:   pubsub.ChannelControlSubSource,
		Source: req.Source,
	})
	ctx := stream.Context()
	defer s.backend.PubSubControl(time.Now(), actor, channel, pubsub.ChannelControl{
		Kind:   pubsub.ChannelControlUnsubSource,
		Source: req.Source,
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

func subscribeMapHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req SubscribeMapRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	m := dhtkv.Map(req.Map)
	feed := s.pump.registerMapFeed(m)
	s.backend.DHTKVControl(time.Now(), m, dhtkv.MapControl{Kind: dhtkv.MapControlSub})
	ctx := stream.Context()
	defer s.backend.DHTKVControl(time.Now(), m, dhtkv.MapControl{Kind: dhtkv.MapControlUnsub})
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

func dataListenHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req DataListenRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	feed := s.pump.registerDataFeed(req.Port)
	defer s.pump.unregisterDataFeed(req.Port)
	s.backend.DataControl(time.Now(), data.Control{Kind: data.ControlListen, Port: data.Port(req.Port)})
	ctx := stream.Context()
	defer s.backend.DataControl(time.Now(), data.Control{Kind: data.ControlUnlisten, Port: data.Port(req.Port)})
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

func nodeRoute(dest nodeid.ID) envelope.Route {
	return envelope.Route{Kind: envelope.RouteToNode, Node: dest}
}
