package launcher

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The node service is small enough that its messages are plain structs
// carried by a JSON codec instead of generated protobuf types.

const (
	codecName = "json"

	nodeService  = "rankwatch.v1.NodeSpawner"
	methodSpawn  = "/" + nodeService + "/Spawn"
	methodSignal = "/" + nodeService + "/Signal"
	methodWait   = "/" + nodeService + "/Wait"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SpawnReply identifies a process started by a node agent.
type SpawnReply struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// SignalRequest signals or force-kills a process on a node.
type SignalRequest struct {
	ID     string `json:"id"`
	Signal int    `json:"signal,omitempty"`
	Kill   bool   `json:"kill,omitempty"`
}

// WaitRequest blocks until the process exits.
type WaitRequest struct {
	ID string `json:"id"`
}

// Empty is the reply of Signal.
type Empty struct{}

// NodeSpawnerServer is served by `rankwatch node-agent`.
type NodeSpawnerServer interface {
	Spawn(ctx context.Context, req *SpawnRequest) (*SpawnReply, error)
	Signal(ctx context.Context, req *SignalRequest) (*Empty, error)
	Wait(ctx context.Context, req *WaitRequest) (*ExitStatus, error)
}

// RegisterNodeSpawnerServer attaches srv to a gRPC server.
func RegisterNodeSpawnerServer(s grpc.ServiceRegistrar, srv NodeSpawnerServer) {
	s.RegisterService(&nodeSpawnerServiceDesc, srv)
}

var nodeSpawnerServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeService,
	HandlerType: (*NodeSpawnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Spawn", Handler: spawnHandler},
		{MethodName: "Signal", Handler: signalHandler},
		{MethodName: "Wait", Handler: waitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rankwatch/v1/node.proto",
}

func spawnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SpawnRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeSpawnerServer).Spawn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSpawn}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeSpawnerServer).Spawn(ctx, req.(*SpawnRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func signalHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SignalRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeSpawnerServer).Signal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSignal}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeSpawnerServer).Signal(ctx, req.(*SignalRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func waitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WaitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeSpawnerServer).Wait(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWait}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeSpawnerServer).Wait(ctx, req.(*WaitRequest))
	}
	return interceptor(ctx, in, info, handler)
}
