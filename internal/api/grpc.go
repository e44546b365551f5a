package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Montimage/maip-sub000/internal/model"
)

// SessionServiceName is the fully qualified gRPC service name.
const SessionServiceName = "maip.v1.SessionService"

// SessionServer is the gRPC session service. Snapshots and sessions travel
// as google.protobuf.Struct with the same field names as the HTTP JSON.
type SessionServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// SessionServiceDesc describes SessionServer for grpc.Server.RegisterService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: grpcGetSnapshotHandler},
		{MethodName: "Start", Handler: grpcStartHandler},
		{MethodName: "Stop", Handler: grpcStopHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "maip/v1/session.proto",
}

// RegisterGRPC registers the session service on g.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	g.RegisterService(&SessionServiceDesc, &grpcService{s: s})
}

type grpcService struct {
	s *Server
}

func (g *grpcService) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(g.s.session.GetSnapshot())
}

func (g *grpcService) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := startRequestFrom(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	session, err := g.s.start(ctx, req)
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return toStruct(session)
}

func (g *grpcService) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := g.s.session.Stop(ctx); err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return &emptypb.Empty{}, nil
}

func startRequestFrom(in *structpb.Struct) (StartRequest, error) {
	var req StartRequest
	fields := in.GetFields()
	if v, ok := fields["interface"]; ok {
		if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
			return req, fmt.Errorf("interface must be a string")
		}
		req.Interface = v.GetStringValue()
	}
	if v, ok := fields["windowSeconds"]; ok {
		req.WindowSeconds = int(v.GetNumberValue())
	}
	if v, ok := fields["totalDurationSeconds"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			total := int(v.GetNumberValue())
			req.TotalDurationSeconds = &total
		}
	}
	return req, nil
}

// toStruct converts v through its JSON form so gRPC and HTTP clients see
// identical field names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "convert response: %v", err)
	}
	return out, nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, model.ErrAlreadyRunning):
		return codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	var startErr *model.CaptureStartError
	if errors.As(err, &startErr) {
		return codes.InvalidArgument
	}
	return codes.Internal
}

func grpcGetSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + SessionServiceName + "/GetSnapshot"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func grpcStartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + SessionServiceName + "/Start"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).Start(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func grpcStopHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + SessionServiceName + "/Stop"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).Stop(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SessionClient calls SessionServer over a client connection.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionClient wraps a connection created with grpc.NewClient.
func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+SessionServiceName+"/GetSnapshot", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) Start(ctx context.Context, req StartRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]any{
		"interface":     req.Interface,
		"windowSeconds": req.WindowSeconds,
	}
	if req.TotalDurationSeconds != nil {
		fields["totalDurationSeconds"] = *req.TotalDurationSeconds
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build start request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+SessionServiceName+"/Start", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) Stop(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+SessionServiceName+"/Stop", &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
