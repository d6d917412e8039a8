package feedapi

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

const (
	ServiceName         = "feeder.v1.FeederService"
	manualFeedMethod    = "/" + ServiceName + "/ManualFeed"
	metadataUserID      = "x-user-id"
	metadataIdempotency = "idempotency-key"
)

// FeederServiceServer is the server side of feeder.v1.FeederService. Requests
// and responses are google.protobuf.Struct:
//
//	request:  {"feederId": "abc123", "portionSize": 50}
//	response: {"message": "..."}
type FeederServiceServer interface {
	ManualFeed(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var FeederServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeederServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ManualFeed", Handler: manualFeedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "feeder/v1/feeder.proto",
}

func manualFeedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeederServiceServer).ManualFeed(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: manualFeedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeederServiceServer).ManualFeed(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// FeederServiceClient calls feeder.v1.FeederService.
type FeederServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFeederServiceClient(cc grpc.ClientConnInterface) *FeederServiceClient {
	return &FeederServiceClient{cc: cc}
}

func (c *FeederServiceClient) ManualFeed(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, manualFeedMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer adapts Handler to FeederServiceServer.
type GRPCServer struct {
	h *Handler
}

func NewGRPCServer(h *Handler) *GRPCServer {
	return &GRPCServer{h: h}
}

func firstMD(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func (s *GRPCServer) ManualFeed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	req := ManualFeedRequest{
		UserID:         firstMD(md, metadataUserID),
		IdempotencyKey: firstMD(md, metadataIdempotency),
	}

	fields := in.GetFields()
	if v, ok := fields["feederId"]; ok {
		id, isStr := v.GetKind().(*structpb.Value_StringValue)
		if !isStr {
			return nil, status.Error(codes.InvalidArgument, "feederId must be a string")
		}
		req.FeederID = id.StringValue
	}
	if v, ok := fields["portionSize"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_NullValue:
		case *structpb.Value_NumberValue:
			p := k.NumberValue
			req.PortionSize = &p
		default:
			return nil, status.Error(codes.InvalidArgument, "portionSize must be a number")
		}
	}

	res, err := s.h.ManualFeed(ctx, req)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"message": res.Message})
}

// loggingInterceptor logs every unary call with its status code.
func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Info("grpc call",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("took", time.Since(start)))
	return resp, err
}

// NewGRPC builds a server exposing FeederService and the standard health
// service. The returned health server lets the caller flip serving status on
// shutdown.
func NewGRPC(h *Handler, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&FeederServiceDesc, NewGRPCServer(h))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
