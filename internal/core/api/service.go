// Package api provides the gRPC segment API.
//
// Messages are google.protobuf.Struct documents so that rule trees travel as
// the same JSON shape they are stored in. The service descriptor is declared
// by hand below; it is wire compatible with this proto:
//
//	service SegmentService {
//	  rpc EvaluateCount(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc CreateAudience(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  ...
//	}
package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/segmentkeeper/internal/core/segments"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "segmentkeeper.v1.SegmentService"

// Method names.
const (
	MethodEvaluateCount       = "EvaluateCount"
	MethodCreateAudience      = "CreateAudience"
	MethodGetAudience         = "GetAudience"
	MethodListAudiences       = "ListAudiences"
	MethodReplaceRules        = "ReplaceRules"
	MethodRefreshAudience     = "RefreshAudience"
	MethodDeleteAudience      = "DeleteAudience"
	MethodAddAudienceMembers  = "AddAudienceMembers"
	MethodListAudienceMembers = "ListAudienceMembers"
)

// SegmentServer is the server API for SegmentService.
type SegmentServer interface {
	EvaluateCount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateAudience(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAudience(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAudiences(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplaceRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshAudience(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteAudience(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddAudienceMembers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAudienceMembers(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(SegmentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call methodFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SegmentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SegmentServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SegmentServiceDesc describes SegmentService for grpc.Server.RegisterService.
var SegmentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmentServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodEvaluateCount, SegmentServer.EvaluateCount),
		unaryHandler(MethodCreateAudience, SegmentServer.CreateAudience),
		unaryHandler(MethodGetAudience, SegmentServer.GetAudience),
		unaryHandler(MethodListAudiences, SegmentServer.ListAudiences),
		unaryHandler(MethodReplaceRules, SegmentServer.ReplaceRules),
		unaryHandler(MethodRefreshAudience, SegmentServer.RefreshAudience),
		unaryHandler(MethodDeleteAudience, SegmentServer.DeleteAudience),
		unaryHandler(MethodAddAudienceMembers, SegmentServer.AddAudienceMembers),
		unaryHandler(MethodListAudienceMembers, SegmentServer.ListAudienceMembers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "segmentkeeper/v1/segment.proto",
}

// RegisterSegmentServer registers srv on s.
func RegisterSegmentServer(s grpc.ServiceRegistrar, srv SegmentServer) {
	s.RegisterService(&SegmentServiceDesc, srv)
}

// SegmentClient calls SegmentService methods by name.
type SegmentClient struct {
	cc grpc.ClientConnInterface
}

// NewSegmentClient wraps a client connection.
func NewSegmentClient(cc grpc.ClientConnInterface) *SegmentClient {
	return &SegmentClient{cc: cc}
}

// Call invokes method with in and returns the response document.
func (c *SegmentClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SegmentService implements SegmentServer.
// Thin orchestration layer delegating to the segments manager.
type SegmentService struct {
	manager *segments.Manager
	log     zerolog.Logger
}

var _ SegmentServer = (*SegmentService)(nil)

// NewSegmentService creates service instance with dependencies.
func NewSegmentService(manager *segments.Manager, log zerolog.Logger) (*SegmentService, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	return &SegmentService{manager: manager, log: log}, nil
}
