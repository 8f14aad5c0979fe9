// Package gateway exposes the load orchestrator over gRPC.
//
// The service is declared by hand with structpb.Struct messages, so no
// generated stubs are needed:
//
//	lap.ingest.v1.Loader/LoadCollections  {reloadData, resetStore, collections}
//	lap.ingest.v1.Loader/Status           {}
//	lap.ingest.v1.Loader/Reset            {}
//
// "collections": null (or absent) loads nothing; [] loads every collection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
)

const ServiceName = "lap.ingest.v1.Loader"

// Loader is the orchestrator surface served over gRPC.
type Loader interface {
	LoadCollections(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
	Status() orchestrator.Status
	Reset(ctx context.Context) error
}

// LoaderServer is the server API for the Loader service.
type LoaderServer interface {
	LoadCollections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reset(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Service implements LoaderServer on top of a Loader.
type Service struct {
	loader Loader
	log    zerolog.Logger
}

// NewService creates the gRPC service.
func NewService(loader Loader, log zerolog.Logger) *Service {
	return &Service{loader: loader, log: log}
}

func (s *Service) LoadCollections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := parseRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	report, err := s.loader.LoadCollections(ctx, req)
	if err != nil {
		var partial *orchestrator.PartialLoadError
		if !errors.As(err, &partial) {
			return nil, toStatus(err)
		}
		s.log.Warn().Err(err).Str("run_id", report.RunID).Msg("partial load")
	}
	out, err := toStruct(report)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	out.Fields["partial"] = structpb.NewBoolValue(len(report.Failed) > 0)
	return out, nil
}

func (s *Service) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := toStruct(s.loader.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *Service) Reset(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.loader.Reset(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"reset": structpb.NewBoolValue(true)}}, nil
}

// parseRequest maps a request struct onto orchestrator.Request, keeping the
// null-versus-empty distinction of "collections".
func parseRequest(in *structpb.Struct) (orchestrator.Request, error) {
	var req orchestrator.Request
	if in == nil {
		return req, nil
	}
	fields := in.GetFields()
	req.ReloadData = fields["reloadData"].GetBoolValue()
	req.ResetStore = fields["resetStore"].GetBoolValue()

	v, ok := fields["collections"]
	if !ok {
		return req, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return req, nil
	case *structpb.Value_ListValue:
		labels := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			label, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return req, fmt.Errorf("collections must be a list of strings")
			}
			labels = append(labels, label.StringValue)
		}
		set, err := collection.ParseSet(labels)
		if err != nil {
			return req, err
		}
		req.Collections = set
		return req, nil
	default:
		return req, fmt.Errorf("collections must be a list or null")
	}
}

func toStatus(err error) error {
	code, _ := orchestrator.Classify(err)
	switch {
	case errors.Is(err, collection.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, collection.ErrResetFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Errorf(codes.Internal, "%s: %v", code, err)
	}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// --- Service descriptor ---

func _Loader_LoadCollections_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).LoadCollections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/LoadCollections"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LoaderServer).LoadCollections(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Loader_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Status"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LoaderServer).Status(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Loader_Reset_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Reset"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LoaderServer).Reset(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// LoaderServiceDesc is the grpc.ServiceDesc for the Loader service.
var LoaderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadCollections", Handler: _Loader_LoadCollections_Handler},
		{MethodName: "Status", Handler: _Loader_Status_Handler},
		{MethodName: "Reset", Handler: _Loader_Reset_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lap/ingest/v1/loader.proto",
}

// RegisterLoaderServer registers srv with s.
func RegisterLoaderServer(s grpc.ServiceRegistrar, srv LoaderServer) {
	s.RegisterService(&LoaderServiceDesc, srv)
}

// LoaderClient calls the Loader service.
type LoaderClient struct {
	cc grpc.ClientConnInterface
}

// NewLoaderClient wraps a client connection.
func NewLoaderClient(cc grpc.ClientConnInterface) *LoaderClient {
	return &LoaderClient{cc: cc}
}

func (c *LoaderClient) LoadCollections(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/LoadCollections", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LoaderClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Status", &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LoaderClient) Reset(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Reset", &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
