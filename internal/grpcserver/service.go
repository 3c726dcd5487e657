// Package grpcserver exposes the results index and slice naming over gRPC.
// Messages are google.protobuf.Struct so no generated code is needed; field
// names match the JSON names used by the HTTP API.
package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sectionreg.v1.Registration"

const (
	methodResolveSlice = "/" + ServiceName + "/ResolveSlice"
	methodListRuns     = "/" + ServiceName + "/ListRuns"
	methodRunRecords   = "/" + ServiceName + "/RunRecords"
)

// RegistrationServer is the server API for the Registration service.
type RegistrationServer interface {
	// ResolveSlice takes {"slice": n} and returns {"slice", "file_name", "path"}.
	ResolveSlice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	// ListRuns takes {"limit": n} and returns {"runs": [...]}.
	ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	// RunRecords takes {"run_id": id} and returns {"run": {...}, "records": [...]}.
	RunRecords(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Registration service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveSlice", Handler: unaryHandler(methodResolveSlice, RegistrationServer.ResolveSlice)},
		{MethodName: "ListRuns", Handler: unaryHandler(methodListRuns, RegistrationServer.ListRuns)},
		{MethodName: "RunRecords", Handler: unaryHandler(methodRunRecords, RegistrationServer.RunRecords)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sectionreg/v1/registration.proto",
}

type unaryMethod func(RegistrationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RegistrationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RegistrationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
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
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromValue decodes a Struct field into v through its JSON form.
func fromValue(val *structpb.Value, v any) error {
	data, err := val.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
