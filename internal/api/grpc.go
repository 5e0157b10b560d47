// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// Codec marshals the hand-written request/response types for the
// FineGuidanceSensors service. The wire encoding is JSON rather than
// protobuf because the message types in this package are plain Go
// structs; subscribers dial with the matching json codec
// (grpc.CallContentSubtype(api.Codec{}.Name())).
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return "json" }

// RegisterFineGuidanceSensorsServer registers srv's RPCs on s. The
// server must be constructed with grpc.ForceServerCodec(api.Codec{})
// so the hand-written message types marshal.
func RegisterFineGuidanceSensorsServer(s grpc.ServiceRegistrar, srv FineGuidanceSensorsServer) {
	s.RegisterService(&fineGuidanceSensorsServiceDesc, srv)
}

func getEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(GetEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FineGuidanceSensorsServer).GetEvents(in, &getEventsStream{stream})
}

// getEventsStream adapts grpc.ServerStream to the typed EventsStream
// surface GetEvents is written against.
type getEventsStream struct {
	grpc.ServerStream
}

func (x *getEventsStream) Send(m *GetEventsResponse) error {
	return x.ServerStream.SendMsg(m)
}

func getHealthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetHealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).GetHealth(ctx, in)
}

func runtimeHookHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RuntimeHookRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).RuntimeHook(ctx, in)
}

func addTracingPolicyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AddTracingPolicyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).AddTracingPolicy(ctx, in)
}

func deleteTracingPolicyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteTracingPolicyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).DeleteTracingPolicy(ctx, in)
}

func listTracingPoliciesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListTracingPoliciesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).ListTracingPolicies(ctx, in)
}

func enableSensorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EnableSensorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).EnableSensor(ctx, in)
}

func disableSensorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DisableSensorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).DisableSensor(ctx, in)
}

func listSensorsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListSensorsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).ListSensors(ctx, in)
}

func getStackTraceTreeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetStackTraceTreeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).GetStackTraceTree(ctx, in)
}

func getVersionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetVersionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).GetVersion(ctx, in)
}

func getDebugHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetDebugRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(FineGuidanceSensorsServer).GetDebug(ctx, in)
}

var fineGuidanceSensorsServiceDesc = grpc.ServiceDesc{
	ServiceName: "procgraph.FineGuidanceSensors",
	HandlerType: (*FineGuidanceSensorsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetHealth", Handler: getHealthHandler},
		{MethodName: "RuntimeHook", Handler: runtimeHookHandler},
		{MethodName: "AddTracingPolicy", Handler: addTracingPolicyHandler},
		{MethodName: "DeleteTracingPolicy", Handler: deleteTracingPolicyHandler},
		{MethodName: "ListTracingPolicies", Handler: listTracingPoliciesHandler},
		{MethodName: "EnableSensor", Handler: enableSensorHandler},
		{MethodName: "DisableSensor", Handler: disableSensorHandler},
		{MethodName: "ListSensors", Handler: listSensorsHandler},
		{MethodName: "GetStackTraceTree", Handler: getStackTraceTreeHandler},
		{MethodName: "GetVersion", Handler: getVersionHandler},
		{MethodName: "GetDebug", Handler: getDebugHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetEvents", Handler: getEventsHandler, ServerStreams: true},
	},
}
