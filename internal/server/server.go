// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package server implements the FineGuidanceSensors gRPC contract:
// GetEvents streams enriched events from the broadcast bus, GetHealth
// reports a static status, and RuntimeHook dispatches into the
// runtime-hook runner. Every other declared RPC returns
// codes.Unimplemented, matching what a client generated from the real
// proto definition would see against this repository's scope (gRPC
// codegen itself is not owned by this repository).
package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/broadcast"
	"github.com/procgraph/agent/internal/rthooks"
)

var serverLog = logrus.WithField("source", "server")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	serverLog = logger
}

// Server implements api.FineGuidanceSensorsServer.
type Server struct {
	NodeName    string
	ClusterName string
	Bus         *broadcast.Bus
	Hooks       *rthooks.Runner
}

var _ api.FineGuidanceSensorsServer = (*Server)(nil)

// GetEvents subscribes to the broadcast bus and streams every
// enriched event until the client disconnects or stream.Context() is
// cancelled (graceful shutdown delivers the resulting stream EOF).
func (s *Server) GetEvents(req *api.GetEventsRequest, stream api.EventsStream) error {
	sub := s.Bus.Subscribe()
	defer sub.Unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			resp := &api.GetEventsResponse{
				NodeName:    s.NodeName,
				ClusterName: s.ClusterName,
				Time:        time.Now(),
				Event:       ev,
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
	}
}

// GetHealth reports that the agent is running; there is nothing else
// to check from inside this process.
func (s *Server) GetHealth(ctx context.Context, req *api.GetHealthRequest) (*api.GetHealthResponse, error) {
	return &api.GetHealthResponse{Status: api.HealthStatusRunning}, nil
}

// RuntimeHook dispatches a CreateContainer event into the registered
// runtime-hook callbacks. A request without a CreateContainer event
// gets InvalidArgument; if any callback failed, the composite error's
// text is returned as a single Internal status.
func (s *Server) RuntimeHook(ctx context.Context, req *api.RuntimeHookRequest) (*api.RuntimeHookResponse, error) {
	if req.CreateContainer == nil {
		return nil, status.Error(codes.InvalidArgument, "only CreateContainer events are supported")
	}

	if err := s.Hooks.RunHooks(req.CreateContainer); err != nil {
		serverLog.WithError(err).Warn("runtime hook dispatch reported failures")
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.RuntimeHookResponse{}, nil
}

func unimplemented(rpc string) error {
	return status.Errorf(codes.Unimplemented, "%s is not implemented by this agent", rpc)
}

func (s *Server) AddTracingPolicy(ctx context.Context, req *api.AddTracingPolicyRequest) (*api.AddTracingPolicyResponse, error) {
	return nil, unimplemented("AddTracingPolicy")
}

func (s *Server) DeleteTracingPolicy(ctx context.Context, req *api.DeleteTracingPolicyRequest) (*api.DeleteTracingPolicyResponse, error) {
	return nil, unimplemented("DeleteTracingPolicy")
}

func (s *Server) ListTracingPolicies(ctx context.Context, req *api.ListTracingPoliciesRequest) (*api.ListTracingPoliciesResponse, error) {
	return nil, unimplemented("ListTracingPolicies")
}

func (s *Server) EnableSensor(ctx context.Context, req *api.EnableSensorRequest) (*api.EnableSensorResponse, error) {
	return nil, unimplemented("EnableSensor")
}

func (s *Server) DisableSensor(ctx context.Context, req *api.DisableSensorRequest) (*api.DisableSensorResponse, error) {
	return nil, unimplemented("DisableSensor")
}

func (s *Server) ListSensors(ctx context.Context, req *api.ListSensorsRequest) (*api.ListSensorsResponse, error) {
	return nil, unimplemented("ListSensors")
}

func (s *Server) GetStackTraceTree(ctx context.Context, req *api.GetStackTraceTreeRequest) (*api.GetStackTraceTreeResponse, error) {
	return nil, unimplemented("GetStackTraceTree")
}

func (s *Server) GetVersion(ctx context.Context, req *api.GetVersionRequest) (*api.GetVersionResponse, error) {
	return nil, unimplemented("GetVersion")
}

func (s *Server) GetDebug(ctx context.Context, req *api.GetDebugRequest) (*api.GetDebugResponse, error) {
	return nil, unimplemented("GetDebug")
}
