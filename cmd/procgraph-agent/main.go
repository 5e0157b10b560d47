// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Command procgraph-agent wires every component of the process
// observability agent together: the correlation index, the pod
// informer, the runtime-hook dispatcher, the ring consumer and the
// gRPC server, started in a fixed order so each component's
// dependencies are already running before it starts.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/bootstrap"
	"github.com/procgraph/agent/internal/broadcast"
	"github.com/procgraph/agent/internal/cgidmap"
	"github.com/procgraph/agent/internal/config"
	"github.com/procgraph/agent/internal/enrich"
	"github.com/procgraph/agent/internal/execcache"
	"github.com/procgraph/agent/internal/metrics"
	"github.com/procgraph/agent/internal/podinformer"
	"github.com/procgraph/agent/internal/ringconsumer"
	"github.com/procgraph/agent/internal/rthooks"
	"github.com/procgraph/agent/internal/server"
	"github.com/procgraph/agent/pkg/signals"
)

var agentLog = logrus.WithField("source", "procgraph-agent")

func buildFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:        "listen-address",
			Value:       cfg.ListenAddress,
			Usage:       "address the gRPC server listens on",
			Destination: &cfg.ListenAddress,
		},
		cli.IntFlag{
			Name:        "process-cache-capacity",
			Value:       cfg.ProcessCacheCapacity,
			Usage:       "number of processes kept in the exec-id LRU cache",
			Destination: &cfg.ProcessCacheCapacity,
		},
		cli.IntFlag{
			Name:        "terminated-pod-capacity",
			Value:       cfg.TerminatedPodCapacity,
			Usage:       "number of terminated containers kept in the pod cache",
			Destination: &cfg.TerminatedPodCapacity,
		},
		cli.IntFlag{
			Name:        "max-ancestor-depth",
			Value:       cfg.MaxAncestorDepth,
			Usage:       "maximum parent chain depth reported per process",
			Destination: &cfg.MaxAncestorDepth,
		},
		cli.StringFlag{
			Name:        "kubeconfig",
			Value:       cfg.KubeconfigPath,
			Usage:       "path to a kubeconfig file; empty uses in-cluster config",
			Destination: &cfg.KubeconfigPath,
		},
		cli.StringFlag{
			Name:        "host-cgroup-root",
			Value:       cfg.HostCgroupRoot,
			Usage:       "unified cgroup v2 mountpoint as seen by this process",
			Destination: &cfg.HostCgroupRoot,
		},
		cli.StringFlag{
			Name:        "log-level",
			Value:       cfg.LogLevel,
			Usage:       "logging level (trace/debug/info/warn/error/fatal/panic)",
			Destination: &cfg.LogLevel,
		},
	}
}

func initLog(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

func run(cfg config.Config) error {
	initLog(cfg.LogLevel)

	hostname, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "procgraph-agent: failed to read hostname")
	}

	rthooks.DefaultHostCgroupRoot = cfg.HostCgroupRoot

	m := metrics.New()
	cache, err := execcache.New(hostname, cfg.ProcessCacheCapacity)
	if err != nil {
		return err
	}
	cgroupIndex := cgidmap.New()
	podStore := podinformer.NewStore(cfg.TerminatedPodCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	informer, err := podinformer.NewInformer(cfg.KubeconfigPath, podStore)
	if err != nil {
		return errors.Wrap(err, "procgraph-agent: failed to build pod informer")
	}

	// Reconcile the correlation index against each pod apply: any
	// cached binding whose container no longer appears in the pod's
	// status is invalidated. Deletes are left alone so a racing exit
	// can still resolve its container through the terminated cache.
	informer.RegisterHandler(func(ev podinformer.PodEvent) {
		if ev.Kind != podinformer.PodApply {
			return
		}
		podUID, err := uuid.Parse(ev.PodUID)
		if err != nil {
			return
		}
		live := make(map[string]struct{}, len(ev.Running)+len(ev.Terminated))
		for id := range ev.Running {
			live[id] = struct{}{}
		}
		for id := range ev.Terminated {
			live[id] = struct{}{}
		}
		cgroupIndex.Update(podUID, live)
	})
	go informer.Run(ctx.Done())

	hooks := rthooks.NewRunner()
	hooks.RegisterCallback(func(arg *rthooks.CreateContainerArg) error {
		arg.Pods = podStore

		cgroupID, err := arg.CgroupID()
		if err != nil {
			return errors.Wrap(err, "resolve cgroup id")
		}

		podUID, err := uuid.Parse(arg.PodID())
		if err != nil {
			podUID = uuid.Nil
		}

		cgroupIndex.Add(podUID, arg.ContainerID(), cgroupID)
		m.SetCorrelatedPods(cgroupIndex.Len())
		return nil
	})

	walkDone := make(chan error, 1)
	go func() { walkDone <- bootstrap.Walk(unattachedKernelMapWriter{}) }()
	select {
	case err := <-walkDone:
		if err != nil {
			agentLog.WithError(err).Warn("bootstrap walk failed to seed the kernel process table")
		}
	case <-time.After(cfg.BootstrapTimeout):
		agentLog.WithField("timeout", cfg.BootstrapTimeout).Warn("bootstrap walk exceeded timeout, continuing without a full seed")
	}

	bus := broadcast.New(cfg.SubscriberBufferDepth)

	consumer := &ringconsumer.Consumer{
		Reader: unattachedRingReader{},
		Enricher: &enrich.Enricher{
			Cache:            cache,
			Cgidmap:          cgroupIndex,
			Pods:             podStore,
			Metrics:          m,
			MaxAncestorDepth: cfg.MaxAncestorDepth,
		},
		Bus:      bus,
		Metrics:  m,
		Hostname: hostname,
	}

	consumerErrs := make(chan error, 1)
	go func() { consumerErrs <- consumer.Run(ctx) }()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "procgraph-agent: failed to listen on %s", cfg.ListenAddress)
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))
	api.RegisterFineGuidanceSensorsServer(grpcServer, &server.Server{
		NodeName: hostname,
		Bus:      bus,
		Hooks:    hooks,
	})

	agentLog.WithField("address", cfg.ListenAddress).Info("serving the FineGuidanceSensors API")

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- grpcServer.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		agentLog.WithField("signal", sig).Info("shutting down")
		cancel()
		grpcServer.GracefulStop()
		return <-consumerErrs
	case err := <-serveErrs:
		cancel()
		return err
	case err := <-consumerErrs:
		cancel()
		grpcServer.GracefulStop()
		return err
	}
}

func main() {
	defer signals.HandlePanic(func() {})

	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "procgraph-agent"
	app.Usage = "host process observability agent"
	app.Flags = buildFlags(&cfg)
	app.Action = func(c *cli.Context) error {
		return run(cfg)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
