// Command worker runs one flowmesh worker: it connects to the scheduler,
// registers its bundled example package, and serves dispatches through the
// resource-leasing, concurrency-guarded pipeline, the way the teacher's
// binaries assemble a runtime straight from its package constructors.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowmesh/core/internal/config"
	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/worker/dispatch"
	"github.com/flowmesh/core/worker/middleware"
	"github.com/flowmesh/core/worker/packages"
	"github.com/flowmesh/core/worker/resource"
	"github.com/flowmesh/core/worker/runner"
	"github.com/flowmesh/core/worker/session"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "flowmesh worker: connects to a scheduler and executes dispatches",
		RunE:  run,
	}
	if err := config.RegisterWorkerFlags(root); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	hostname, _ := os.Hostname()

	log := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := runner.NewRegistry()
	runner.RegisterExamplePackage(reg, cfg.PackageName, cfg.PackageVersion)
	exec := runner.New(reg)

	resources := resource.New(cfg.InstanceID, cfg.DataDir)
	manifests := packages.New()
	manifests.Upsert(envelope.PackageManifest{
		Name: cfg.PackageName, Version: cfg.PackageVersion, Status: "installed",
	})

	sessionCfg := session.Config{
		WorkerName: cfg.WorkerName,
		InstanceID: cfg.InstanceID,
		Version:    cfg.Version,
		Hostname:   hostname,
		Tenant:     cfg.Tenant,
		AuthToken:  cfg.AuthToken,

		WindowSize:        cfg.WindowSize,
		HeartbeatInterval: cfg.HeartbeatInterval,

		PayloadTypes: []string{"application/json"},
		Packages:     []envelope.PackageRef{{Name: cfg.PackageName, Version: cfg.PackageVersion}},
		Manifests:    manifests.Snapshot(),
	}
	client := session.New(sessionCfg, dialer(cfg.SchedulerAddr)).WithLogger(log)

	bridge := middleware.New(cfg.Tenant, client, middleware.WithLogger(log))
	pipeline := dispatch.NewPipeline(cfg.Tenant, cfg.InstanceID, cfg.DataDir, exec, client,
		dispatch.Config{QueueSize: cfg.QueueSize, MaxInflight: cfg.MaxInflight},
		dispatch.WithResourceLeaser(resources), dispatch.WithNextCaller(bridge), dispatch.WithLogger(log))
	defer pipeline.Close()

	client.OnDispatch = func(ctx context.Context, env envelope.Envelope) {
		if err := pipeline.HandleDispatch(ctx, env); err != nil {
			log.Warn(ctx, "worker: dispatch handling failed", "error", err)
		}
	}
	client.OnNextResponse = func(env envelope.Envelope) {
		if err := bridge.HandleResponse(ctx, env); err != nil {
			log.Warn(ctx, "worker: next.response handling failed", "error", err)
		}
	}
	client.OnReset = func(ctx context.Context, code, reason string) {
		log.Warn(ctx, "worker: session reset by scheduler", "code", code, "reason", reason)
		bridge.CancelAll()
	}

	log.Info(ctx, "worker: connecting", "scheduler", cfg.SchedulerAddr, "name", cfg.WorkerName, "instance", cfg.InstanceID)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: session run: %w", err)
	}
	return nil
}

func dialer(addr string) session.Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.NewConn(conn), nil
	}
}
