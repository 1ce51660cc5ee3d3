// Command scheduler runs the flowmesh scheduler: the worker-session
// listener, the dispatch orchestrator, the middleware next() bridge, and
// feedback fan-out, wired together the way the teacher's own binaries wire
// a cobra root command straight into its runtime's constructors
// (`88lin-divinesense/cmd/divinesense/main.go`).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowmesh/core/internal/config"
	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/sessiontoken"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/scheduler/dispatch"
	"github.com/flowmesh/core/scheduler/feedback"
	"github.com/flowmesh/core/scheduler/feedback/pulseclient"
	"github.com/flowmesh/core/scheduler/middleware"
	"github.com/flowmesh/core/scheduler/registry"
	"github.com/flowmesh/core/scheduler/session"
)

const sweepInterval = 5 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "flowmesh scheduler: worker sessions, dispatch, and feedback fan-out",
		RunE:  run,
	}
	if err := config.RegisterSchedulerFlags(root); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadScheduler()
	if err != nil {
		return err
	}

	log := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := buildFeedbackSink(cfg)
	if err != nil {
		return fmt.Errorf("scheduler: feedback sink: %w", err)
	}

	issuer := sessiontoken.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL)
	reg := registry.New()
	srv := session.New(issuer, session.Config{WindowSize: cfg.WindowSize, TokenTTL: cfg.TokenTTL}, session.WithLogger(log))
	processor := feedback.NewProcessor(reg, sink, feedback.WithLogger(log))

	orchestrator := dispatch.New(reg, srv, srv, cfg.QueueSize, dispatch.WithAckWait(cfg.AckWait), dispatch.WithLogger(log))
	go orchestrator.Run(ctx)

	bridge := middleware.New(reg, orchestrator, srv, middleware.WithLogger(log))
	go bridge.RunSweeper(ctx, sweepInterval)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("scheduler: listen %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.Info(ctx, "scheduler: listening", "addr", cfg.ListenAddr)

	go acceptLoop(ctx, ln, srv, reg, orchestrator, bridge, processor, log)

	<-ctx.Done()
	log.Info(ctx, "scheduler: shutting down")
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, srv *session.Server, reg *registry.Registry, orchestrator *dispatch.Orchestrator, bridge *middleware.Bridge, processor *feedback.Processor, log telemetry.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn(ctx, "scheduler: accept failed", "error", err)
			continue
		}
		go serveConn(ctx, conn, srv, reg, orchestrator, bridge, processor, log)
	}
}

func serveConn(ctx context.Context, conn net.Conn, srv *session.Server, reg *registry.Registry, orchestrator *dispatch.Orchestrator, bridge *middleware.Bridge, processor *feedback.Processor, log telemetry.Logger) {
	c := session.NewConn(srv, reg, orchestrator).WithLogger(log)
	c.OnFeedback = processor.HandleFeedback
	c.OnNextRequest = func(ctx context.Context, callerSessionID string, env envelope.Envelope) {
		var req envelope.ExecNextRequestPayload
		if err := envelope.DecodePayload(env, &req); err != nil {
			log.Warn(ctx, "scheduler: malformed next.request", "error", err)
			return
		}
		if err := bridge.HandleRequest(req, callerSessionID); err != nil {
			log.Warn(ctx, "scheduler: next.request failed", "error", err)
		}
	}
	c.OnTaskFinished = func(ctx context.Context, taskID, status string, result any) {
		if err := bridge.ResolveResult(ctx, taskID, status, result); err != nil {
			log.Warn(ctx, "scheduler: resolve next() waiter failed", "error", err)
		}
	}

	if err := c.Serve(ctx, transport.NewConn(conn)); err != nil && ctx.Err() == nil {
		log.Warn(ctx, "scheduler: session ended", "error", err)
	}
}

func buildFeedbackSink(cfg config.Scheduler) (feedback.Sink, error) {
	switch cfg.FeedbackSink {
	case "", "memory":
		return feedback.NewMemorySink(), nil
	case "pulse":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		client, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		prefix := cfg.RedisStreamPrefix
		return feedback.NewPulseSink(feedback.PulseOptions{
			Client: client,
			StreamID: func(e feedback.Event) (string, error) {
				if e.RunID == "" {
					return "", fmt.Errorf("feedback event missing run id")
				}
				return fmt.Sprintf("%s/%s", prefix, e.RunID), nil
			},
		})
	default:
		return nil, fmt.Errorf("unknown feedback sink %q", cfg.FeedbackSink)
	}
}
