// Package config loads the scheduler's and worker's typed configuration
// from flags and environment variables, following the
// cobra/viper/PersistentFlags + BindPFlag + BindEnv wiring style of
// `88lin-divinesense/cmd/divinesense/main.go` (flag defaults doubling as
// viper defaults, one env prefix, a typed profile struct built from
// viper.Get* once flags are parsed).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "flowmesh"

// bindEnv binds key to both the FLOWMESH_ and the plain uppercase env var
// name so either can be used, mirroring the legacy-prefix fallback the
// teacher's bindEnvWithFallback helper uses for its own renamed project.
func bindEnv(key string) {
	upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
	_ = viper.BindEnv(key, strings.ToUpper(envPrefix)+"_"+upper)
	_ = viper.BindEnv(key, upper)
}

func bindFlag(cmd *cobra.Command, key string) error {
	return viper.BindPFlag(key, cmd.PersistentFlags().Lookup(key))
}

// Scheduler holds the scheduler binary's runtime configuration.
type Scheduler struct {
	ListenAddr        string
	TokenSecret       string
	TokenTTL          time.Duration
	WindowSize        int
	QueueSize         int
	AckWait           time.Duration
	FeedbackSink      string // "memory" or "pulse"
	RedisAddr         string
	RedisStreamPrefix string
}

// RegisterSchedulerFlags declares cmd's scheduler flags and binds them into
// viper under envPrefix.
func RegisterSchedulerFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("listen-addr", ":7700", "address the scheduler listens on for worker sessions")
	flags.String("token-secret", "", "HMAC secret for session tokens (required)")
	flags.Duration("token-ttl", time.Hour, "session token lifetime")
	flags.Int("window-size", 32, "sliding window size for new sessions")
	flags.Int("queue-size", 1024, "dispatch orchestrator queue depth")
	flags.Duration("ack-wait", 5*time.Second, "dispatch ack deadline before retry")
	flags.String("feedback-sink", "memory", `feedback fan-out backend ("memory" or "pulse")`)
	flags.String("redis-addr", "localhost:6379", "redis address for the pulse feedback sink")
	flags.String("redis-stream-prefix", "run", "pulse stream name prefix (stream is <prefix>/<run_id>)")

	for _, key := range []string{
		"listen-addr", "token-secret", "token-ttl", "window-size", "queue-size",
		"ack-wait", "feedback-sink", "redis-addr", "redis-stream-prefix",
	} {
		if err := bindFlag(cmd, key); err != nil {
			return fmt.Errorf("config: bind scheduler flag %s: %w", key, err)
		}
		bindEnv(key)
	}
	return nil
}

// LoadScheduler reads the bound values into a Scheduler config.
func LoadScheduler() (Scheduler, error) {
	cfg := Scheduler{
		ListenAddr:        viper.GetString("listen-addr"),
		TokenSecret:       viper.GetString("token-secret"),
		TokenTTL:          viper.GetDuration("token-ttl"),
		WindowSize:        viper.GetInt("window-size"),
		QueueSize:         viper.GetInt("queue-size"),
		AckWait:           viper.GetDuration("ack-wait"),
		FeedbackSink:      viper.GetString("feedback-sink"),
		RedisAddr:         viper.GetString("redis-addr"),
		RedisStreamPrefix: viper.GetString("redis-stream-prefix"),
	}
	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("config: token-secret is required")
	}
	return cfg, nil
}

// Worker holds the worker binary's runtime configuration.
type Worker struct {
	SchedulerAddr     string
	WorkerName        string
	InstanceID        string
	Version           string
	Tenant            string
	AuthToken         string
	DataDir           string
	WindowSize        int
	HeartbeatInterval time.Duration
	QueueSize         int
	MaxInflight       int
	PackageName       string
	PackageVersion    string
}

// RegisterWorkerFlags declares cmd's worker flags and binds them into
// viper under envPrefix.
func RegisterWorkerFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("scheduler-addr", "localhost:7700", "scheduler address to connect to")
	flags.String("worker-name", "worker", "worker identity name, stable across restarts")
	flags.String("instance-id", "", "worker instance id, unique per process (default: generated)")
	flags.String("version", "dev", "worker build version reported at handshake")
	flags.String("tenant", "default", "tenant this worker serves")
	flags.String("auth-token", "", "shared auth token presented at handshake")
	flags.String("data-dir", "./data", "working directory for leased file resources")
	flags.Int("window-size", 32, "sliding window size for this worker's session")
	flags.Duration("heartbeat-interval", 15*time.Second, "control.heartbeat period")
	flags.Int("queue-size", 64, "per-node-type dispatch queue depth")
	flags.Int("max-inflight", 8, "global inflight dispatch cap")
	flags.String("package-name", "example", "bundled example package name advertised at register")
	flags.String("package-version", "1.0.0", "bundled example package version advertised at register")

	for _, key := range []string{
		"scheduler-addr", "worker-name", "instance-id", "version", "tenant", "auth-token",
		"data-dir", "window-size", "heartbeat-interval", "queue-size", "max-inflight",
		"package-name", "package-version",
	} {
		if err := bindFlag(cmd, key); err != nil {
			return fmt.Errorf("config: bind worker flag %s: %w", key, err)
		}
		bindEnv(key)
	}
	return nil
}

// LoadWorker reads the bound values into a Worker config.
func LoadWorker() (Worker, error) {
	cfg := Worker{
		SchedulerAddr:     viper.GetString("scheduler-addr"),
		WorkerName:        viper.GetString("worker-name"),
		InstanceID:        viper.GetString("instance-id"),
		Version:           viper.GetString("version"),
		Tenant:            viper.GetString("tenant"),
		AuthToken:         viper.GetString("auth-token"),
		DataDir:           viper.GetString("data-dir"),
		WindowSize:        viper.GetInt("window-size"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		QueueSize:         viper.GetInt("queue-size"),
		MaxInflight:       viper.GetInt("max-inflight"),
		PackageName:       viper.GetString("package-name"),
		PackageVersion:    viper.GetString("package-version"),
	}
	if cfg.SchedulerAddr == "" {
		return cfg, fmt.Errorf("config: scheduler-addr is required")
	}
	return cfg, nil
}
