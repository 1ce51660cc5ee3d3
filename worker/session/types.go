// Package session implements the worker side of the session protocol from
// spec.md §4.2, §4.3, §4.6: connect-or-resume, register, heartbeat,
// ack-retry, and reconnect-with-backoff. Grounded on the original_source
// worker's `network/session.py` Session dataclass; the Config/Client split
// mirrors scheduler/session's Server/Conn split and the teacher's
// config/store/options triplet in `runtime/a2a/server.go`.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/core/internal/retry"
	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/pkg/window"
)

// protocolVersion is the control.handshake protocol string this worker
// speaks (spec.md §4.2).
const protocolVersion = "flowmesh/1"

// Dialer opens a fresh transport to the scheduler, the Go analogue of the
// original Session.transport_factory callback. Called once per connection
// attempt; Client owns closing whatever it returns.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Config holds a Client's static identity, declared capabilities, and
// timing policy.
type Config struct {
	WorkerName string
	InstanceID string
	Version    string
	Hostname   string
	Tenant     string
	AuthToken  string

	WindowSize        int
	HeartbeatInterval time.Duration
	ReconnectPolicy   retry.Policy
	AckRetryPolicy    retry.Policy

	Capabilities envelope.Capabilities
	PayloadTypes []string
	Packages     []envelope.PackageRef
	Manifests    []envelope.PackageManifest
	Channels     []string
}

func (cfg *Config) setDefaults() {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 32
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReconnectPolicy.MaxAttempts == 0 {
		cfg.ReconnectPolicy = retry.DefaultPolicy()
	}
	if cfg.AckRetryPolicy.MaxAttempts == 0 {
		cfg.AckRetryPolicy = retry.DefaultPolicy()
	}
}

// Client is one worker's persistent session with the scheduler: it owns the
// current transport, the sliding send/receive windows, and the
// handshake/resume state needed to survive a reconnect (spec.md §4.6).
type Client struct {
	cfg  Config
	dial Dialer
	log  telemetry.Logger

	// MetricsFunc reports the worker's current load for control.heartbeat;
	// defaults to reporting zero load when left nil.
	MetricsFunc func() envelope.HeartbeatMetrics

	// OnDispatch, OnNextResponse, and OnReset forward biz.exec.dispatch,
	// biz.exec.next.response, and control.session.reset frames to the
	// dispatch, middleware, and supervising subsystems. Left nil-safe so
	// tests can exercise the session loop without any wired in.
	OnDispatch     func(ctx context.Context, env envelope.Envelope)
	OnNextResponse func(env envelope.Envelope)
	OnReset        func(ctx context.Context, code, reason string)

	mu           sync.Mutex
	tr           transport.Transport
	sessionID    string
	sessionToken string
	expiresAt    int64

	recv *window.Receive[envelope.Envelope]
	send *window.Send[envelope.Envelope]
}

// New constructs a Client. dial is invoked once per connection attempt by
// Run's connect-and-reconnect loop.
func New(cfg Config, dial Dialer) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, dial: dial, log: telemetry.NoopLogger{}}
}

// WithLogger attaches a telemetry logger to c and returns c.
func (c *Client) WithLogger(l telemetry.Logger) *Client {
	c.log = l
	return c
}

// Transport returns c's current transport, or nil if disconnected.
func (c *Client) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

// SessionID returns the current scheduler-assigned session id, or "" before
// the first successful handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) metrics() envelope.HeartbeatMetrics {
	if c.MetricsFunc == nil {
		return envelope.HeartbeatMetrics{}
	}
	return c.MetricsFunc()
}
