package envelope

// Control and business message type constants, spec.md §6.
const (
	TypeHandshake      = "control.handshake"
	TypeRegister       = "control.register"
	TypeHeartbeat      = "control.heartbeat"
	TypeAck            = "control.ack"
	TypeSessionAccept  = "control.session.accept"
	TypeSessionResume  = "control.session.resume"
	TypeSessionReset   = "control.session.reset"
	TypeSessionDrain   = "control.session.drain"

	TypeExecDispatch     = "biz.exec.dispatch"
	TypeExecResult       = "biz.exec.result"
	TypeExecFeedback     = "biz.exec.feedback"
	TypeExecError        = "biz.exec.error"
	TypeExecNextRequest  = "biz.exec.next.request"
	TypeExecNextResponse = "biz.exec.next.response"
)

// AuthMode selects the handshake authentication mechanism.
type AuthMode string

const (
	AuthModeToken AuthMode = "token"
	AuthModeMTLS  AuthMode = "mtls"
)

// HandshakeAuth carries either a bearer token or an mTLS fingerprint.
type HandshakeAuth struct {
	Mode        AuthMode `json:"mode"`
	Token       string   `json:"token,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// WorkerIdentity describes the connecting worker process.
type WorkerIdentity struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id,omitempty"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname"`
}

// HandshakePayload is the payload of control.handshake.
type HandshakePayload struct {
	Protocol string         `json:"protocol"`
	Auth     HandshakeAuth  `json:"auth"`
	Worker   WorkerIdentity `json:"worker"`
}

// Concurrency describes worker-declared concurrency limits.
type Concurrency struct {
	MaxParallel    int            `json:"max_parallel"`
	PerNodeLimits  map[string]int `json:"per_node_limits,omitempty"`
}

// Capabilities is the worker's declared capability set.
type Capabilities struct {
	Concurrency Concurrency `json:"concurrency"`
	Runtimes    []string    `json:"runtimes,omitempty"`
	Features    []string    `json:"features,omitempty"`
}

// PackageRef identifies an installed package by name and version.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RegisterPayload is the payload of control.register.
type RegisterPayload struct {
	Capabilities Capabilities    `json:"capabilities"`
	PayloadTypes []string        `json:"payload_types,omitempty"`
	Packages     []PackageRef    `json:"packages,omitempty"`
	Manifests    []PackageManifest `json:"manifests,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
}

// PackageManifest is the full manifest the worker reports per installed
// package, beyond the bare name/version ref.
type PackageManifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Status      string `json:"status"` // installed | installing | failed
	Description string `json:"description,omitempty"`
}

// HeartbeatMetrics carries the worker-reported system snapshot.
type HeartbeatMetrics struct {
	Inflight   int     `json:"inflight"`
	CPUPct     float64 `json:"cpu_pct,omitempty"`
	MemPct     float64 `json:"mem_pct,omitempty"`
	DiskPct    float64 `json:"disk_pct,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
}

// HeartbeatPackages carries optional package-drift metadata.
type HeartbeatPackages struct {
	Drift []PackageManifest `json:"drift,omitempty"`
}

// HeartbeatPayload is the payload of control.heartbeat.
type HeartbeatPayload struct {
	Healthy  bool               `json:"healthy"`
	Metrics  HeartbeatMetrics   `json:"metrics"`
	Packages *HeartbeatPackages `json:"packages,omitempty"`
}

// AckPayload is the payload of control.ack.
type AckPayload struct {
	OK         bool   `json:"ok"`
	For        string `json:"for,omitempty"`
	AckSeq     *int64 `json:"ack_seq,omitempty"`
	AckBitmap  *uint64 `json:"ack_bitmap,omitempty"`
	RecvWindow *int   `json:"recv_window,omitempty"`
}

// SessionAcceptPayload is the payload of control.session.accept.
type SessionAcceptPayload struct {
	SessionID        string `json:"session_id"`
	SessionToken     string `json:"session_token"`
	ExpiresAt        int64  `json:"expires_at"`
	Resumed          bool   `json:"resumed"`
	WorkerInstanceID string `json:"worker_instance_id"`
}

// SessionResumePayload is the payload of control.session.resume.
type SessionResumePayload struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	LastSeenSeq  *int64 `json:"last_seen_seq,omitempty"`
}

// SessionResetPayload is the payload of control.session.reset.
type SessionResetPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SessionDrainPayload is the (empty) payload of control.session.drain.
type SessionDrainPayload struct{}

// ExecDispatchPayload is the payload of biz.exec.dispatch.
type ExecDispatchPayload struct {
	RunID           string            `json:"run_id"`
	TaskID          string            `json:"task_id"`
	NodeID          string            `json:"node_id"`
	NodeType        string            `json:"node_type"`
	PackageName     string            `json:"package_name"`
	PackageVersion  string            `json:"package_version"`
	Parameters      any               `json:"parameters,omitempty"`
	Constraints     map[string]any    `json:"constraints,omitempty"`
	ConcurrencyKey  string            `json:"concurrency_key,omitempty"`
	ResourceRefs    []string          `json:"resource_refs,omitempty"`
	Affinity        map[string]string `json:"affinity,omitempty"`
	HostNodeID      string            `json:"host_node_id,omitempty"`
	MiddlewareChain []string          `json:"middleware_chain,omitempty"`
	ChainIndex      *int              `json:"chain_index,omitempty"`
}

// ExecResultPayload is the payload of biz.exec.result.
type ExecResultPayload struct {
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Result     any            `json:"result,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Artifacts  []string       `json:"artifacts,omitempty"`
	Error      *ExecError     `json:"error,omitempty"`
}

// ExecError is the inline error shape carried by biz.exec.result and emitted
// standalone as biz.exec.error.
type ExecError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// FeedbackChunk is one streamed chunk within a biz.exec.feedback payload.
type FeedbackChunk struct {
	Channel      string         `json:"channel"`
	Text         string         `json:"text,omitempty"`
	DataBase64   string         `json:"data_base64,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ExecFeedbackPayload is the payload of biz.exec.feedback.
type ExecFeedbackPayload struct {
	RunID    string          `json:"run_id"`
	TaskID   string          `json:"task_id"`
	Stage    string          `json:"stage,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Chunks   []FeedbackChunk `json:"chunks,omitempty"`
	Metrics  map[string]any  `json:"metrics,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// ExecErrorPayload is the payload of the standalone biz.exec.error envelope.
type ExecErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context ErrorContext   `json:"context"`
}

// ErrorContext locates where a biz.exec.error occurred.
type ErrorContext struct {
	Where   string         `json:"where"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecNextRequestPayload is the payload of biz.exec.next.request.
type ExecNextRequestPayload struct {
	RequestID     string `json:"request_id"`
	RunID         string `json:"run_id"`
	NodeID        string `json:"node_id"`
	MiddlewareID  string `json:"middleware_id"`
	ChainIndex    *int   `json:"chain_index,omitempty"`
	HostCtx       any    `json:"host_ctx,omitempty"`
	MiddlewareCtx any    `json:"middleware_ctx,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	TimeoutMs     *int64 `json:"timeout_ms,omitempty"`
}

// ExecNextResponsePayload is the payload of biz.exec.next.response.
type ExecNextResponsePayload struct {
	RequestID    string     `json:"request_id"`
	RunID        string     `json:"run_id"`
	NodeID       string     `json:"node_id"`
	MiddlewareID string     `json:"middleware_id"`
	Result       any        `json:"result,omitempty"`
	Error        *ExecError `json:"error,omitempty"`
	Trace        []string   `json:"trace,omitempty"`
}
