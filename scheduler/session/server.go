package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/sessiontoken"
	"github.com/flowmesh/core/pkg/transport"
)

// Config holds the static settings a Server is built from, mirroring the
// teacher's ServerConfig/Server split (runtime/a2a/server.go).
type Config struct {
	WindowSize int
	TokenTTL   time.Duration
}

// Option configures optional aspects of a Server.
type Option func(*Server)

// WithLogger attaches a telemetry logger.
func WithLogger(l telemetry.Logger) Option {
	return func(srv *Server) { srv.log = l }
}

// Server is the scheduler's worker session table, the Go analogue of the
// Python WorkerControlManager.
type Server struct {
	mu         sync.Mutex
	sessions   map[string]*Session // session id -> session
	byWorker   map[string]string   // sessionKey(name, instanceID) -> session id
	windowSize int
	tokenTTL   time.Duration
	issuer     *sessiontoken.Issuer
	log        telemetry.Logger
}

// New constructs a Server. issuer mints and validates session tokens
// (spec.md §6).
func New(issuer *sessiontoken.Issuer, cfg Config, opts ...Option) *Server {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 32
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	srv := &Server{
		sessions:   make(map[string]*Session),
		byWorker:   make(map[string]string),
		windowSize: cfg.WindowSize,
		tokenTTL:   cfg.TokenTTL,
		issuer:     issuer,
		log:        telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Upsert creates a new session for (workerName, workerInstanceID, tenant) or
// supersedes the existing one, closing and replacing its transport and
// resetting both window directions (spec.md §4.2 "a new handshake always
// supersedes any existing transport for the same worker identity").
func (srv *Server) Upsert(workerName, workerInstanceID, tenant, version, hostname string, tr transport.Transport) (*Session, bool) {
	srv.mu.Lock()
	key := sessionKey(workerName, workerInstanceID)
	sessID, existed := srv.byWorker[key]
	var s *Session
	if existed {
		s = srv.sessions[sessID]
	}
	srv.mu.Unlock()

	if existed && s != nil {
		srv.supersede(s, tr)
		s.Version, s.Hostname, s.Tenant = version, hostname, tenant
		return s, true
	}

	s = newSession(uuid.NewString(), workerName, workerInstanceID, tenant, srv.windowSize)
	s.Version, s.Hostname = version, hostname
	s.transport = tr

	srv.mu.Lock()
	srv.sessions[s.ID] = s
	srv.byWorker[key] = s.ID
	srv.mu.Unlock()
	return s, false
}

// supersede closes the session's previous transport, if any, and resets both
// window directions so the new connection starts from a clean sliding
// window, bumping the send epoch (spec.md §4.2 "reset clears in-flight
// sequence state").
func (srv *Server) supersede(s *Session, tr transport.Transport) {
	s.mu.Lock()
	old := s.transport
	s.transport = tr
	s.Authenticated = false
	s.Registered = false
	s.Draining = false
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.Recv.Reset()
	s.Send.Reset()
}

// Rekey issues a fresh session token for s, used on both initial handshake
// accept and resume accept.
func (srv *Server) Rekey(s *Session) (token string, expiresAt int64, err error) {
	token, expiresAt, err = srv.issuer.Issue(s.ID, s.WorkerInstanceID, s.Tenant, srv.tokenTTL)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	s.Token = token
	s.ExpiresAt = expiresAt
	s.Authenticated = true
	s.mu.Unlock()
	return token, expiresAt, nil
}

// ValidateToken checks token against s's issued token (spec.md §6).
func (srv *Server) ValidateToken(s *Session, token string) error {
	_, err := srv.issuer.Validate(token, s.ID, s.WorkerInstanceID, s.Tenant)
	return err
}

// Get looks up a session by id.
func (srv *Server) Get(sessionID string) (*Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[sessionID]
	return s, ok
}

// Remove drops a session entirely (spec.md §4.2 "explicit close").
func (srv *Server) Remove(sessionID string) {
	srv.mu.Lock()
	s, ok := srv.sessions[sessionID]
	if ok {
		delete(srv.sessions, sessionID)
		delete(srv.byWorker, sessionKey(s.WorkerName, s.WorkerInstanceID))
	}
	srv.mu.Unlock()
	if ok {
		s.mu.Lock()
		tr := s.transport
		s.transport = nil
		s.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
	}
}

// MarkDisconnected clears a session's transport without dropping the session
// record, leaving it eligible for resume until an external reaper evicts it
// (spec.md §4.2 "resume window").
func (srv *Server) MarkDisconnected(sessionID string) {
	s, ok := srv.Get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// UpdateRegistration applies a control.register payload to s (spec.md
// §4.2).
func (srv *Server) UpdateRegistration(s *Session, reg envelope.RegisterPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Capabilities = reg.Capabilities
	s.PayloadTypes = reg.PayloadTypes
	s.Packages = reg.Packages
	s.Manifests = reg.Manifests
	s.Channels = reg.Channels
	s.Registered = true
}

// MarkHeartbeat records a control.heartbeat payload, applying any reported
// package drift (spec.md §4.3, "Supplemented features" in DESIGN.md).
func (srv *Server) MarkHeartbeat(s *Session, hb envelope.HeartbeatPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeat = time.Now()
	if hb.Packages != nil && len(hb.Packages.Drift) > 0 {
		s.Manifests = hb.Packages.Drift
	}
}

// List returns a snapshot of all known sessions.
func (srv *Server) List() []*Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// ErrSessionNotFound is returned by operations addressing an unknown session
// id.
var ErrSessionNotFound = fmt.Errorf("session: not found")
