// Package session implements the scheduler side of the worker session
// protocol from spec.md §4.2-§4.3: handshake, register, heartbeat, resume,
// reset, and drain, plus the worker-selection and send path the dispatch
// orchestrator needs. Grounded on the original_source scheduler's
// `core/network/{manager,session}.py` (WorkerControlManager /
// WorkerSession); the Server/Session split mirrors the teacher's
// config/store/options triplet in `runtime/a2a/server.go`.
package session

import (
	"sync"
	"time"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/pkg/window"
)

// Session is the scheduler's live record of one worker connection, the Go
// analogue of the Python WorkerSession dataclass.
type Session struct {
	mu sync.Mutex

	ID               string
	WorkerName       string
	WorkerInstanceID string
	Tenant           string
	Version          string
	Hostname         string

	transport transport.Transport

	Token     string
	ExpiresAt int64

	Authenticated bool
	Registered    bool
	Draining      bool

	Capabilities envelope.Capabilities
	PayloadTypes []string
	Packages     []envelope.PackageRef
	Manifests    []envelope.PackageManifest
	Channels     []string

	LastHeartbeat time.Time

	Recv *window.Receive[envelope.Envelope]
	Send *window.Send[envelope.Envelope]
}

func newSession(id, workerName, workerInstanceID, tenant string, windowSize int) *Session {
	return &Session{
		ID:               id,
		WorkerName:       workerName,
		WorkerInstanceID: workerInstanceID,
		Tenant:           tenant,
		Recv:             window.NewReceive[envelope.Envelope](windowSize),
		Send:             window.NewSend[envelope.Envelope](windowSize),
	}
}

// Transport returns the session's current transport, or nil if the worker
// is disconnected but the session is still held open for resume (spec §4.2
// "resume window").
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Connected reports whether the session currently has a live transport.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// HasPackage reports whether the worker has reported the given package
// installed, used by worker selection (spec §4.3). A package whose reported
// manifest carries a status other than "installed" does not count.
func (s *Session) HasPackage(name, version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.Manifests {
		if m.Name == name && m.Version == version && m.Status != "" && m.Status != "installed" {
			return false
		}
	}
	for _, p := range s.Packages {
		if p.Name == name && p.Version == version {
			return true
		}
	}
	return false
}

func (s *Session) setTransport(tr transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = tr
}

func (s *Session) snapshotEligible(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.Registered && !s.Draining && s.Tenant == tenant
}

func sessionKey(workerName, workerInstanceID string) string {
	return workerName + "/" + workerInstanceID
}
