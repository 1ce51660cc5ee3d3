// Package transport defines the minimal framed-message interface the session
// protocol runs over, plus a length-prefixed implementation over net.Conn.
// Session logic (pkg/window, worker/session, scheduler/session) never
// depends on a concrete transport; it only depends on this interface, the
// same layering the teacher uses for its a2a.TaskStream abstraction.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is a point-to-point, ordered, framed byte-message channel. A
// single Transport backs exactly one session (spec.md §3 WorkerSession
// "transport handle").
type Transport interface {
	// Send writes one complete message frame. Safe for concurrent use with
	// Recv, but not with another concurrent Send (callers serialize sends,
	// typically via the session's send lock).
	Send(msg []byte) error
	// Recv reads the next complete message frame, blocking until one
	// arrives or the transport is closed.
	Recv() ([]byte, error)
	// Close releases the underlying connection. Close is idempotent.
	Close() error
}

// maxFrameBytes bounds a single frame to guard against a corrupt or hostile
// peer claiming an unbounded length prefix.
const maxFrameBytes = 64 << 20 // 64 MiB

// connTransport frames messages over a net.Conn with a 4-byte big-endian
// length prefix, matching the conventions of a plain TCP or TLS session
// (no pack repo vendors a WebSocket or framed-messaging library at the
// module's own dependency surface — see DESIGN.md).
type connTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	closed bool
}

// NewConn wraps conn as a Transport.
func NewConn(conn net.Conn) Transport {
	return &connTransport{conn: conn, reader: bufio.NewReader(conn)}
}

// Send implements Transport.
func (t *connTransport) Send(msg []byte) error {
	if len(msg) > maxFrameBytes {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(msg), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(msg)))
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.conn.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := t.conn.Write(msg); err != nil {
		return fmt.Errorf("transport: write body: %w", err)
	}
	return nil
}

// Recv implements Transport.
func (t *connTransport) Recv() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: peer announced frame of %d bytes, exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close implements Transport.
func (t *connTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
