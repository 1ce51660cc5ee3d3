package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/sessiontoken"
	"github.com/flowmesh/core/pkg/valuetree"
	"github.com/flowmesh/core/scheduler/registry"
	"github.com/flowmesh/core/scheduler/session"
)

// memTransport is an in-memory Transport backed by two channels, used so
// tests can drive both ends of a session without a real socket.
type memTransport struct {
	mu     sync.Mutex
	closed bool
	out    chan []byte
	in     chan []byte
}

func newMemPipe() (a, b *memTransport) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	return &memTransport{out: c1, in: c2}, &memTransport{out: c2, in: c1}
}

func (t *memTransport) Send(msg []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errClosed
	}
	cp := append([]byte(nil), msg...)
	t.out <- cp
	return nil
}

func (t *memTransport) Recv() ([]byte, error) {
	msg, ok := <-t.in
	if !ok {
		return nil, errClosed
	}
	return msg, nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.out)
	return nil
}

type closedErr struct{}

func (closedErr) Error() string { return "memtransport: closed" }

var errClosed = closedErr{}

func newWorkerHandshake(tenant, name, instanceID string) envelope.Envelope {
	env, err := envelope.Build(envelope.TypeHandshake, tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: instanceID},
		envelope.HandshakePayload{
			Protocol: "flowmesh/1",
			Auth:     envelope.HandshakeAuth{Mode: envelope.AuthModeToken},
			Worker:   envelope.WorkerIdentity{Name: name, InstanceID: instanceID, Version: "1.0", Hostname: "h1"},
		})
	if err != nil {
		panic(err)
	}
	return env
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	got []registry.DispatchRequest
}

func (f *fakeEnqueuer) Enqueue(reqs ...registry.DispatchRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, reqs...)
}

func TestHandshakeIssuesSessionAndAccept(t *testing.T) {
	srv := session.New(sessiontoken.NewIssuer([]byte("secret"), time.Hour), session.Config{WindowSize: 8})
	reg := registry.New()
	conn := session.NewConn(srv, reg, &fakeEnqueuer{})

	schedSide, workerSide := newMemPipe()

	require.NoError(t, workerSide.Send(mustMarshal(t, newWorkerHandshake("tenant-a", "demo-worker", "w-1"))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Serve(ctx, schedSide) }()

	recvd := make(chan []byte, 1)
	go func() {
		data, err := workerSide.Recv()
		if err == nil {
			recvd <- data
		}
	}()

	var acceptEnv envelope.Envelope
	select {
	case data := <-recvd:
		acceptEnv = mustUnmarshal(t, data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session.accept")
	}
	assert.Equal(t, envelope.TypeSessionAccept, acceptEnv.Type)

	var accept envelope.SessionAcceptPayload
	require.NoError(t, envelope.DecodePayload(acceptEnv, &accept))
	assert.NotEmpty(t, accept.SessionID)
	assert.NotEmpty(t, accept.SessionToken)
	assert.False(t, accept.Resumed)

	s, ok := srv.Get(accept.SessionID)
	require.True(t, ok)
	assert.Equal(t, "demo-worker", s.WorkerName)
	assert.True(t, s.Authenticated)

	cancel()
	_ = workerSide.Close()
	<-done
}

func TestUpsertReusesSessionForSameWorkerIdentity(t *testing.T) {
	srv := session.New(sessiontoken.NewIssuer([]byte("secret"), time.Hour), session.Config{WindowSize: 4})

	_, worker1 := newMemPipe()
	s1, existed1 := srv.Upsert("w", "w-1", "tenant-a", "1.0", "h", worker1)
	assert.False(t, existed1)

	_, worker2 := newMemPipe()
	s2, existed2 := srv.Upsert("w", "w-1", "tenant-a", "1.1", "h2", worker2)
	assert.True(t, existed2)
	assert.Same(t, s1, s2)
	assert.Equal(t, "1.1", s2.Version)
}

func TestSelectWorkerRequiresRegisteredAndPackageMatch(t *testing.T) {
	srv := session.New(sessiontoken.NewIssuer([]byte("secret"), time.Hour), session.Config{WindowSize: 4})
	_, tr := newMemPipe()
	s, _ := srv.Upsert("w", "w-1", "tenant-a", "1.0", "h", tr)

	_, ok := srv.SelectWorker("tenant-a", registry.PackageRef{Name: "demo", Version: "1"}, "")
	assert.False(t, ok, "unregistered session must not be selected")

	srv.UpdateRegistration(s, envelope.RegisterPayload{
		Packages: []envelope.PackageRef{{Name: "demo", Version: "1"}},
	})

	workerID, ok := srv.SelectWorker("tenant-a", registry.PackageRef{Name: "demo", Version: "1"}, "")
	require.True(t, ok)
	assert.Equal(t, s.ID, workerID)

	_, ok = srv.SelectWorker("tenant-b", registry.PackageRef{Name: "demo", Version: "1"}, "")
	assert.False(t, ok, "tenant mismatch must not be selected")
}

func TestSendDispatchBuildsExecDispatchEnvelope(t *testing.T) {
	srv := session.New(sessiontoken.NewIssuer([]byte("secret"), time.Hour), session.Config{WindowSize: 4})
	_, tr := newMemPipe()
	s, _ := srv.Upsert("w", "w-1", "tenant-a", "1.0", "h", tr)
	srv.UpdateRegistration(s, envelope.RegisterPayload{Packages: []envelope.PackageRef{{Name: "demo", Version: "1"}}})

	req := registry.DispatchRequest{
		RunID:      "run-1",
		Tenant:     "tenant-a",
		NodeID:     "A",
		TaskID:     "task-1",
		NodeType:   "demo.task",
		Package:    registry.PackageRef{Name: "demo", Version: "1"},
		Parameters: valuetree.NewMap(nil),
		Seq:        1,
	}
	require.NoError(t, srv.SendDispatch(context.Background(), s.ID, req))

	select {
	case data := <-tr.out:
		env := mustUnmarshal(t, data)
		assert.Equal(t, envelope.TypeExecDispatch, env.Type)
		var payload envelope.ExecDispatchPayload
		require.NoError(t, envelope.DecodePayload(env, &payload))
		assert.Equal(t, "run-1", payload.RunID)
		assert.Equal(t, "task-1", payload.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch frame")
	}
}

func mustMarshal(t *testing.T, e envelope.Envelope) []byte {
	t.Helper()
	data, err := envelope.Marshal(e)
	require.NoError(t, err)
	return data
}

func mustUnmarshal(t *testing.T, data []byte) envelope.Envelope {
	t.Helper()
	env, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	return env
}
