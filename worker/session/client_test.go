package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/internal/retry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/worker/session"
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

func baseConfig() session.Config {
	return session.Config{
		WorkerName: "demo-worker",
		InstanceID: "w-1",
		Version:    "1.0",
		Hostname:   "h1",
		Tenant:     "tenant-a",
		AuthToken:  "tok",
		WindowSize: 8,
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

// fakeScheduler answers the handshake-or-resume opening frame of a session
// with an accept, optionally asserting on the register frame that follows a
// fresh handshake.
func fakeScheduler(t *testing.T, tr transport.Transport, sessionID, token string, wantResume bool) {
	t.Helper()
	data, err := tr.Recv()
	require.NoError(t, err)
	env := mustUnmarshal(t, data)

	if wantResume {
		require.Equal(t, envelope.TypeSessionResume, env.Type)
		var rs envelope.SessionResumePayload
		require.NoError(t, envelope.DecodePayload(env, &rs))
		assert.Equal(t, sessionID, rs.SessionID)
		assert.Equal(t, token, rs.SessionToken)
	} else {
		require.Equal(t, envelope.TypeHandshake, env.Type)
	}

	accept, err := envelope.Build(envelope.TypeSessionAccept, "tenant-a",
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"},
		envelope.SessionAcceptPayload{
			SessionID: sessionID, SessionToken: token, ExpiresAt: time.Now().Add(time.Hour).Unix(),
			Resumed: wantResume, WorkerInstanceID: "w-1",
		})
	require.NoError(t, err)
	require.NoError(t, tr.Send(mustMarshal(t, accept)))

	if !wantResume {
		data, err = tr.Recv()
		require.NoError(t, err)
		reg := mustUnmarshal(t, data)
		assert.Equal(t, envelope.TypeRegister, reg.Type)
	}
}

func TestClientHandshakeRegistersAndDispatchesToCallback(t *testing.T) {
	schedSide, workerSide := newMemPipe()

	cfg := baseConfig()
	cfg.Packages = []envelope.PackageRef{{Name: "demo", Version: "1"}}
	dialed := 0
	cl := session.New(cfg, func(ctx context.Context) (transport.Transport, error) {
		dialed++
		return workerSide, nil
	})

	got := make(chan envelope.Envelope, 1)
	cl.OnDispatch = func(ctx context.Context, env envelope.Envelope) { got <- env }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	go fakeScheduler(t, schedSide, "sess-1", "tok-1", false)

	// Wait for the register frame to have landed, then confirm the session
	// id got assigned before sending a dispatch frame.
	require.Eventually(t, func() bool { return cl.SessionID() != "" }, time.Second, time.Millisecond)

	seq := int64(1)
	dispatch, err := envelope.Build(envelope.TypeExecDispatch, "tenant-a",
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"},
		envelope.ExecDispatchPayload{RunID: "run-1", TaskID: "task-1", NodeID: "A", NodeType: "demo.task"},
		envelope.WithSessionSeq(seq))
	require.NoError(t, err)
	require.NoError(t, schedSide.Send(mustMarshal(t, dispatch)))

	select {
	case env := <-got:
		var payload envelope.ExecDispatchPayload
		require.NoError(t, envelope.DecodePayload(env, &payload))
		assert.Equal(t, "run-1", payload.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch callback")
	}

	// The client must have acked the dispatch frame.
	select {
	case data := <-schedSide.out:
		ackEnv := mustUnmarshal(t, data)
		assert.Equal(t, envelope.TypeAck, ackEnv.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack")
	}

	cancel()
	_ = schedSide.Close()
	<-done
	assert.Equal(t, 1, dialed)
}

func TestClientSendRetriesUnackedFrameUntilAcked(t *testing.T) {
	schedSide, workerSide := newMemPipe()

	cfg := baseConfig()
	cfg.AckRetryPolicy = retry.Policy{MaxAttempts: 10, Base: 15 * time.Millisecond, Max: 30 * time.Millisecond, Multiplier: 1.5}
	cl := session.New(cfg, func(ctx context.Context) (transport.Transport, error) { return workerSide, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()
	go fakeScheduler(t, schedSide, "sess-1", "tok-1", false)

	require.Eventually(t, func() bool { return cl.SessionID() != "" }, time.Second, time.Millisecond)

	result, err := envelope.Build(envelope.TypeExecResult, "tenant-a",
		envelope.Sender{Role: envelope.RoleWorker, ID: "w-1"},
		envelope.ExecResultPayload{RunID: "run-1", TaskID: "task-1", Status: "success"})
	require.NoError(t, err)
	require.NoError(t, cl.Send(ctx, result))

	seen := 0
	deadline := time.After(time.Second)
	for seen < 2 {
		select {
		case data := <-schedSide.out:
			env := mustUnmarshal(t, data)
			if env.Type == envelope.TypeExecResult {
				seen++
			}
		case <-deadline:
			t.Fatalf("only observed %d redeliveries before timeout", seen)
		}
	}

	// Now ack it; the retry loop must stop (no further deliveries within the
	// next couple of backoff windows).
	baseSeq := int64(1)
	var bitmap uint64
	ack, err := envelope.Build(envelope.TypeAck, "tenant-a",
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"},
		envelope.AckPayload{OK: true, AckSeq: &baseSeq, AckBitmap: &bitmap})
	require.NoError(t, err)
	require.NoError(t, schedSide.Send(mustMarshal(t, ack)))

	select {
	case data := <-schedSide.out:
		t.Fatalf("unexpected frame after ack: %s", mustUnmarshal(t, data).Type)
	case <-time.After(80 * time.Millisecond):
	}

	cancel()
	_ = schedSide.Close()
	<-done
}

func TestClientReconnectsAndResumesSession(t *testing.T) {
	sched1, worker1 := newMemPipe()
	sched2, worker2 := newMemPipe()

	cfg := baseConfig()
	cfg.ReconnectPolicy = retry.Policy{MaxAttempts: 10, Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 1.5}

	var mu sync.Mutex
	dials := 0
	cl := session.New(cfg, func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return worker1, nil
		}
		return worker2, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	go fakeScheduler(t, sched1, "sess-1", "tok-1", false)
	require.Eventually(t, func() bool { return cl.SessionID() != "" }, time.Second, time.Millisecond)
	assert.Equal(t, "sess-1", cl.SessionID())

	// Drop the first connection; the client must reconnect and resume using
	// the session id and token it was issued.
	_ = sched1.Close()

	resumed := make(chan struct{})
	go func() {
		fakeScheduler(t, sched2, "sess-1", "tok-1", true)
		close(resumed)
	}()
	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resume handshake")
	}

	cancel()
	_ = sched2.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, dials)
}
