package middleware_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/valuetree"
	"github.com/flowmesh/core/scheduler/middleware"
	"github.com/flowmesh/core/scheduler/registry"
)

type fakeEnqueuer struct {
	mu  sync.Mutex
	got []registry.DispatchRequest
}

func (f *fakeEnqueuer) Enqueue(reqs ...registry.DispatchRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, reqs...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []envelope.ExecNextResponsePayload
}

func (f *fakeSender) SendNextResponse(ctx context.Context, workerID string, resp envelope.ExecNextResponsePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeSender) last() (envelope.ExecNextResponsePayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return envelope.ExecNextResponsePayload{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func hostWithChainWorkflow() registry.Workflow {
	return registry.Workflow{
		ID: "wf-mw",
		Nodes: []registry.Node{
			{
				ID: "H", Type: "demo.host", Package: registry.PackageRef{Name: "demo", Version: "1"},
				Parameters: valuetree.NewMap(nil),
				Middlewares: []registry.MiddlewareDef{
					{ID: "M0", Type: "demo.mw", Package: registry.PackageRef{Name: "demo", Version: "1"}},
					{ID: "M1", Type: "demo.mw", Package: registry.PackageRef{Name: "demo", Version: "1"}},
				},
			},
		},
	}
}

func TestHandleRequestAdvancesChainAndResolvesOnResult(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("c1", "tenant-a", hostWithChainWorkflow())
	require.Len(t, ready, 1, "only M0 should be auto-dispatched")
	m0 := ready[0]
	require.Equal(t, 0, *m0.ChainIndex)

	enq := &fakeEnqueuer{}
	sender := &fakeSender{}
	bridge := middleware.New(reg, enq, sender)

	req := envelope.ExecNextRequestPayload{
		RequestID:    "req-1",
		RunID:        record.RunID,
		NodeID:       "H",
		MiddlewareID: "M0",
	}
	require.NoError(t, bridge.HandleRequest(req, "worker-1"))

	require.Len(t, enq.got, 1, "M1 should be dispatched next")
	m1 := enq.got[0]
	require.NotNil(t, m1.ChainIndex)
	assert.Equal(t, 1, *m1.ChainIndex)

	require.NoError(t, bridge.ResolveResult(context.Background(), m1.TaskID, string(registry.StatusSucceeded), "ok"))
	resp, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Nil(t, resp.Error)
}

func TestSweepResolvesExpiredRequestsWithTimeout(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("c1", "tenant-a", hostWithChainWorkflow())
	require.Len(t, ready, 1)

	enq := &fakeEnqueuer{}
	sender := &fakeSender{}
	bridge := middleware.New(reg, enq, sender)

	timeoutMs := int64(1)
	req := envelope.ExecNextRequestPayload{RequestID: "req-2", RunID: record.RunID, NodeID: "H", MiddlewareID: "M0", TimeoutMs: &timeoutMs}
	require.NoError(t, bridge.HandleRequest(req, "worker-1"))

	bridge.Sweep(context.Background(), time.Now().Add(time.Second))
	resp, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, "next_timeout", resp.Error.Code)
}

func TestCancelRunResolvesPendingWithCancelled(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("c1", "tenant-a", hostWithChainWorkflow())
	require.Len(t, ready, 1)

	enq := &fakeEnqueuer{}
	sender := &fakeSender{}
	bridge := middleware.New(reg, enq, sender)

	req := envelope.ExecNextRequestPayload{RequestID: "req-3", RunID: record.RunID, NodeID: "H", MiddlewareID: "M0"}
	require.NoError(t, bridge.HandleRequest(req, "worker-1"))

	bridge.CancelRun(context.Background(), record.RunID)
	resp, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, "next_cancelled", resp.Error.Code)
}
