package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/core/pkg/envelope"
)

// job is one dispatch waiting to run on its node type's queue.
type job struct {
	dispatch envelope.ExecDispatchPayload
	corrID   string
}

// typeQueue is a bounded, lazily-spawned FIFO per node type: one worker
// goroutine processes its jobs sequentially (so a type never runs two
// dispatches concurrently with itself beyond what the global inflight cap
// already allows), with an idle janitor that retires the queue and its
// goroutine after Config.IdleTimeout of inactivity.
type typeQueue struct {
	p        *Pipeline
	nodeType string
	ch       chan job

	mu            sync.Mutex
	failures      int
	cooldownUntil time.Time
	stopped       bool
}

func newTypeQueue(p *Pipeline, nodeType string) *typeQueue {
	return &typeQueue{p: p, nodeType: nodeType, ch: make(chan job, p.cfg.QueueSize)}
}

// run is the queue's worker goroutine: it drains ch in order and retires
// itself once ch has sat empty for IdleTimeout.
func (q *typeQueue) run() {
	timer := time.NewTimer(q.p.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case j := <-q.ch:
			if !timer.Stop() {
				<-timer.C
			}
			q.process(j)
			timer.Reset(q.p.cfg.IdleTimeout)
		case <-timer.C:
			q.p.mu.Lock()
			if len(q.ch) == 0 {
				q.stopped = true
				if q.p.queues[q.nodeType] == q {
					delete(q.p.queues, q.nodeType)
				}
				q.p.mu.Unlock()
				return
			}
			q.p.mu.Unlock()
			timer.Reset(q.p.cfg.IdleTimeout)
		}
	}
}

// submitLocked enqueues j according to the configured overflow policy. The
// caller must hold p.mu for the duration of the call: that's what lets a
// retiring queue and an enqueue racing to use it agree on which one wins,
// at the cost of a blocking send (OverflowBlock, the default) stalling
// other node types' enqueues while this one's queue is full.
func (q *typeQueue) submitLocked(j job) error {
	switch q.p.cfg.Overflow {
	case OverflowDropNew:
		select {
		case q.ch <- j:
			return nil
		default:
			return fmt.Errorf("dispatch: queue %q full, dropping dispatch %s", q.nodeType, j.corrID)
		}
	case OverflowDropOldest:
		for {
			select {
			case q.ch <- j:
				return nil
			default:
			}
			select {
			case <-q.ch:
			default:
				// Drained by the worker goroutine between our two selects;
				// retry the send.
			}
		}
	default: // OverflowBlock
		q.ch <- j
		return nil
	}
}

func (q *typeQueue) process(j job) {
	select {
	case q.p.inflightSem <- struct{}{}:
	case <-q.p.baseCtx.Done():
		return
	}
	defer func() { <-q.p.inflightSem }()

	q.mu.Lock()
	cooling := q.p.cfg.CooldownThreshold > 0 && time.Now().Before(q.cooldownUntil)
	q.mu.Unlock()
	if cooling {
		q.p.log.Warn(q.p.baseCtx, "dispatch: handler in cooldown, skipping dispatch",
			"node_type", q.nodeType, "run_id", j.dispatch.RunID, "task_id", j.dispatch.TaskID)
		q.p.sendCommandError(q.p.baseCtx, j.dispatch, j.corrID, "E.CMD.COOLDOWN",
			fmt.Sprintf("handler %s is cooling down after repeated failures", q.nodeType), "worker.cooldown")
		return
	}

	err := q.p.processDispatch(q.p.baseCtx, j.dispatch, j.corrID)
	q.recordOutcome(err == nil)
}

func (q *typeQueue) recordOutcome(success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if success {
		q.failures = 0
		q.cooldownUntil = time.Time{}
		return
	}
	q.failures++
	if q.p.cfg.CooldownThreshold > 0 && q.failures >= q.p.cfg.CooldownThreshold {
		q.cooldownUntil = time.Now().Add(q.p.cfg.CooldownWindow)
	}
}
