// Package feedback publishes the node_state/node_result_snapshot/
// node_result_delta events spec.md §4.8 names, as produced by
// scheduler/registry.RecordFeedback, to any interested subscriber. The core
// never depends on the REST/SSE layer directly (out of scope per spec.md
// §1); it only publishes through the Sink interface, mirroring the
// teacher's `stream.Sink` / `pulse.Sink` layering in features/stream.
package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/core/scheduler/registry"
)

// Event wraps one registry.FeedbackEvent with the wall-clock time it was
// produced, ready for a sink to serialize and publish.
type Event struct {
	registry.FeedbackEvent
	Timestamp time.Time
}

// Sink publishes feedback events. Implementations must be safe for
// concurrent Send calls.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// MemorySink fans events out to in-process subscribers; used by tests and
// any in-core consumer that doesn't need a durable stream.
type MemorySink struct {
	mu   sync.Mutex
	subs []chan Event
	done []chan struct{}
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Subscribe returns a channel that receives every event sent after this
// call, closed when the sink is closed. Buffered to avoid blocking Send on
// a slow subscriber losing events; a full channel drops the oldest queued
// event rather than stalling publication.
func (s *MemorySink) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Send delivers event to every current subscriber.
func (s *MemorySink) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			// drop oldest, then enqueue, so subscribers see the latest state
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (s *MemorySink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	return nil
}
