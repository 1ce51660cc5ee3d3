package registry

import (
	"math"
	"strings"

	"github.com/flowmesh/core/pkg/valuetree"
)

// FeedbackChunk mirrors envelope.FeedbackChunk. Declared locally so this
// package never needs to import pkg/envelope.
type FeedbackChunk struct {
	Channel    string
	Text       string
	DataBase64 string
	MimeType   string
	Metadata   map[string]any
}

// FeedbackInput is one biz.exec.feedback delivery (spec.md §4.8).
type FeedbackInput struct {
	Stage    string
	Progress *float64
	Message  string
	Chunks   []FeedbackChunk
	Metrics  map[string]any
	Metadata map[string]any // metadata["results"] merges into node.Result
}

// DeltaOp names a node_result_delta structural-diff operation (spec.md §4.8).
type DeltaOp string

const (
	DeltaReplace DeltaOp = "replace"
	DeltaRemove  DeltaOp = "remove"
	DeltaAppend  DeltaOp = "append"
)

// ResultDelta is one path-scoped change to a node's result tree.
type ResultDelta struct {
	Operation DeltaOp
	Path      string
	Value     any
	Sequence  int64
	Revision  int64
}

// FeedbackEvent is one of the three events spec.md §4.8 names: node_state
// (stage/progress/message), node_result_snapshot (whole content), or
// node_result_delta (one change). RecordFeedback produces these for a
// feedback sink to publish.
type FeedbackEvent struct {
	Kind     string // "node_state" | "node_result_snapshot" | "node_result_delta"
	RunID    string
	TaskID   string
	Stage    string
	Progress *float64
	Message  string
	Result   valuetree.Node
	Delta    *ResultDelta
}

const (
	EventNodeState          = "node_state"
	EventNodeResultSnapshot = "node_result_snapshot"
	EventNodeResultDelta    = "node_result_delta"
)

// RecordFeedback merges in into taskID's NodeState.Metadata/Result, per
// spec.md §4.8: stage/progress/message merge into node.metadata,
// metadata.results merges into node.result via a structural diff, and
// chunks append to a per-node monotonic sequence. Ported from the
// scheduler's `_merge_result_updates`/`record_feedback`
// (original_source/scheduler/.../control_plane/run_registry.py).
func RecordFeedback(record *RunRecord, taskID string, in FeedbackInput) ([]FeedbackEvent, error) {
	node := findNode(record, taskID)
	if node == nil {
		return nil, ErrNodeNotFound
	}
	if node.Metadata == nil {
		node.Metadata = map[string]any{}
	}

	changed := false
	progress := clampProgress(in.Progress)
	if in.Stage != "" {
		node.Metadata["stage"] = in.Stage
		changed = true
	}
	if progress != nil {
		node.Metadata["progress"] = *progress
		changed = true
	}
	if in.Message != "" {
		node.Metadata["message"] = in.Message
		changed = true
	}

	var deltas []ResultDelta
	if results, ok := in.Metadata["results"]; ok {
		if resultsMap, ok := results.(map[string]any); ok {
			merged, changes := mergeResultUpdates(node.Result, valuetree.FromAny(resultsMap).Map(), "")
			if len(changes) > 0 {
				changed = true
				for i := range changes {
					node.ResultSeq++
					changes[i].Sequence = node.ResultSeq
					changes[i].Revision = node.Seq
				}
				node.Result = merged
				deltas = changes
			}
		}
	}
	for k, v := range in.Metadata {
		if k == "results" {
			continue
		}
		if v == nil {
			if _, exists := node.Metadata[k]; exists {
				delete(node.Metadata, k)
				changed = true
			}
			continue
		}
		if !valuetree.FromAny(node.Metadata[k]).Equal(valuetree.FromAny(v)) {
			node.Metadata[k] = v
			changed = true
		}
	}
	if len(in.Metrics) > 0 {
		metrics, _ := node.Metadata["metrics"].(map[string]any)
		if metrics == nil {
			metrics = map[string]any{}
		}
		for k, v := range in.Metrics {
			metrics[k] = v
		}
		node.Metadata["metrics"] = metrics
		changed = true
	}

	var events []FeedbackEvent
	if changed {
		events = append(events, FeedbackEvent{
			Kind: EventNodeState, RunID: record.RunID, TaskID: taskID,
			Stage: in.Stage, Progress: progress, Message: in.Message,
		})
		events = append(events, FeedbackEvent{
			Kind: EventNodeResultSnapshot, RunID: record.RunID, TaskID: taskID, Result: node.Result,
		})
	}
	for i := range deltas {
		d := deltas[i]
		events = append(events, FeedbackEvent{Kind: EventNodeResultDelta, RunID: record.RunID, TaskID: taskID, Delta: &d})
	}
	for _, chunk := range in.Chunks {
		node.ChunkSeq++
		d := ResultDelta{
			Operation: DeltaAppend,
			Path:      "/channels/" + escapePointerSegment(chunk.Channel),
			Value:     chunkValue(chunk),
			Sequence:  node.ChunkSeq,
			Revision:  node.Seq,
		}
		events = append(events, FeedbackEvent{Kind: EventNodeResultDelta, RunID: record.RunID, TaskID: taskID, Delta: &d})
	}
	return events, nil
}

// RecordFeedback merges in into taskID's node under the registry lock and
// returns the events to publish.
func (r *Registry) RecordFeedback(runID, taskID string, in FeedbackInput) ([]FeedbackEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return RecordFeedback(rec, taskID, in)
}

func chunkValue(chunk FeedbackChunk) map[string]any {
	v := map[string]any{"channel": chunk.Channel}
	if chunk.Text != "" {
		v["text"] = chunk.Text
	}
	if chunk.DataBase64 != "" {
		v["data_base64"] = chunk.DataBase64
	}
	if chunk.MimeType != "" {
		v["mime_type"] = chunk.MimeType
	}
	if len(chunk.Metadata) > 0 {
		v["metadata"] = chunk.Metadata
	}
	return v
}

// clampProgress clamps progress to [0, 1], rejecting NaN entirely (spec.md
// §4.8 "Progress is clamped to [0, 1] with NaN rejected").
func clampProgress(p *float64) *float64 {
	if p == nil || math.IsNaN(*p) {
		return nil
	}
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// escapePointerSegment escapes a single path segment for embedding in a
// pointer string, the inverse of valuetree.ParsePointer's unescaping.
func escapePointerSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	seg = strings.ReplaceAll(seg, "/", "~1")
	return seg
}

// mergeResultUpdates recursively merges updates into target, returning the
// merged tree and the path-scoped deltas produced. Mirrors the original
// scheduler's `_merge_result_updates`: nested maps merge key-by-key, a null
// update removes the key, everything else replaces wholesale when changed.
func mergeResultUpdates(target valuetree.Node, updates map[string]valuetree.Node, prefix string) (valuetree.Node, []ResultDelta) {
	fields := map[string]valuetree.Node{}
	if target.Kind() == valuetree.Map {
		for k, v := range target.Map() {
			fields[k] = v
		}
	}
	var deltas []ResultDelta
	for key, value := range updates {
		pointer := prefix + "/" + escapePointerSegment(key)
		existing, has := fields[key]

		if value.IsNull() {
			if has {
				delete(fields, key)
				deltas = append(deltas, ResultDelta{Operation: DeltaRemove, Path: pointer})
			}
			continue
		}

		if value.Kind() == valuetree.Map {
			if len(value.Map()) > 0 {
				if has && existing.Kind() == valuetree.Map {
					merged, nested := mergeResultUpdates(existing, value.Map(), pointer)
					fields[key] = merged
					deltas = append(deltas, nested...)
					continue
				}
				if !has || !existing.Equal(value) {
					fields[key] = value
					deltas = append(deltas, ResultDelta{Operation: DeltaReplace, Path: pointer, Value: value.ToAny()})
				}
				continue
			}
			if !has || existing.Kind() != valuetree.Map || len(existing.Map()) != 0 {
				fields[key] = value
				deltas = append(deltas, ResultDelta{Operation: DeltaReplace, Path: pointer, Value: map[string]any{}})
			}
			continue
		}

		if !has || !existing.Equal(value) {
			fields[key] = value
			deltas = append(deltas, ResultDelta{Operation: DeltaReplace, Path: pointer, Value: value.ToAny()})
		}
	}
	return valuetree.NewMap(fields), deltas
}
