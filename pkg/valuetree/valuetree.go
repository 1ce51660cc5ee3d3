// Package valuetree implements the tagged-variant value type used for node
// `parameters`, `result`, and `metadata` trees throughout the scheduler and
// worker. It supports pointer-style (/a/b/0) navigation, get/set, and a
// structural merge used both by edge-binding propagation and by feedback
// delta computation.
package valuetree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the concrete shape stored in a Node.
type Kind int

const (
	// Null represents the absence of a value.
	Null Kind = iota
	// Bool represents a boolean scalar.
	Bool
	// Number represents a numeric scalar, stored as float64.
	Number
	// String represents a string scalar.
	String
	// List represents an ordered sequence of nodes.
	List
	// Map represents a string-keyed mapping of nodes.
	Map
)

// Node is a tagged-variant tree value. The zero Node is Null.
type Node struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Node
	m    map[string]Node
}

// NewNull returns the Null node.
func NewNull() Node { return Node{kind: Null} }

// NewBool wraps a bool.
func NewBool(v bool) Node { return Node{kind: Bool, b: v} }

// NewNumber wraps a float64.
func NewNumber(v float64) Node { return Node{kind: Number, n: v} }

// NewString wraps a string.
func NewString(v string) Node { return Node{kind: String, s: v} }

// NewList wraps a slice of nodes, copying the slice header.
func NewList(items []Node) Node {
	cp := make([]Node, len(items))
	copy(cp, items)
	return Node{kind: List, list: cp}
}

// NewMap wraps a string-keyed map of nodes, copying the map.
func NewMap(fields map[string]Node) Node {
	cp := make(map[string]Node, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Node{kind: Map, m: cp}
}

// Kind reports the node's kind.
func (n Node) Kind() Kind { return n.kind }

// IsNull reports whether the node is Null.
func (n Node) IsNull() bool { return n.kind == Null }

// Bool returns the boolean value, or false if not a Bool node.
func (n Node) Bool() bool { return n.b }

// Number returns the numeric value, or zero if not a Number node.
func (n Node) Number() float64 { return n.n }

// String returns the string value, or "" if not a String node.
func (n Node) String() string { return n.s }

// List returns the underlying slice (not a copy); callers must not mutate it.
func (n Node) List() []Node { return n.list }

// Map returns the underlying map (not a copy); callers must not mutate it.
func (n Node) Map() map[string]Node { return n.m }

// FromAny converts a generic Go value (as produced by encoding/json.Unmarshal
// into `any`, or hand-built maps/slices) into a Node tree.
func FromAny(v any) Node {
	switch val := v.(type) {
	case nil:
		return NewNull()
	case bool:
		return NewBool(val)
	case float64:
		return NewNumber(val)
	case int:
		return NewNumber(float64(val))
	case int64:
		return NewNumber(float64(val))
	case string:
		return NewString(val)
	case []any:
		items := make([]Node, len(val))
		for i, e := range val {
			items[i] = FromAny(e)
		}
		return NewList(items)
	case map[string]any:
		fields := make(map[string]Node, len(val))
		for k, e := range val {
			fields[k] = FromAny(e)
		}
		return NewMap(fields)
	case Node:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return NewNull()
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return NewNull()
		}
		return FromAny(generic)
	}
}

// ToAny converts the node tree back into plain Go values suitable for
// encoding/json.Marshal.
func (n Node) ToAny() any {
	switch n.kind {
	case Null:
		return nil
	case Bool:
		return n.b
	case Number:
		return n.n
	case String:
		return n.s
	case List:
		out := make([]any, len(n.list))
		for i, e := range n.list {
			out[i] = e.ToAny()
		}
		return out
	case Map:
		out := make(map[string]any, len(n.m))
		for k, v := range n.m {
			out[k] = v.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	*n = FromAny(generic)
	return nil
}

// ParsePointer splits a "/a/b/0" pointer into its unescaped path segments.
// An empty string or "/" yields an empty segment list (the root).
func ParsePointer(pointer string) ([]string, error) {
	if pointer == "" || pointer == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("valuetree: pointer %q must start with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segs[i] = s
	}
	return segs, nil
}

// Get resolves a pointer path against the tree, returning (value, true) if
// every segment resolved, or (Null, false) otherwise.
func Get(root Node, pointer string) (Node, bool) {
	segs, err := ParsePointer(pointer)
	if err != nil {
		return NewNull(), false
	}
	cur := root
	for _, seg := range segs {
		switch cur.kind {
		case Map:
			v, ok := cur.m[seg]
			if !ok {
				return NewNull(), false
			}
			cur = v
		case List:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return NewNull(), false
			}
			cur = cur.list[idx]
		default:
			return NewNull(), false
		}
	}
	return cur, true
}

// Set returns a new tree with the value at pointer replaced by value,
// creating intermediate maps as needed. The root and all ancestors along the
// path are copied; unrelated siblings are shared, making Set cheap to use
// repeatedly while building up a result tree.
func Set(root Node, pointer string, value Node) (Node, error) {
	segs, err := ParsePointer(pointer)
	if err != nil {
		return root, err
	}
	if len(segs) == 0 {
		return value, nil
	}
	return setAt(root, segs, value), nil
}

func setAt(cur Node, segs []string, value Node) Node {
	head, rest := segs[0], segs[1:]
	switch cur.kind {
	case List:
		idx, err := strconv.Atoi(head)
		if err != nil {
			// Non-map container indexed by a non-numeric key: replace wholesale.
			break
		}
		items := make([]Node, len(cur.list))
		copy(items, cur.list)
		for idx >= len(items) {
			items = append(items, NewNull())
		}
		if len(rest) == 0 {
			items[idx] = value
		} else {
			items[idx] = setAt(items[idx], rest, value)
		}
		return NewList(items)
	case Map, Null:
		fields := map[string]Node{}
		if cur.kind == Map {
			for k, v := range cur.m {
				fields[k] = v
			}
		}
		if len(rest) == 0 {
			fields[head] = value
		} else {
			child, ok := fields[head]
			if !ok {
				child = NewNull()
			}
			fields[head] = setAt(child, rest, value)
		}
		return NewMap(fields)
	}
	// Scalar being indexed into: coerce to a fresh map (matches "parameters"
	// trees that start empty and are built up path-by-path).
	fields := map[string]Node{}
	if len(rest) == 0 {
		fields[head] = value
	} else {
		fields[head] = setAt(NewNull(), rest, value)
	}
	return NewMap(fields)
}

// Remove returns a new tree with the value at pointer removed. Removing a
// nonexistent path is a no-op.
func Remove(root Node, pointer string) Node {
	segs, err := ParsePointer(pointer)
	if err != nil || len(segs) == 0 {
		return root
	}
	return removeAt(root, segs)
}

func removeAt(cur Node, segs []string) Node {
	head, rest := segs[0], segs[1:]
	switch cur.kind {
	case Map:
		if _, ok := cur.m[head]; !ok {
			return cur
		}
		fields := map[string]Node{}
		for k, v := range cur.m {
			fields[k] = v
		}
		if len(rest) == 0 {
			delete(fields, head)
		} else {
			fields[head] = removeAt(fields[head], rest)
		}
		return NewMap(fields)
	case List:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(cur.list) {
			return cur
		}
		items := make([]Node, len(cur.list))
		copy(items, cur.list)
		if len(rest) == 0 {
			items = append(items[:idx], items[idx+1:]...)
		} else {
			items[idx] = removeAt(items[idx], rest)
		}
		return NewList(items)
	default:
		return cur
	}
}

// Equal reports whether n and other hold the same value, comparing by
// canonical form so map key order never matters.
func (n Node) Equal(other Node) bool {
	return string(n.CanonicalJSON()) == string(other.CanonicalJSON())
}

// CanonicalJSON serializes the node with map keys sorted and no insignificant
// whitespace, matching the definition-hash canonicalization in SPEC_FULL.md §3.
func (n Node) CanonicalJSON() []byte {
	var buf strings.Builder
	writeCanonical(&buf, n)
	return []byte(buf.String())
}

func writeCanonical(buf *strings.Builder, n Node) {
	switch n.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if n.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		b, _ := json.Marshal(n.n)
		buf.Write(b)
	case String:
		b, _ := json.Marshal(n.s)
		buf.Write(b)
	case List:
		buf.WriteByte('[')
		for i, e := range n.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case Map:
		keys := make([]string, 0, len(n.m))
		for k := range n.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, n.m[k])
		}
		buf.WriteByte('}')
	}
}
