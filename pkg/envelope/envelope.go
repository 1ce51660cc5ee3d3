// Package envelope defines the self-describing wire record shared by every
// scheduler↔worker message (spec.md §6), its construction helpers, and
// validation. The package never interprets business payloads: it only
// builds, validates, and serializes the envelope shell.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a session sent an envelope.
type Role string

const (
	// RoleScheduler marks an envelope sent by the scheduler.
	RoleScheduler Role = "scheduler"
	// RoleWorker marks an envelope sent by a worker.
	RoleWorker Role = "worker"
)

// Sender identifies the envelope's originator.
type Sender struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Ack carries either an ack request or an ack target reference.
type Ack struct {
	Request bool   `json:"request,omitempty"`
	For     string `json:"for,omitempty"`
}

// Envelope is the mandatory frame shell described in spec.md §6. Payload is
// kept as json.RawMessage so the session layer never needs to know the
// business schema; callers decode it into a concrete type once the envelope
// has cleared session-layer validation.
type Envelope struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	TS          time.Time       `json:"ts"`
	Corr        string          `json:"corr,omitempty"`
	Seq         *int64          `json:"seq,omitempty"`
	SessionSeq  *int64          `json:"session_seq,omitempty"`
	Tenant      string          `json:"tenant"`
	Sender      Sender          `json:"sender"`
	Ack         *Ack            `json:"ack,omitempty"`
	Flags       []string        `json:"flags,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IsControl reports whether the envelope type belongs to the `control.*`
// vocabulary interpreted directly by the session layer (spec §4.2).
func (e Envelope) IsControl() bool {
	return len(e.Type) >= 8 && e.Type[:8] == "control."
}

// Option mutates an envelope under construction.
type Option func(*Envelope)

// WithCorr sets the correlation id (task id or request id).
func WithCorr(corr string) Option { return func(e *Envelope) { e.Corr = corr } }

// WithSeq sets the scheduler dispatch sequence.
func WithSeq(seq int64) Option { return func(e *Envelope) { e.Seq = &seq } }

// WithSessionSeq sets the windowed session sequence. Only valid on
// non-control frames (spec §4.2).
func WithSessionSeq(seq int64) Option { return func(e *Envelope) { e.SessionSeq = &seq } }

// WithAckRequest marks the envelope as requesting an acknowledgement.
func WithAckRequest() Option { return func(e *Envelope) { e.Ack = &Ack{Request: true} } }

// WithAckFor marks the envelope as acknowledging a prior envelope id.
func WithAckFor(id string) Option { return func(e *Envelope) { e.Ack = &Ack{For: id} } }

// WithFlags attaches forward-compatibility flags.
func WithFlags(flags ...string) Option { return func(e *Envelope) { e.Flags = flags } }

// Build constructs a validated envelope. payload is marshaled to JSON; pass a
// struct, map, or already-built json.RawMessage.
func Build(msgType string, tenant string, sender Sender, payload any, opts ...Option) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	e := Envelope{
		Type:    msgType,
		ID:      newID(msgType),
		TS:      time.Now().UTC(),
		Tenant:  tenant,
		Sender:  sender,
		Payload: raw,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func newID(msgType string) string {
	return fmt.Sprintf("%s-%s", msgType, uuid.NewString())
}

// Validate checks the mandatory-field invariants of spec.md §6.
func Validate(e Envelope) error {
	if e.Type == "" {
		return fmt.Errorf("envelope: type is required")
	}
	if e.ID == "" {
		return fmt.Errorf("envelope: id is required")
	}
	if e.Tenant == "" {
		return fmt.Errorf("envelope: tenant is required")
	}
	if e.Sender.ID == "" {
		return fmt.Errorf("envelope: sender.id is required")
	}
	if e.Sender.Role != RoleScheduler && e.Sender.Role != RoleWorker {
		return fmt.Errorf("envelope: sender.role must be scheduler or worker, got %q", e.Sender.Role)
	}
	if e.IsControl() && e.SessionSeq != nil {
		return fmt.Errorf("envelope: control frames must not carry session_seq")
	}
	return nil
}

// Marshal serializes the envelope to JSON bytes.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses JSON bytes into an Envelope and validates it.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodePayload unmarshals the envelope's payload into dst.
func DecodePayload(e Envelope, dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope: payload is empty")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("envelope: decode payload for type %q: %w", e.Type, err)
	}
	return nil
}
