// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package core contains the notification bus types: envelopes, topics,
// the group registry and the fanout dispatcher.
package core

import (
	"bytes"
	"encoding/json"

	"github.com/samber/oops"
)

// Kind identifies the kind of envelope. It is sent as the "type" field.
type Kind string

const (
	KindAuthRequired Kind = "auth_required"
	KindAuthenticate Kind = "authenticate"
	KindAuthSuccess  Kind = "auth_success"
	KindAuthFail     Kind = "auth_fail"
	KindNotify       Kind = "notify"
)

// Envelope is the unit of delivery. The wire form is encoded once at
// construction and never changes, so one envelope can be handed to any
// number of connections concurrently.
type Envelope struct {
	kind Kind
	wire string
}

// NewEnvelope builds an envelope of the given kind. The payload must encode
// to a JSON object (or be nil); its fields are placed next to "type".
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	if kind == "" {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").Errorf("envelope kind cannot be empty")
	}

	header, err := json.Marshal(struct {
		Type Kind `json:"type"`
	}{kind})
	if err != nil {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").With("kind", kind).Wrap(err)
	}
	if payload == nil {
		return Envelope{kind: kind, wire: string(header)}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").With("kind", kind).Wrap(err)
	}
	return mergeObject(kind, header, body)
}

// MustEnvelope is NewEnvelope for payloads known to be valid, such as the
// fixed handshake replies.
func MustEnvelope(kind Kind, payload any) Envelope {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func mergeObject(kind Kind, header, body []byte) (Envelope, error) {
	body = bytes.TrimSpace(body)
	if bytes.Equal(body, []byte("null")) {
		return Envelope{kind: kind, wire: string(header)}, nil
	}
	if len(body) < 2 || body[0] != '{' {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").
			With("kind", kind).
			Errorf("envelope payload must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").With("kind", kind).Wrap(err)
	}
	if _, clash := fields["type"]; clash {
		return Envelope{}, oops.Code("ENVELOPE_INVALID").
			With("kind", kind).
			Errorf("envelope payload cannot carry its own type field")
	}

	inner := bytes.TrimSpace(body[1 : len(body)-1])
	if len(inner) == 0 {
		return Envelope{kind: kind, wire: string(header)}, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(inner) + 1)
	buf.Write(header[:len(header)-1])
	buf.WriteByte(',')
	buf.Write(inner)
	buf.WriteByte('}')
	return Envelope{kind: kind, wire: buf.String()}, nil
}

// Kind returns the envelope kind.
func (e Envelope) Kind() Kind {
	return e.kind
}

// IsZero reports whether e was never constructed.
func (e Envelope) IsZero() bool {
	return e.wire == ""
}

// Bytes returns a fresh copy of the wire form.
func (e Envelope) Bytes() []byte {
	return []byte(e.wire)
}

// String returns the wire form.
func (e Envelope) String() string {
	return e.wire
}

// MarshalJSON returns the wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return []byte("null"), nil
	}
	return e.Bytes(), nil
}

// UnmarshalJSON accepts a wire-form object with a non-empty "type".
// A JSON null leaves e unchanged.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return oops.Code("ENVELOPE_INVALID").Wrap(err)
	}
	if head.Type == "" {
		return oops.Code("ENVELOPE_INVALID").Errorf("envelope is missing type")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return oops.Code("ENVELOPE_INVALID").Wrap(err)
	}
	e.kind = head.Type
	e.wire = compact.String()
	return nil
}

// Frame is an inbound client frame. Only the handshake reads frames;
// unknown fields are ignored.
type Frame struct {
	Type  Kind   `json:"type"`
	Token string `json:"token,omitempty"`
}

// ParseFrame decodes an inbound frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, oops.Code("FRAME_MALFORMED").Wrap(err)
	}
	if f.Type == "" {
		return Frame{}, oops.Code("FRAME_MALFORMED").Errorf("frame is missing type")
	}
	return f, nil
}
