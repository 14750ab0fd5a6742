// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package message defines the values exchanged by counter processes.
//
// A request to a process carries a [Payload], a single-key JSON object whose
// key names the [Variant] and whose value is the message text:
//
//	{"PingLocal": "hello"}
//
// The reply is a [Result], either {"Ok": <snapshot>} or {"Err": "text"}.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/pingnode/counter"
)

// Placeholder is the text recorded in place of an empty message.
const Placeholder = "(empty message)"

// Normalize trims leading and trailing space from s, and returns Placeholder
// if the result is empty.
func Normalize(s string) string {
	if t := strings.TrimSpace(s); t != "" {
		return t
	}
	return Placeholder
}

// A Variant selects the handler that a payload is delivered to.
type Variant int

const (
	PingLocal  Variant = iota + 1 // record on the local channel of the receiver
	PingRemote                    // record on the remote channel of the receiver
)

func (v Variant) String() string {
	switch v {
	case PingLocal:
		return "PingLocal"
	case PingRemote:
		return "PingRemote"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant returns the variant with the given tag.
func ParseVariant(tag string) (Variant, error) {
	switch tag {
	case "PingLocal":
		return PingLocal, nil
	case "PingRemote":
		return PingRemote, nil
	}
	return 0, fmt.Errorf("unknown variant %q", tag)
}

// A Payload is the request body delivered to a counter process.
type Payload struct {
	Variant Variant
	Message string
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Variant {
	case PingLocal, PingRemote:
		return json.Marshal(map[string]string{p.Variant.String(): p.Message})
	}
	return nil, fmt.Errorf("invalid variant %v", p.Variant)
}

// UnmarshalJSON implements json.Unmarshaler. The input must be an object
// with exactly one key naming a known variant, whose value is a string.
func (p *Payload) UnmarshalJSON(data []byte) error {
	tag, val, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	v, err := ParseVariant(tag)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var msg string
	if err := json.Unmarshal(val, &msg); err != nil {
		return fmt.Errorf("decode %s payload: %w", v, err)
	}
	p.Variant, p.Message = v, msg
	return nil
}

// singleKey decodes data as a JSON object with exactly one key, and returns
// that key and its undecoded value.
func singleKey(data []byte) (string, json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, err
	}
	if obj == nil {
		return "", nil, errors.New("expected an object, got null")
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("expected exactly one key, got %d", len(obj))
	}
	for k, v := range obj {
		return k, v, nil
	}
	panic("unreachable")
}

// A PingRequest is the body of an external ping. A missing message is
// treated as empty.
type PingRequest struct {
	Message *string `json:"message,omitempty"`
}

// Text returns the message text of r, or "" if it has none.
func (r PingRequest) Text() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// A Mode selects how a SendMessageRequest is delivered.
type Mode string

const (
	// ModeLocal delivers a PingLocal payload to the sending node.
	ModeLocal Mode = "local"

	// ModeRemote delivers a PingRemote payload to the target node, or to the
	// sending node if no target is given.
	ModeRemote Mode = "remote"

	// ModeRemoteMismatch delivers a PingLocal payload to the target node,
	// which is required. The receiver records it on its local channel.
	ModeRemoteMismatch Mode = "remote-mismatch"
)

// A SendMessageRequest asks a process to originate a message.
type SendMessageRequest struct {
	Mode       Mode    `json:"mode"`
	Message    string  `json:"message"`
	TargetNode *string `json:"target_node,omitempty"`
}

// Target returns the trimmed target node of r, or "" if it has none.
func (r SendMessageRequest) Target() string {
	if r.TargetNode == nil {
		return ""
	}
	return strings.TrimSpace(*r.TargetNode)
}

// A Result is the reply to a Payload. Exactly one of its fields is set.
type Result struct {
	Ok  *counter.Snapshot
	Err *string
}

// OK returns a successful result carrying s.
func OK(s counter.Snapshot) Result { return Result{Ok: &s} }

// Failed returns an error result with the given text.
func Failed(text string) Result { return Result{Err: &text} }

// Unpack returns the snapshot from a successful result, or an error of kind
// KindRemote whose text is exactly the text of an error result.
func (r Result) Unpack() (counter.Snapshot, error) {
	switch {
	case r.Err != nil:
		return counter.Snapshot{}, &Error{Kind: KindRemote, Message: *r.Err}
	case r.Ok != nil:
		return *r.Ok, nil
	}
	return counter.Snapshot{}, Errorf(KindDecode, "empty result")
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	switch {
	case r.Ok != nil && r.Err != nil:
		return nil, errors.New("result has both a value and an error")
	case r.Ok != nil:
		return json.Marshal(struct {
			Ok *counter.Snapshot `json:"Ok"`
		}{r.Ok})
	case r.Err != nil:
		return json.Marshal(struct {
			Err *string `json:"Err"`
		}{r.Err})
	}
	return nil, errors.New("empty result")
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	tag, val, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	switch tag {
	case "Ok":
		var s counter.Snapshot
		if err := json.Unmarshal(val, &s); err != nil {
			return fmt.Errorf("decode result value: %w", err)
		}
		*r = Result{Ok: &s}
	case "Err":
		var text string
		if err := json.Unmarshal(val, &text); err != nil {
			return fmt.Errorf("decode result error: %w", err)
		}
		*r = Result{Err: &text}
	default:
		return fmt.Errorf("decode result: unknown key %q", tag)
	}
	return nil
}
