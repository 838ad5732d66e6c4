// Package message defines the envelopes exchanged between nodes of the cluster.
//
// A Request is routed by path to one live Endpoint; the Endpoint answers with a
// Response carrying the same ID. Both envelopes are serialized by the codec layer
// and wrapped in a protocol frame when they cross a TCP connection.
//
// Envelopes are treated as immutable once built: code that needs a variation
// (for instance a Request addressed to a chosen Endpoint) makes a copy.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Endpoint addresses one registered service instance somewhere in the cluster.
// It is comparable and is used as a set member and map key by the route tables.
type Endpoint struct {
	ID   string `json:"id"`   // unique per registration
	Node string `json:"node"` // node that hosts the instance
	Path string `json:"path"` // the single path this instance serves
}

// NewEndpoint allocates a fresh endpoint identity for path on node.
func NewEndpoint(node, path string) Endpoint {
	return Endpoint{
		ID:   uuid.NewString(),
		Node: node,
		Path: path,
	}
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s[%s]@%s", e.Path, e.ID, e.Node)
}

// Request carries one call.
//
//   - Path selects the service, Method names the call shape inside it (may be empty
//     for plain path handlers).
//   - Args holds one JSON document per argument.
//   - ReplyTo is the node that waits for the Response.
//   - Target is filled in by the routing node once an endpoint has been selected.
type Request struct {
	ID      uint64            `json:"id"`
	Path    string            `json:"path"`
	Method  string            `json:"method,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	ReplyTo string            `json:"reply_to"`
	Target  Endpoint          `json:"target"`
}

// NewRequest builds a Request, encoding every argument as JSON.
func NewRequest(id uint64, path, method, replyTo string, args ...any) (*Request, error) {
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("message: encode argument %d: %w", i, err)
		}
		encoded[i] = raw
	}
	return &Request{
		ID:      id,
		Path:    path,
		Method:  method,
		Args:    encoded,
		ReplyTo: replyTo,
	}, nil
}

// WithTarget returns a copy of r addressed to ep.
func (r *Request) WithTarget(ep Endpoint) *Request {
	cp := *r
	cp.Target = ep
	return &cp
}

// NumArgs returns the number of encoded arguments.
func (r *Request) NumArgs() int {
	return len(r.Args)
}

// Arg decodes argument i into v.
func (r *Request) Arg(i int, v any) error {
	if i < 0 || i >= len(r.Args) {
		return fmt.Errorf("message: argument %d out of range (have %d)", i, len(r.Args))
	}
	if err := json.Unmarshal(r.Args[i], v); err != nil {
		return fmt.Errorf("message: decode argument %d: %w", i, err)
	}
	return nil
}

// FailureKind classifies a failed Response so the caller can map it back to
// the matching error.
type FailureKind uint8

const (
	FailureHandler     FailureKind = 1 // the handler returned an error or panicked
	FailureUnavailable FailureKind = 2 // no live entry for the request
	FailureTimeout     FailureKind = 3 // the entry gave up waiting on its handler
	FailureOverloaded  FailureKind = 4 // the entry shed the request
)

func (k FailureKind) String() string {
	switch k {
	case FailureHandler:
		return "handler"
	case FailureUnavailable:
		return "unavailable"
	case FailureTimeout:
		return "timeout"
	case FailureOverloaded:
		return "overloaded"
	default:
		return fmt.Sprintf("failure(%d)", uint8(k))
	}
}

// Failure describes why a call did not produce a value.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Response answers the Request with the same ID.
//
//   - On success: Value holds the JSON encoded result (nil for calls without a result).
//   - On failure: Failure is set and Value is empty.
type Response struct {
	ID        uint64          `json:"id"`
	Responder Endpoint        `json:"responder"`
	Value     json.RawMessage `json:"value,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
}

// Fail builds a failed Response. ID and Responder are stamped by the entry.
func Fail(kind FailureKind, format string, args ...any) *Response {
	return &Response{
		Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// OK reports whether the response carries a value rather than a failure.
func (r *Response) OK() bool {
	return r.Failure == nil
}

// Decode unmarshals the response value into v. A response without a value
// leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}
