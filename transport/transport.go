// Package transport moves envelopes between nodes and tells the registrar
// which endpoints exist and when they die.
//
// A Transport combines three things:
//
//   - discovery: Announce, Withdraw and Subscribe publish and follow the
//     endpoint set of a path,
//   - liveness: Watch returns a channel closed exactly once when an endpoint
//     becomes unreachable or is withdrawn,
//   - data plane: Send delivers a Request to the node hosting an endpoint and
//     Reply delivers a Response to the calling node. Inbound envelopes go to
//     the bound Receiver.
//
// Two implementations exist: Hub/Local, an in-process cluster, and TCP, which
// pairs a discovery backend with framed TCP connections.
package transport

import (
	"context"
	"errors"

	"cluster-rpc/message"
)

var (
	ErrUnreachable = errors.New("transport: node unreachable")
	ErrClosed      = errors.New("transport: closed")
)

// Receiver consumes inbound envelopes. Both methods must return quickly: they
// run on the transport's delivery goroutines.
type Receiver interface {
	HandleRequest(req *message.Request)
	HandleResponse(resp *message.Response)
}

type Transport interface {
	// Node is the identifier other nodes use to reach this one.
	Node() string
	// Bind installs the receiver for inbound envelopes. It must be called
	// before the node announces anything.
	Bind(r Receiver)

	Announce(ctx context.Context, ep message.Endpoint) error
	Withdraw(ctx context.Context, ep message.Endpoint) error
	// Subscribe follows the authoritative endpoint set of path until ctx is done.
	Subscribe(ctx context.Context, path string) (<-chan []message.Endpoint, error)

	// Watch returns a channel that is closed once ep becomes unreachable or
	// is withdrawn. If ctx ends first the watch is dropped and the channel
	// is never closed.
	Watch(ctx context.Context, ep message.Endpoint) (<-chan struct{}, error)

	Send(ctx context.Context, ep message.Endpoint, req *message.Request) error
	Reply(ctx context.Context, node string, resp *message.Response) error

	Close() error
}

type receiverRef struct {
	r Receiver
}
