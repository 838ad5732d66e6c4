package cluster

import (
	"context"
	"time"

	"cluster-rpc/message"
	"cluster-rpc/server"
)

// Events consumed by the registrar loop, one at a time, in arrival order.

// registrationEvent binds handler to path on this node.
type registrationEvent struct {
	path    string
	handler server.Handler
	reply   chan *localReg
}

// deregistrationEvent unbinds the local endpoint ep.
type deregistrationEvent struct {
	ep    message.Endpoint
	reply chan *localReg
}

// discoveryEvent carries the authoritative endpoint set of path.
type discoveryEvent struct {
	path string
	set  []message.Endpoint
}

// subscriptionLostEvent reports that following path failed or ended.
type subscriptionLostEvent struct {
	path string
	sub  *subscription
}

// subscription is one attempt at following a path's endpoint set.
type subscription struct {
	cancel context.CancelFunc
}

// requestEvent routes one call. fail resolves the pending call; it is safe
// to call after the call was already resolved.
type requestEvent struct {
	req      *message.Request
	deadline time.Time
	fail     func(error)
}

// terminatedEvent reports that a watched endpoint became unreachable.
type terminatedEvent struct {
	ep message.Endpoint
}

// routesEvent asks for a snapshot of path's endpoint set.
type routesEvent struct {
	path  string
	reply chan []message.Endpoint
}

// awaitEvent asks to be told when path has at least one endpoint.
type awaitEvent struct {
	path  string
	ready chan struct{}
}
