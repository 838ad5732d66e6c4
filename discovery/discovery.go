// Package discovery publishes and looks up the endpoints serving a path.
//
// An endpoint is announced under its path and stays visible until it is
// deregistered or its owner disappears (for etcd: the lease expires). Watchers
// receive the full, authoritative endpoint set every time it changes; sets are
// never diffs.
package discovery

import (
	"context"
	"errors"

	"cluster-rpc/message"
)

// ErrClosed is returned by operations on a closed Discovery.
var ErrClosed = errors.New("discovery: closed")

// Discovery is the announce/subscribe half of the cluster transport.
type Discovery interface {
	// Register announces ep under ep.Path.
	Register(ctx context.Context, ep message.Endpoint) error
	// Deregister removes the announcement of ep. Removing an unknown endpoint is not an error.
	Deregister(ctx context.Context, ep message.Endpoint) error
	// Discover returns the endpoints currently announced under path.
	Discover(ctx context.Context, path string) ([]message.Endpoint, error)
	// Watch emits the current set for path, then every later change. Slow
	// readers only see the latest set. The channel is closed when ctx is done
	// or the Discovery is closed.
	Watch(ctx context.Context, path string) (<-chan []message.Endpoint, error)
	Close() error
}

// offer replaces whatever set is still waiting in ch with set. ch must have
// capacity 1 and a single sender.
func offer(ch chan []message.Endpoint, set []message.Endpoint) {
	select {
	case ch <- set:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- set
}
