// Package loadbalance keeps the per-path endpoint sets used for routing.
//
// A RouteTable holds the ordered, duplicate-free set of live endpoints for one
// path and rotates through them round robin. Tables are not goroutine-safe:
// each one is owned by a single goroutine (the node's registrar), which is the
// only writer and the only reader.
package loadbalance

import "errors"

// ErrNoEndpoints is returned by Next when the table is empty.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")
