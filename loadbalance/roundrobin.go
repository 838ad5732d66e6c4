package loadbalance

import "cluster-rpc/message"

// Next returns the endpoint under the cursor and advances the cursor modulo
// the set size. Over any N consecutive calls on an unchanged table of N
// endpoints every endpoint is returned exactly once.
func (t *RouteTable) Next() (message.Endpoint, error) {
	if len(t.endpoints) == 0 {
		return message.Endpoint{}, ErrNoEndpoints
	}
	ep := t.endpoints[t.cursor]
	t.cursor = (t.cursor + 1) % len(t.endpoints)
	return ep, nil
}

// Name returns the strategy name (for logging/debugging).
func (t *RouteTable) Name() string {
	return "RoundRobin"
}

// clamp brings the cursor back into range after the set shrank.
func (t *RouteTable) clamp() {
	if len(t.endpoints) == 0 {
		t.cursor = 0
		return
	}
	t.cursor %= len(t.endpoints)
}
