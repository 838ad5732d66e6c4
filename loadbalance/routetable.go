package loadbalance

import "cluster-rpc/message"

// RouteTable is the routing state for one path: an ordered endpoint set in
// which every endpoint appears at most once, plus a round-robin cursor that is
// always a valid index (or zero when the set is empty).
type RouteTable struct {
	path      string
	endpoints []message.Endpoint
	members   map[message.Endpoint]struct{}
	cursor    int
}

func NewRouteTable(path string) *RouteTable {
	return &RouteTable{
		path:    path,
		members: make(map[message.Endpoint]struct{}),
	}
}

func (t *RouteTable) Path() string { return t.path }

func (t *RouteTable) Len() int { return len(t.endpoints) }

func (t *RouteTable) Contains(ep message.Endpoint) bool {
	_, ok := t.members[ep]
	return ok
}

// Replace installs set as the authoritative endpoint list, keeping its order
// and dropping repeats, and returns the endpoints that were not in the table
// before. If the endpoint under the cursor survives, the cursor follows it.
func (t *RouteTable) Replace(set []message.Endpoint) []message.Endpoint {
	var current message.Endpoint
	hadCurrent := len(t.endpoints) > 0
	if hadCurrent {
		current = t.endpoints[t.cursor]
	}

	endpoints := make([]message.Endpoint, 0, len(set))
	members := make(map[message.Endpoint]struct{}, len(set))
	var added []message.Endpoint
	for _, ep := range set {
		if _, dup := members[ep]; dup {
			continue
		}
		members[ep] = struct{}{}
		endpoints = append(endpoints, ep)
		if _, known := t.members[ep]; !known {
			added = append(added, ep)
		}
	}

	t.endpoints = endpoints
	t.members = members

	if hadCurrent {
		for i, ep := range endpoints {
			if ep == current {
				t.cursor = i
				return added
			}
		}
	}
	t.clamp()
	return added
}

// Add appends ep unless it is already present. It reports whether the table changed.
func (t *RouteTable) Add(ep message.Endpoint) bool {
	if t.Contains(ep) {
		return false
	}
	t.members[ep] = struct{}{}
	t.endpoints = append(t.endpoints, ep)
	return true
}

// Remove deletes ep and reports whether it was present. Endpoints after it
// keep their relative rotation order.
func (t *RouteTable) Remove(ep message.Endpoint) bool {
	if !t.Contains(ep) {
		return false
	}
	delete(t.members, ep)

	for i, cur := range t.endpoints {
		if cur != ep {
			continue
		}
		t.endpoints = append(t.endpoints[:i:i], t.endpoints[i+1:]...)
		if i < t.cursor {
			t.cursor--
		}
		break
	}
	t.clamp()
	return true
}

// Snapshot returns a copy of the current endpoint set.
func (t *RouteTable) Snapshot() []message.Endpoint {
	out := make([]message.Endpoint, len(t.endpoints))
	copy(out, t.endpoints)
	return out
}
