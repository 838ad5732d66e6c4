package loadbalance

import (
	"errors"
	"testing"

	"cluster-rpc/message"
)

func endpoints(n int) []message.Endpoint {
	eps := make([]message.Endpoint, n)
	for i := range eps {
		eps[i] = message.NewEndpoint("node", "blah")
	}
	return eps
}

func TestRoundRobin(t *testing.T) {
	eps := endpoints(3)
	rt := NewRouteTable("blah")
	rt.Replace(eps)

	// N picks visit every endpoint once
	seen := map[message.Endpoint]int{}
	results := make([]message.Endpoint, 3)
	for i := 0; i < 3; i++ {
		ep, err := rt.Next()
		if err != nil {
			t.Fatal(err)
		}
		seen[ep]++
		results[i] = ep
	}
	if len(seen) != 3 {
		t.Fatalf("expect 3 distinct endpoints, got %d", len(seen))
	}

	// then wraps around to the first
	ep, _ := rt.Next()
	if ep != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], ep)
	}
}

func TestRoundRobinNoConsecutiveRepeat(t *testing.T) {
	rt := NewRouteTable("blah")
	rt.Replace(endpoints(2))

	prev, _ := rt.Next()
	for i := 0; i < 10; i++ {
		ep, _ := rt.Next()
		if ep == prev {
			t.Fatalf("pick %d repeated %s", i, ep)
		}
		prev = ep
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	rt := NewRouteTable("blah")
	if _, err := rt.Next(); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestReplaceCollapsesDuplicates(t *testing.T) {
	eps := endpoints(2)
	rt := NewRouteTable("blah")

	added := rt.Replace([]message.Endpoint{eps[0], eps[1], eps[0]})
	if rt.Len() != 2 {
		t.Fatalf("expect 2 endpoints, got %d", rt.Len())
	}
	if len(added) != 2 {
		t.Fatalf("expect 2 added, got %d", len(added))
	}

	added = rt.Replace([]message.Endpoint{eps[1], eps[0]})
	if len(added) != 0 {
		t.Fatalf("expect nothing new, got %v", added)
	}
	snap := rt.Snapshot()
	if snap[0] != eps[1] || snap[1] != eps[0] {
		t.Fatalf("authoritative order not kept: %v", snap)
	}
}

func TestReplaceKeepsCursorOnSurvivor(t *testing.T) {
	eps := endpoints(3)
	rt := NewRouteTable("blah")
	rt.Replace(eps)

	rt.Next() // cursor now on eps[1]
	rt.Replace([]message.Endpoint{eps[2], eps[1]})

	ep, _ := rt.Next()
	if ep != eps[1] {
		t.Fatalf("expect cursor to follow %s, got %s", eps[1], ep)
	}
}

func TestReplaceClampsCursor(t *testing.T) {
	eps := endpoints(4)
	rt := NewRouteTable("blah")
	rt.Replace(eps)
	for i := 0; i < 3; i++ {
		rt.Next()
	}

	// cursor endpoint eps[3] disappears
	rt.Replace(eps[:2])
	if _, err := rt.Next(); err != nil {
		t.Fatal(err)
	}

	rt.Replace(nil)
	if rt.Len() != 0 {
		t.Fatalf("expect empty table")
	}
	if _, err := rt.Next(); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	eps := endpoints(3)
	rt := NewRouteTable("blah")
	rt.Replace(eps)

	rt.Next()
	rt.Next() // cursor on eps[2]

	if !rt.Remove(eps[0]) {
		t.Fatal("expect eps[0] removed")
	}
	if rt.Remove(eps[0]) {
		t.Fatal("second remove must report false")
	}
	if rt.Contains(eps[0]) {
		t.Fatal("removed endpoint still present")
	}

	ep, _ := rt.Next()
	if ep != eps[2] {
		t.Fatalf("expect rotation to continue at %s, got %s", eps[2], ep)
	}

	rt.Remove(eps[2])
	rt.Remove(eps[1])
	if _, err := rt.Next(); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestAdd(t *testing.T) {
	eps := endpoints(1)
	rt := NewRouteTable("blah")
	if !rt.Add(eps[0]) {
		t.Fatal("expect first add to change the table")
	}
	if rt.Add(eps[0]) {
		t.Fatal("duplicate add must be a no-op")
	}
	if rt.Len() != 1 {
		t.Fatalf("expect 1 endpoint, got %d", rt.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	eps := endpoints(2)
	rt := NewRouteTable("blah")
	rt.Replace(eps)

	snap := rt.Snapshot()
	rt.Remove(eps[0])
	if len(snap) != 2 {
		t.Fatalf("snapshot changed with the table: %v", snap)
	}
}
