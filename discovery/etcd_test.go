package discovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"cluster-rpc/message"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestEtcd connects to a local etcd, skipping the test when none answers.
func newTestEtcd(t *testing.T) *Etcd {
	t.Helper()
	e, err := NewEtcd(EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
		TTL:         5,
		Prefix:      "/cluster-rpc-test/" + uuid.NewString(),
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.client.Get(ctx, "/"); err != nil {
		_ = e.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	e := newTestEtcd(t)
	ctx := context.Background()

	a := message.NewEndpoint("127.0.0.1:8001", "Arith@Add")
	b := message.NewEndpoint("127.0.0.1:8002", "Arith@Add")
	require.NoError(t, e.Register(ctx, a))
	require.NoError(t, e.Register(ctx, b))

	set, err := e.Discover(ctx, "Arith@Add")
	require.NoError(t, err)
	assert.ElementsMatch(t, []message.Endpoint{a, b}, set)

	require.NoError(t, e.Deregister(ctx, a))

	set, err = e.Discover(ctx, "Arith@Add")
	require.NoError(t, err)
	assert.Equal(t, []message.Endpoint{b}, set)
}

// orphanLeases lists leases outside known that have no keys attached.
func orphanLeases(t *testing.T, e *Etcd, known map[clientv3.LeaseID]bool) []clientv3.LeaseID {
	ctx := context.Background()
	resp, err := e.client.Leases(ctx)
	require.NoError(t, err)
	var out []clientv3.LeaseID
	for _, l := range resp.Leases {
		if known[l.ID] {
			continue
		}
		ttl, err := e.client.TimeToLive(ctx, l.ID, clientv3.WithAttachedKeys())
		if err != nil || ttl.TTL <= 0 {
			continue
		}
		if len(ttl.Keys) == 0 {
			out = append(out, l.ID)
		}
	}
	return out
}

func TestEtcdFailedRegisterRevokesLease(t *testing.T) {
	e := newTestEtcd(t)
	ctx := context.Background()

	resp, err := e.client.Leases(ctx)
	require.NoError(t, err)
	known := make(map[clientv3.LeaseID]bool)
	for _, l := range resp.Leases {
		known[l.ID] = true
	}

	// above etcd's default request size limit, so Put fails after Grant
	huge := message.NewEndpoint("127.0.0.1:8001", strings.Repeat("x", 2<<20))
	require.Error(t, e.Register(ctx, huge))

	assert.Empty(t, orphanLeases(t, e, known))
	e.mu.Lock()
	assert.Empty(t, e.leases)
	e.mu.Unlock()
}

func TestEtcdWatch(t *testing.T) {
	e := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := e.Watch(ctx, "blah")
	require.NoError(t, err)
	assert.Empty(t, recvSet(t, ch))

	ep := message.NewEndpoint("127.0.0.1:8001", "blah")
	require.NoError(t, e.Register(ctx, ep))

	assert.Eventually(t, func() bool {
		select {
		case set := <-ch:
			return len(set) == 1 && set[0] == ep
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Deregister(ctx, ep))
	assert.Eventually(t, func() bool {
		select {
		case set := <-ch:
			return len(set) == 0
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEtcdIgnoresNestedPaths(t *testing.T) {
	e := newTestEtcd(t)
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, message.NewEndpoint("n", "a/b")))
	set, err := e.Discover(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, set)
}
