package transport_test

import (
	"context"
	"testing"
	"time"

	"cluster-rpc/discovery"
	"cluster-rpc/message"
	"cluster-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	reqs  chan *message.Request
	resps chan *message.Response
}

func newRecorder() *recorder {
	return &recorder{
		reqs:  make(chan *message.Request, 16),
		resps: make(chan *message.Response, 16),
	}
}

func (r *recorder) HandleRequest(req *message.Request)    { r.reqs <- req }
func (r *recorder) HandleResponse(resp *message.Response) { r.resps <- resp }

func newTCP(t *testing.T, disc discovery.Discovery, codec string) (*transport.TCP, *recorder) {
	t.Helper()
	return newTCPWith(t, disc, transport.TCPConfig{Codec: codec})
}

func newTCPWith(t *testing.T, disc discovery.Discovery, cfg transport.TCPConfig) (*transport.TCP, *recorder) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.Logger = zaptest.NewLogger(t)
	tr, err := transport.NewTCP(cfg, disc)
	require.NoError(t, err)
	rec := newRecorder()
	tr.Bind(rec)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec
}

func recvReq(t *testing.T, ch <-chan *message.Request) *message.Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
		return nil
	}
}

func recvResp(t *testing.T, ch <-chan *message.Response) *message.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
		return nil
	}
}

func TestTCPRequestResponse(t *testing.T) {
	for _, codec := range []string{"json", "binary"} {
		t.Run(codec, func(t *testing.T) {
			disc := discovery.NewMemory()
			a, ra := newTCP(t, disc, codec)
			b, rb := newTCP(t, disc, codec)
			ctx := context.Background()

			ep := message.NewEndpoint(a.Node(), "blah")
			require.NoError(t, a.Announce(ctx, ep))

			req, err := message.NewRequest(11, "blah", "", b.Node(), "hello world!")
			require.NoError(t, err)
			require.NoError(t, b.Send(ctx, ep, req.WithTarget(ep)))

			got := recvReq(t, ra.reqs)
			assert.Equal(t, uint64(11), got.ID)
			assert.Equal(t, ep, got.Target)
			assert.Equal(t, b.Node(), got.ReplyTo)
			var s string
			require.NoError(t, got.Arg(0, &s))
			assert.Equal(t, "hello world!", s)

			resp := &message.Response{ID: 11, Responder: ep, Value: []byte(`"HELLO WORLD!"`)}
			require.NoError(t, a.Reply(ctx, got.ReplyTo, resp))

			back := recvResp(t, rb.resps)
			assert.Equal(t, uint64(11), back.ID)
			assert.Equal(t, ep, back.Responder)
			require.NoError(t, back.Decode(&s))
			assert.Equal(t, "HELLO WORLD!", s)
		})
	}
}

func TestTCPSendToSelf(t *testing.T) {
	a, ra := newTCP(t, discovery.NewMemory(), "json")
	ctx := context.Background()

	ep := message.NewEndpoint(a.Node(), "blah")
	require.NoError(t, a.Announce(ctx, ep))
	require.NoError(t, a.Send(ctx, ep, &message.Request{ID: 3, Target: ep}))
	assert.Equal(t, uint64(3), recvReq(t, ra.reqs).ID)

	require.NoError(t, a.Reply(ctx, a.Node(), &message.Response{ID: 3}))
	assert.Equal(t, uint64(3), recvResp(t, ra.resps).ID)
}

func TestTCPSubscribe(t *testing.T) {
	disc := discovery.NewMemory()
	a, _ := newTCP(t, disc, "json")
	b, _ := newTCP(t, disc, "json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "blah")
	require.NoError(t, err)
	assert.Empty(t, <-ch)

	ep := message.NewEndpoint(a.Node(), "blah")
	require.NoError(t, a.Announce(ctx, ep))
	assert.Equal(t, []message.Endpoint{ep}, <-ch)
}

func TestTCPWatchFiresWhenPeerCloses(t *testing.T) {
	disc := discovery.NewMemory()
	a, _ := newTCP(t, disc, "json")
	b, _ := newTCP(t, disc, "json")
	ctx := context.Background()

	ep := message.NewEndpoint(a.Node(), "blah")
	require.NoError(t, a.Announce(ctx, ep))

	w, err := b.Watch(ctx, ep)
	require.NoError(t, err)
	select {
	case <-w:
		t.Fatal("watch fired while peer is alive")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, a.Close())
	select {
	case <-w:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire after peer closed")
	}

	err = b.Send(ctx, ep, &message.Request{})
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestTCPWatchSurvivesPeerEviction(t *testing.T) {
	disc := discovery.NewMemory()
	a, _ := newTCPWith(t, disc, transport.TCPConfig{Codec: "json", MaxPeers: 1})
	b, rb := newTCP(t, disc, "json")
	c, rc := newTCP(t, disc, "json")
	ctx := context.Background()

	epB := message.NewEndpoint(b.Node(), "blah")
	epC := message.NewEndpoint(c.Node(), "blah")
	require.NoError(t, b.Announce(ctx, epB))
	require.NoError(t, c.Announce(ctx, epC))

	w, err := a.Watch(ctx, epB)
	require.NoError(t, err)

	// the only cache slot goes to c; b stays connected because it is watched
	require.NoError(t, a.Send(ctx, epC, &message.Request{ID: 1, Target: epC}))
	assert.Equal(t, uint64(1), recvReq(t, rc.reqs).ID)

	// and b is taken back into the cache on the next send
	require.NoError(t, a.Send(ctx, epB, &message.Request{ID: 2, Target: epB}))
	assert.Equal(t, uint64(2), recvReq(t, rb.reqs).ID)
	require.NoError(t, a.Send(ctx, epC, &message.Request{ID: 3, Target: epC}))
	assert.Equal(t, uint64(3), recvReq(t, rc.reqs).ID)

	select {
	case <-w:
		t.Fatal("watch fired while b is alive")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	select {
	case <-w:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire after evicted peer died")
	}
}

func TestTCPWatchLocalWithdraw(t *testing.T) {
	a, _ := newTCP(t, discovery.NewMemory(), "json")
	ctx := context.Background()

	ep := message.NewEndpoint(a.Node(), "blah")
	require.NoError(t, a.Announce(ctx, ep))
	w, err := a.Watch(ctx, ep)
	require.NoError(t, err)

	require.NoError(t, a.Withdraw(ctx, ep))
	select {
	case <-w:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire on withdraw")
	}
}

func TestTCPUnreachable(t *testing.T) {
	a, _ := newTCP(t, discovery.NewMemory(), "json")
	ctx := context.Background()

	// nothing listens on port 1
	ghost := message.NewEndpoint("127.0.0.1:1", "blah")
	err := a.Send(ctx, ghost, &message.Request{})
	assert.ErrorIs(t, err, transport.ErrUnreachable)

	w, err := a.Watch(ctx, ghost)
	require.NoError(t, err)
	select {
	case <-w:
	default:
		t.Fatal("watch on an unreachable endpoint must fire immediately")
	}
}

func TestTCPOverEtcd(t *testing.T) {
	disc, err := discovery.NewEtcd(discovery.EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
		Prefix:      "/cluster-rpc-transport-test/",
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := disc.Discover(ctx, "reachability"); err != nil {
		_ = disc.Close()
		t.Skipf("etcd not reachable: %v", err)
	}

	a, _ := newTCP(t, disc, "binary")
	ep := message.NewEndpoint(a.Node(), "etcd-blah")
	require.NoError(t, a.Announce(context.Background(), ep))

	set, err := disc.Discover(context.Background(), "etcd-blah")
	require.NoError(t, err)
	assert.Contains(t, set, ep)

	require.NoError(t, a.Withdraw(context.Background(), ep))
	set, err = disc.Discover(context.Background(), "etcd-blah")
	require.NoError(t, err)
	assert.NotContains(t, set, ep)
}
