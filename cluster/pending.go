package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cluster-rpc/message"

	"github.com/benbjohnson/clock"
)

// pending tracks in-flight calls by correlation id. A call is resolved by
// whichever of response, timeout or routing failure comes first; the loser
// finds the id already gone.
type pending struct {
	clock   clock.Clock
	metrics *metrics
	seq     atomic.Uint64
	calls   sync.Map // uint64 -> *call
}

type call struct {
	path  string
	fut   *Future[*message.Response]
	timer atomic.Pointer[clock.Timer]
}

func newPending(clk clock.Clock, m *metrics) *pending {
	return &pending{clock: clk, metrics: m}
}

// add registers a call on path that fails with ErrTimeout after timeout.
func (p *pending) add(path string, timeout time.Duration) (uint64, *Future[*message.Response]) {
	id := p.seq.Add(1)
	c := &call{path: path, fut: newFuture[*message.Response]()}
	p.calls.Store(id, c)
	c.timer.Store(p.clock.AfterFunc(timeout, func() {
		p.fail(id, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	}))
	return id, c.fut
}

// resolve completes the call answered by resp. It reports false for a
// response nobody is waiting for any more.
func (p *pending) resolve(resp *message.Response) bool {
	c, ok := p.take(resp.ID)
	if !ok {
		return false
	}
	err := responseError(resp)
	if err != nil {
		p.metrics.failed(c.path, err)
	}
	c.fut.complete(resp, err)
	return true
}

func (p *pending) fail(id uint64, err error) bool {
	c, ok := p.take(id)
	if !ok {
		return false
	}
	p.metrics.failed(c.path, err)
	c.fut.complete(nil, err)
	return true
}

func (p *pending) failAll(err error) {
	p.calls.Range(func(key, _ any) bool {
		p.fail(key.(uint64), err)
		return true
	})
}

func (p *pending) len() int {
	n := 0
	p.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (p *pending) take(id uint64) (*call, bool) {
	v, ok := p.calls.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	c := v.(*call)
	if t := c.timer.Load(); t != nil {
		t.Stop()
	}
	return c, true
}
