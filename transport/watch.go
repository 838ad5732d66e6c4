package transport

import (
	"context"
	"sync"

	"cluster-rpc/message"
)

// watchSet holds the pending termination watches of one transport.
type watchSet struct {
	mu sync.Mutex
	m  map[message.Endpoint]map[*watcher]struct{}
}

type watcher struct {
	ch   chan struct{}
	stop func() bool
}

func newWatchSet() *watchSet {
	return &watchSet{m: make(map[message.Endpoint]map[*watcher]struct{})}
}

// add registers a watch on ep that is dropped when ctx ends.
func (s *watchSet) add(ctx context.Context, ep message.Endpoint) <-chan struct{} {
	w := &watcher{ch: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[ep] == nil {
		s.m[ep] = make(map[*watcher]struct{})
	}
	s.m[ep][w] = struct{}{}
	w.stop = context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeLocked(ep, w)
	})
	return w.ch
}

// fired returns a channel that is already closed.
func fired() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// watchingNode reports whether any pending watch targets an endpoint of node.
func (s *watchSet) watchingNode(node string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ep := range s.m {
		if ep.Node == node {
			return true
		}
	}
	return false
}

func (s *watchSet) fire(ep message.Endpoint) {
	s.fireIf(func(cur message.Endpoint) bool { return cur == ep })
}

func (s *watchSet) fireNode(node string) {
	s.fireIf(func(cur message.Endpoint) bool { return cur.Node == node })
}

func (s *watchSet) fireAll() {
	s.fireIf(func(message.Endpoint) bool { return true })
}

func (s *watchSet) fireIf(match func(message.Endpoint) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ep, ws := range s.m {
		if !match(ep) {
			continue
		}
		for w := range ws {
			w.stop()
			close(w.ch)
		}
		delete(s.m, ep)
	}
}

func (s *watchSet) removeLocked(ep message.Endpoint, w *watcher) {
	ws := s.m[ep]
	if _, ok := ws[w]; !ok {
		return
	}
	delete(ws, w)
	if len(ws) == 0 {
		delete(s.m, ep)
	}
}

// len reports the number of pending watches.
func (s *watchSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.m {
		n += len(ws)
	}
	return n
}
