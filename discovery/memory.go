package discovery

import (
	"context"
	"sync"

	"cluster-rpc/message"
)

// Memory is a Discovery kept in process memory. Sets keep registration order.
// It backs tests and single-process clusters.
type Memory struct {
	mu     sync.Mutex
	sets   map[string][]message.Endpoint
	subs   map[string]map[*memorySub]struct{}
	closed bool
	done   chan struct{}
}

type memorySub struct {
	ch chan []message.Endpoint
}

var _ Discovery = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sets: make(map[string][]message.Endpoint),
		subs: make(map[string]map[*memorySub]struct{}),
		done: make(chan struct{}),
	}
}

func (m *Memory) Register(_ context.Context, ep message.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, cur := range m.sets[ep.Path] {
		if cur.ID == ep.ID {
			return nil
		}
	}
	m.sets[ep.Path] = append(m.sets[ep.Path], ep)
	m.notifyLocked(ep.Path)
	return nil
}

func (m *Memory) Deregister(_ context.Context, ep message.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set := m.sets[ep.Path]
	for i, cur := range set {
		if cur.ID != ep.ID {
			continue
		}
		next := make([]message.Endpoint, 0, len(set)-1)
		next = append(next, set[:i]...)
		next = append(next, set[i+1:]...)
		if len(next) == 0 {
			delete(m.sets, ep.Path)
		} else {
			m.sets[ep.Path] = next
		}
		m.notifyLocked(ep.Path)
		return nil
	}
	return nil
}

func (m *Memory) Discover(_ context.Context, path string) ([]message.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.snapshotLocked(path), nil
}

func (m *Memory) Watch(ctx context.Context, path string) (<-chan []message.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{ch: make(chan []message.Endpoint, 1)}
	if m.subs[path] == nil {
		m.subs[path] = make(map[*memorySub]struct{})
	}
	m.subs[path][sub] = struct{}{}
	offer(sub.ch, m.snapshotLocked(path))

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[path][sub]; ok {
			delete(m.subs[path], sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// Close closes every watch channel. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for _, subs := range m.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	m.subs = nil
	return nil
}

func (m *Memory) notifyLocked(path string) {
	for sub := range m.subs[path] {
		offer(sub.ch, m.snapshotLocked(path))
	}
}

func (m *Memory) snapshotLocked(path string) []message.Endpoint {
	set := m.sets[path]
	out := make([]message.Endpoint, len(set))
	copy(out, set)
	return out
}
