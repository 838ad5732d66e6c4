package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cluster-rpc/codec"
	"cluster-rpc/protocol"

	"go.uber.org/zap"
)

// peer is the outbound connection to one remote node. Requests and responses
// for that node are written to it; the only inbound traffic is the remote
// side echoing heartbeats, which is how a dead node is noticed.
//
//	goroutine-1 ──send(req)──┐
//	goroutine-2 ──send(resp)─┼──→ single TCP conn ──→ remote node
//	heartbeatLoop ───────────┘
//
//	recvLoop: ←── heartbeat echo ... read error or silence → down
type peer struct {
	node    string
	conn    net.Conn
	codec   codec.Codec
	sending sync.Mutex // frames from different goroutines must not interleave
	log     *zap.Logger

	closed atomic.Bool // set when the connection is closed on purpose
	done   chan struct{}
	onDown func(p *peer, err error)
}

func dialPeer(ctx context.Context, node string, c codec.Codec, timeout time.Duration, log *zap.Logger, onDown func(*peer, error)) (*peer, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", node)
	if err != nil {
		return nil, err
	}
	return &peer{
		node:   node,
		conn:   conn,
		codec:  c,
		log:    log.With(zap.String("peer", node)),
		done:   make(chan struct{}),
		onDown: onDown,
	}, nil
}

// start runs the heartbeat and receive loops.
func (p *peer) start(interval time.Duration) {
	go p.recvLoop(3 * interval)
	go p.heartbeatLoop(interval)
}

// send encodes v and writes it as one frame.
func (p *peer) send(ctx context.Context, mt protocol.MsgType, v any) error {
	body, err := p.codec.Encode(v)
	if err != nil {
		return err
	}
	return p.write(ctx, mt, body)
}

func (p *peer) write(ctx context.Context, mt protocol.MsgType, body []byte) error {
	p.sending.Lock()
	defer p.sending.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	} else {
		_ = p.conn.SetWriteDeadline(time.Time{})
	}
	header := protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   mt,
	}
	return protocol.Encode(p.conn, &header, body)
}

// recvLoop reads heartbeat echoes. Any read error, or no frame within
// silence, takes the peer down.
func (p *peer) recvLoop(silence time.Duration) {
	defer close(p.done)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(silence))
		if _, _, err := protocol.Decode(p.conn); err != nil {
			p.down(err)
			return
		}
	}
}

func (p *peer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := p.write(ctx, protocol.MsgTypeHeartbeat, nil)
			cancel()
			if err != nil {
				p.down(err)
				return
			}
		case <-p.done:
			return
		}
	}
}

// down reports an unexpected failure once.
func (p *peer) down(err error) {
	if p.closed.Swap(true) {
		return
	}
	p.log.Info("peer down", zap.Error(err))
	_ = p.conn.Close()
	p.onDown(p, err)
}

// close shuts the connection without reporting the peer as down.
func (p *peer) close() {
	if p.closed.Swap(true) {
		return
	}
	_ = p.conn.Close()
}
