package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cluster-rpc/message"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EtcdConfig configures an Etcd discovery backend.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// TTL is the lease time-to-live in seconds. An endpoint whose node stops
	// renewing disappears after at most TTL.
	TTL    int64  `yaml:"ttl"`
	Prefix string `yaml:"prefix"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *EtcdConfig) withDefaults() EtcdConfig {
	cfg := *c
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"localhost:2379"}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/cluster-rpc/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Etcd stores announcements in etcd:
//
//	Key:   {Prefix}{Path}/{EndpointID}
//	Value: JSON-encoded message.Endpoint
//
// Every announcement carries its own lease, renewed with KeepAlive for as long
// as it is registered. If the node dies the lease expires and the key goes
// away, which watchers see as an ordinary discovery update.
type Etcd struct {
	client *clientv3.Client
	cfg    EtcdConfig
	log    *zap.Logger

	ctx    context.Context // parent of every KeepAlive stream
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]etcdLease // endpoint ID -> lease
}

type etcdLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

var _ Discovery = (*Etcd)(nil)

// NewEtcd connects to the configured etcd cluster.
func NewEtcd(c EtcdConfig) (*Etcd, error) {
	cfg := c.withDefaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		client: cli,
		cfg:    cfg,
		log:    cfg.Logger.Named("discovery"),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]etcdLease),
	}, nil
}

func (e *Etcd) pathPrefix(path string) string {
	return e.cfg.Prefix + path + "/"
}

// Register grants a lease, writes the endpoint under it and keeps the lease
// alive until Deregister or Close.
func (e *Etcd) Register(ctx context.Context, ep message.Endpoint) error {
	if err := e.ctx.Err(); err != nil {
		return ErrClosed
	}

	lease, err := e.client.Grant(ctx, e.cfg.TTL)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return e.abandon(lease.ID, err)
	}
	if _, err := e.client.Put(ctx, e.pathPrefix(ep.Path)+ep.ID, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return e.abandon(lease.ID, fmt.Errorf("discovery: put %s: %w", ep, err))
	}

	kaCtx, kaCancel := context.WithCancel(e.ctx)
	ch, err := e.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return e.abandon(lease.ID, fmt.Errorf("discovery: keepalive: %w", err))
	}
	go func() {
		for range ch {
		}
		e.log.Debug("keepalive stopped", zap.Stringer("endpoint", ep))
	}()

	e.mu.Lock()
	prev, had := e.leases[ep.ID]
	e.leases[ep.ID] = etcdLease{id: lease.ID, cancel: kaCancel}
	e.mu.Unlock()
	if had {
		prev.cancel()
	}

	e.log.Debug("registered", zap.Stringer("endpoint", ep), zap.Int64("lease", int64(lease.ID)))
	return nil
}

// abandon revokes a lease whose registration failed and returns cause. The
// caller's context may be the reason for the failure, so revoking gets its own.
func (e *Etcd) abandon(id clientv3.LeaseID, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, id); err != nil {
		return multierr.Append(cause, fmt.Errorf("discovery: revoke abandoned lease: %w", err))
	}
	return cause
}

// Deregister revokes the endpoint's lease, which deletes its key.
func (e *Etcd) Deregister(ctx context.Context, ep message.Endpoint) error {
	e.mu.Lock()
	l, ok := e.leases[ep.ID]
	delete(e.leases, ep.ID)
	e.mu.Unlock()

	if !ok {
		_, err := e.client.Delete(ctx, e.pathPrefix(ep.Path)+ep.ID)
		return err
	}
	l.cancel()
	if _, err := e.client.Revoke(ctx, l.id); err != nil {
		return fmt.Errorf("discovery: revoke %s: %w", ep, err)
	}
	e.log.Debug("deregistered", zap.Stringer("endpoint", ep))
	return nil
}

// Discover lists the endpoints under path, in key order.
func (e *Etcd) Discover(ctx context.Context, path string) ([]message.Endpoint, error) {
	set, _, err := e.discover(ctx, path)
	return set, err
}

func (e *Etcd) discover(ctx context.Context, path string) ([]message.Endpoint, int64, error) {
	resp, err := e.client.Get(ctx, e.pathPrefix(path), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: get %s: %w", path, err)
	}

	set := make([]message.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep message.Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			e.log.Warn("skipping malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		// a path containing '/' shares its prefix with deeper paths
		if ep.Path != path {
			continue
		}
		set = append(set, ep)
	}
	return set, resp.Header.Revision, nil
}

// Watch pushes the full set for path after every change under its prefix.
func (e *Etcd) Watch(ctx context.Context, path string) (<-chan []message.Endpoint, error) {
	if err := e.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	initial, rev, err := e.discover(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make(chan []message.Endpoint, 1)
	out <- initial

	wctx, wcancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-e.ctx.Done():
			wcancel()
		case <-wctx.Done():
		}
	}()

	go func() {
		defer close(out)
		defer wcancel()

		wch := e.client.Watch(wctx, e.pathPrefix(path), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				e.log.Warn("watch error", zap.String("path", path), zap.Error(err))
				continue
			}
			set, err := e.Discover(wctx, path)
			if err != nil {
				if wctx.Err() != nil {
					return
				}
				e.log.Warn("rediscover failed", zap.String("path", path), zap.Error(err))
				continue
			}
			offer(out, set)
		}
	}()

	return out, nil
}

// Close revokes every lease still held and closes the etcd client.
func (e *Etcd) Close() error {
	e.cancel()

	e.mu.Lock()
	leases := e.leases
	e.leases = make(map[string]etcdLease)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()

	var err error
	for _, l := range leases {
		l.cancel()
		if _, rerr := e.client.Revoke(ctx, l.id); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return multierr.Append(err, e.client.Close())
}
