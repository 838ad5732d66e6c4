package cluster

import (
	"context"

	"cluster-rpc/discovery"
	"cluster-rpc/transport"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a *Registry built from a Config and a transport.Transport
// found in the graph. The Registry starts and closes with the fx app.
var Module = fx.Module("cluster",
	fx.Provide(ProvideRegistry),
)

// TCPModule provides the Config and a TCP transport backed by etcd discovery,
// both taken from a *NodeConfig in the graph. Combine it with Module.
var TCPModule = fx.Module("cluster/tcp",
	fx.Provide(
		func(c *NodeConfig) Config { return c.Registry },
		ProvideTCP,
	),
)

type RegistryParams struct {
	fx.In

	LC        fx.Lifecycle
	Config    Config
	Transport transport.Transport
	// Used when Config leaves the corresponding field empty.
	Logger     *zap.Logger           `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
}

func ProvideRegistry(p RegistryParams) (*Registry, error) {
	cfg := p.Config
	if cfg.Logger == nil {
		cfg.Logger = p.Logger
	}
	if cfg.MetricsRegisterer == nil {
		cfg.MetricsRegisterer = p.Registerer
	}

	r, err := New(cfg, p.Transport)
	if err != nil {
		return nil, err
	}
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return r.Start()
		},
		OnStop: r.Close,
	})
	return r, nil
}

type TCPParams struct {
	fx.In

	LC     fx.Lifecycle
	Node   *NodeConfig
	Logger *zap.Logger `optional:"true"`
}

// ProvideTCP connects to etcd and opens the data plane listener. The
// transport is closed on stop, after every Registry built on it.
func ProvideTCP(p TCPParams) (transport.Transport, error) {
	dcfg := p.Node.Discovery
	if dcfg.Logger == nil {
		dcfg.Logger = p.Logger
	}
	disc, err := discovery.NewEtcd(dcfg)
	if err != nil {
		return nil, err
	}

	tcfg := p.Node.Transport
	if tcfg.Logger == nil {
		tcfg.Logger = p.Logger
	}
	tr, err := transport.NewTCP(tcfg, disc)
	if err != nil {
		_ = disc.Close()
		return nil, err
	}
	p.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return tr.Close()
		},
	})
	return tr, nil
}
