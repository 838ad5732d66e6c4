package cluster_test

import (
	"context"
	"testing"
	"time"

	"cluster-rpc/cluster"
	"cluster-rpc/discovery"
	"cluster-rpc/transport"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (Arith) Add(args Args) int {
	return args.A + args.B
}

func (Arith) Multiply(args Args) int {
	return args.A * args.B
}

func setupArith(b *testing.B, server, client *cluster.Registry) *cluster.Invoker {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := server.RegisterService(ctx, "arith", Arith{}); err != nil {
		b.Fatal(err)
	}
	path := cluster.Path("arith", "Add")
	if err := client.AwaitRoute(ctx, path); err != nil {
		b.Fatal(err)
	}
	return client.Route(path, time.Second)
}

func benchCalls(b *testing.B, inv *cluster.Invoker) {
	ctx := context.Background()
	args := Args{A: 1, B: 2}
	b.Run("serial", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := inv.Apply(args).Get(ctx); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("concurrent", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := inv.Apply(args).Get(ctx); err != nil {
					b.Error(err)
					return
				}
			}
		})
	})
}

func BenchmarkHubCall(b *testing.B) {
	hub := newHub(b)
	server := startNode(b, hub, "n1", func(c *cluster.Config) { c.EntryQueueSize = 4096 })
	client := startNode(b, hub, "n2")
	benchCalls(b, setupArith(b, server, client))
}

func BenchmarkTCPCall(b *testing.B) {
	disc := discovery.NewMemory()
	b.Cleanup(func() { _ = disc.Close() })
	newTCP := func(b *testing.B, codec string) *cluster.Registry {
		tr, err := transport.NewTCP(transport.TCPConfig{ListenAddr: "127.0.0.1:0", Codec: codec}, sharedDiscovery{disc})
		if err != nil {
			b.Fatal(err)
		}
		cfg := cluster.DefaultConfig()
		cfg.EntryQueueSize = 4096
		reg, err := cluster.New(cfg, tr)
		if err != nil {
			b.Fatal(err)
		}
		if err := reg.Start(); err != nil {
			b.Fatal(err)
		}
		b.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = reg.Close(ctx)
			_ = tr.Close()
		})
		return reg
	}

	for _, codec := range []string{"json", "binary"} {
		b.Run(codec, func(b *testing.B) {
			server := newTCP(b, codec)
			client := newTCP(b, codec)
			benchCalls(b, setupArith(b, server, client))
		})
	}
}

// sharedDiscovery lets several transports use one Memory; each TCP closes
// its discovery on Close.
type sharedDiscovery struct {
	*discovery.Memory
}

func (sharedDiscovery) Close() error { return nil }
