// Package client offers blocking calls on top of a cluster.Registry.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cluster-rpc/cluster"
)

type Client struct {
	reg     *cluster.Registry
	timeout time.Duration
}

// NewClient returns a Client whose calls time out after timeout. A zero
// timeout means the registry's default.
func NewClient(reg *cluster.Registry, timeout time.Duration) *Client {
	return &Client{reg: reg, timeout: timeout}
}

// Call invokes serviceMethod and decodes its result into reply, which may be
// nil. serviceMethod is "Service.Method" for services registered with
// RegisterService (the last dot separates the method), or a path containing
// "@" or no dot at all. Use CallPath for plain paths that contain a dot.
func (c *Client) Call(ctx context.Context, serviceMethod string, reply any, args ...any) error {
	path, err := route(serviceMethod)
	if err != nil {
		return err
	}
	return c.CallPath(ctx, path, reply, args...)
}

// CallPath invokes the handler registered at path, taken verbatim.
func (c *Client) CallPath(ctx context.Context, path string, reply any, args ...any) error {
	if path == "" {
		return fmt.Errorf("client: empty path")
	}
	resp, err := c.reg.Route(path, c.timeout).Apply(args...).Get(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := resp.Decode(reply); err != nil {
		return fmt.Errorf("client: decode reply of %s: %w", path, err)
	}
	return nil
}

func route(serviceMethod string) (string, error) {
	if serviceMethod == "" {
		return "", fmt.Errorf("client: empty service method")
	}
	if strings.Contains(serviceMethod, "@") {
		return serviceMethod, nil
	}
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		return serviceMethod, nil
	}
	service, method := serviceMethod[:dot], serviceMethod[dot+1:]
	if service == "" || method == "" {
		return "", fmt.Errorf("client: invalid service method %q", serviceMethod)
	}
	return cluster.Path(service, method), nil
}
