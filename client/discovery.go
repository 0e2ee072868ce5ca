package client

import (
	"context"
	"fmt"

	"callback-rpc/loadbalance"
	"callback-rpc/registry"
	"callback-rpc/transport"
)

// Discovery connects clients to servers found in a registry.
type Discovery struct {
	Registry  registry.Registry
	Balancer  loadbalance.Balancer
	Dial      transport.DialConfig
	Transport []transport.Option
}

// Connect looks up the instances of service, picks one for key and returns a Client
// on a fresh connection to it. key is usually the identity key of the calls the
// client will make, so a consistent hash balancer keeps them on one server.
func (d *Discovery) Connect(ctx context.Context, service, key string, opts ...Option) (*Client, error) {
	instances, err := d.Registry.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", service, err)
	}

	instance, err := d.Balancer.Pick(key, instances)
	if err != nil {
		return nil, fmt.Errorf("picking an instance of %s: %w", service, err)
	}

	dispatcher, err := transport.Dial(ctx, instance.Addr, d.Dial, d.Transport...)
	if err != nil {
		return nil, err
	}
	return New(dispatcher, opts...), nil
}
