// Package registry publishes and discovers the addresses of RPC servers.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one server offering a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share for weighted balancers
	Version string `json:"version"`
}

type Registry interface {
	// Register publishes instance under serviceName. The entry expires after ttl
	// unless renewed, which implementations do on their own until Deregister.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list now and after every change. The channel is
	// closed when ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
