package loadbalance

import (
	"callback-rpc/registry"

	"go.uber.org/atomic"
)

// RoundRobinBalancer cycles through the instances in order.
type RoundRobinBalancer struct {
	counter *atomic.Uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{counter: atomic.NewUint64(0)}
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	index := (b.counter.Inc() - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
