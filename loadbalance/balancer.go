// Package loadbalance picks the server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  affinity, the same key lands on the same instance
package loadbalance

import (
	"errors"
	"fmt"

	"callback-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one of instances. key is the affinity key of the caller (the call
	// identity key); strategies without affinity ignore it.
	Pick(key string, instances []registry.ServiceInstance) (registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return NewRoundRobinBalancer(), nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
