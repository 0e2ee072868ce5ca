package loadbalance

import (
	"math/rand/v2"

	"callback-rpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. A weight below 1 counts as 1.
type WeightedRandomBalancer struct{}

func weight(inst registry.ServiceInstance) int {
	return max(inst.Weight, 1)
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}

	totalWeight := 0
	for _, inst := range instances {
		totalWeight += weight(inst)
	}

	r := rand.IntN(totalWeight)
	for _, inst := range instances {
		r -= weight(inst)
		if r < 0 {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
