package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry keeps instances in process. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string][]chan struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan struct{}),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[serviceName] == nil {
		m.instances[serviceName] = make(map[string]ServiceInstance)
	}
	m.instances[serviceName][instance.Addr] = instance
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[serviceName], addr)
	m.notifyLocked(serviceName)
	return nil
}

// Discover returns the instances of serviceName ordered by address.
func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceName), nil
}

func (m *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(m.instances[serviceName]))
	for _, inst := range m.instances[serviceName] {
		instances = append(instances, inst)
	}
	slices.SortFunc(instances, func(a, b ServiceInstance) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	return instances
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	for _, w := range m.watchers[serviceName] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	changed := make(chan struct{}, 1)
	changed <- struct{}{}

	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], changed)
	m.mu.Unlock()

	go func() {
		defer close(ch)
		defer m.removeWatcher(serviceName, changed)
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			instances, _ := m.Discover(ctx, serviceName)
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (m *MemoryRegistry) removeWatcher(serviceName string, w chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[serviceName] = slices.DeleteFunc(m.watchers[serviceName], func(c chan struct{}) bool {
		return c == w
	})
}
