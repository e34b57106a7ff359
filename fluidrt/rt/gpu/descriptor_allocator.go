package gpu

import (
	"errors"
	"fmt"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

const (
	// MaxSetsPerPool caps the set count of any single backing pool.
	MaxSetsPerPool = 4092
	poolGrowth     = 1.5
)

// ErrAllocatorExhausted means a freshly created pool of MaxSetsPerPool sets
// could not hold the requested set.
var ErrAllocatorExhausted = errors.New("gpu: descriptor allocator exhausted")

// PoolSizeRatio is the number of descriptors of Type reserved per set.
type PoolSizeRatio struct {
	Type  hal.DescriptorType
	Ratio float32
}

// DescriptorAllocator hands out descriptor sets and adds a larger backing
// pool whenever the current ones are full.
type DescriptorAllocator struct {
	device      hal.Device
	ratios      []PoolSizeRatio
	setsPerPool uint32
	ready       []hal.DescriptorPool
	full        []hal.DescriptorPool
	metrics     *Metrics
}

func (a *DescriptorAllocator) Init(device hal.Device, maxSets uint32, ratios []PoolSizeRatio) error {
	if maxSets == 0 {
		return fmt.Errorf("gpu: descriptor allocator needs at least one set per pool")
	}
	if maxSets > MaxSetsPerPool {
		maxSets = MaxSetsPerPool
	}
	a.device = device
	a.ratios = append([]PoolSizeRatio(nil), ratios...)

	pool, err := a.createPool(maxSets)
	if err != nil {
		return err
	}
	a.metrics.poolCreated(false)
	a.ready = append(a.ready, pool)
	a.setsPerPool = grow(maxSets)
	return nil
}

func grow(sets uint32) uint32 {
	next := uint32(float32(sets) * poolGrowth)
	if next <= sets {
		next = sets + 1
	}
	if next > MaxSetsPerPool {
		next = MaxSetsPerPool
	}
	return next
}

func (a *DescriptorAllocator) createPool(sets uint32) (hal.DescriptorPool, error) {
	sizes := make([]hal.PoolSize, 0, len(a.ratios))
	for _, r := range a.ratios {
		n := uint32(r.Ratio * float32(sets))
		if n == 0 {
			n = 1
		}
		sizes = append(sizes, hal.PoolSize{Type: r.Type, Count: n})
	}
	pool, err := a.device.CreateDescriptorPool(sets, sizes)
	if err != nil {
		return nil, fmt.Errorf("gpu: create descriptor pool (%d sets): %w", sets, err)
	}
	return pool, nil
}

// pool returns a pool to allocate from and, when it was just created, its
// set count.
func (a *DescriptorAllocator) pool() (hal.DescriptorPool, uint32, error) {
	if n := len(a.ready); n > 0 {
		p := a.ready[n-1]
		a.ready = a.ready[:n-1]
		return p, 0, nil
	}
	sets := a.setsPerPool
	p, err := a.createPool(sets)
	if err != nil {
		return nil, 0, err
	}
	a.metrics.poolCreated(true)
	a.setsPerPool = grow(sets)
	return p, sets, nil
}

// Allocate returns a set for layout. Full pools are parked until the next
// ClearPools; a new, larger pool is created when no ready one is left. Only
// a fresh pool of MaxSetsPerPool sets failing is reported as exhaustion.
func (a *DescriptorAllocator) Allocate(layout hal.DescriptorSetLayout) (hal.DescriptorSet, error) {
	if a.device == nil {
		return nil, fmt.Errorf("gpu: descriptor allocator used before Init")
	}
	for {
		p, fresh, err := a.pool()
		if err != nil {
			return nil, err
		}
		set, err := p.Allocate(layout)
		if err == nil {
			a.ready = append(a.ready, p)
			return set, nil
		}
		a.full = append(a.full, p)
		if !errors.Is(err, hal.ErrPoolExhausted) {
			return nil, fmt.Errorf("gpu: allocate descriptor set: %w", err)
		}
		if fresh >= MaxSetsPerPool {
			return nil, fmt.Errorf("%w: %w", ErrAllocatorExhausted, err)
		}
	}
}

// ClearPools resets every pool for reuse. Sets allocated before the call
// become invalid.
func (a *DescriptorAllocator) ClearPools() error {
	for _, p := range a.ready {
		if err := p.Reset(); err != nil {
			return fmt.Errorf("gpu: reset descriptor pool: %w", err)
		}
	}
	for _, p := range a.full {
		if err := p.Reset(); err != nil {
			return fmt.Errorf("gpu: reset descriptor pool: %w", err)
		}
		a.ready = append(a.ready, p)
	}
	a.full = a.full[:0]
	return nil
}

// DestroyPools releases every backing pool. The allocator must be
// initialised again before further use.
func (a *DescriptorAllocator) DestroyPools() {
	n := len(a.ready) + len(a.full)
	for _, p := range a.ready {
		p.Release()
	}
	for _, p := range a.full {
		p.Release()
	}
	a.ready, a.full = nil, nil
	a.device = nil
	a.metrics.poolsDestroyed(n)
}

func (a *DescriptorAllocator) Release() { a.DestroyPools() }

// PoolCount is the number of backing pools currently owned.
func (a *DescriptorAllocator) PoolCount() int { return len(a.ready) + len(a.full) }
