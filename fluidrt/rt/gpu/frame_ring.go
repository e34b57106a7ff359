package gpu

import (
	"fmt"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// FrameSlot is the set of resources one frame in flight works with. The CPU
// may touch them only after Fence has signaled.
type FrameSlot struct {
	Index     int
	Command   hal.CommandBuffer
	Fence     hal.Fence
	Semaphore hal.Semaphore
	Input     hal.Buffer
	Output    hal.Buffer

	// Deletions holds resources whose last use is this slot's current
	// submission. It is flushed when the slot is reclaimed.
	Deletions   DeletionQueue
	Descriptors DescriptorAllocator

	owned     DeletionQueue
	submitted uint32
	// inFlight is set while Fence guards a submission the CPU has not yet
	// waited for.
	inFlight bool
}

// Submitted is the particle count of the slot's last submission.
func (s *FrameSlot) Submitted() uint32 { return s.submitted }

// InFlight reports whether the slot's last submission has not been waited for.
func (s *FrameSlot) InFlight() bool { return s.inFlight }

// Release tears the slot down: pending deletions first, then its pools, then
// the handles the slot owns.
func (s *FrameSlot) Release() {
	s.Deletions.Flush()
	s.Descriptors.DestroyPools()
	s.owned.Flush()
}

type FrameRingConfig struct {
	Label   string
	Overlap int
	// Capacity is the particle count the slot buffers are sized for.
	Capacity uint32
	// PoolSets is the set count of each slot's first descriptor pool.
	PoolSets uint32
	Ratios   []PoolSizeRatio
	Metrics  *Metrics
}

type FrameRing struct {
	slots []FrameSlot
}

func NewFrameRing(device hal.Device, cfg FrameRingConfig) (*FrameRing, error) {
	if cfg.Overlap <= 0 {
		return nil, fmt.Errorf("gpu: frame overlap must be positive, got %d", cfg.Overlap)
	}
	if cfg.PoolSets == 0 {
		cfg.PoolSets = 8
	}
	records := cfg.Capacity
	if records == 0 {
		records = 1
	}

	r := &FrameRing{slots: make([]FrameSlot, cfg.Overlap)}
	for i := range r.slots {
		if err := r.initSlot(device, &r.slots[i], i, records, cfg); err != nil {
			r.Release()
			return nil, err
		}
	}
	return r, nil
}

func (r *FrameRing) initSlot(device hal.Device, s *FrameSlot, i int, records uint32, cfg FrameRingConfig) error {
	s.Index = i
	s.Deletions.metrics = cfg.Metrics
	s.owned.metrics = cfg.Metrics
	s.Descriptors.metrics = cfg.Metrics
	label := fmt.Sprintf("%s/slot%d", cfg.Label, i)

	var err error
	if s.Command, err = device.CreateCommandBuffer(label + "/cmd"); err != nil {
		return fmt.Errorf("gpu: %s command buffer: %w", label, err)
	}
	s.owned.Push(s.Command)
	if s.Fence, err = device.CreateFence(label+"/fence", true); err != nil {
		return fmt.Errorf("gpu: %s fence: %w", label, err)
	}
	s.owned.Push(s.Fence)
	if s.Semaphore, err = device.CreateSemaphore(label + "/sem"); err != nil {
		return fmt.Errorf("gpu: %s semaphore: %w", label, err)
	}
	s.owned.Push(s.Semaphore)

	size := core.BufferSize(records)
	if s.Input, err = device.CreateBuffer(hal.BufferDesc{
		Label: label + "/in",
		Size:  size,
		Usage: hal.BufferUsageStorage | hal.BufferUsageHostWrite,
	}); err != nil {
		return fmt.Errorf("gpu: %s input buffer: %w", label, err)
	}
	s.owned.Push(s.Input)
	if s.Output, err = device.CreateBuffer(hal.BufferDesc{
		Label: label + "/out",
		Size:  size,
		Usage: hal.BufferUsageStorage | hal.BufferUsageHostRead,
	}); err != nil {
		return fmt.Errorf("gpu: %s output buffer: %w", label, err)
	}
	s.owned.Push(s.Output)

	if err := s.Descriptors.Init(device, cfg.PoolSets, cfg.Ratios); err != nil {
		return fmt.Errorf("gpu: %s descriptors: %w", label, err)
	}
	return nil
}

// Current returns the slot used by the given tick.
func (r *FrameRing) Current(tick uint64) *FrameSlot {
	return &r.slots[tick%uint64(len(r.slots))]
}

func (r *FrameRing) Slot(i int) *FrameSlot { return &r.slots[i] }

func (r *FrameRing) Len() int { return len(r.slots) }

// Release destroys the slots in reverse order. The caller must make sure the
// device is idle.
func (r *FrameRing) Release() {
	for i := len(r.slots) - 1; i >= 0; i-- {
		r.slots[i].Release()
	}
}
