// Package soft is a software implementation of the hal device model.
//
// Submissions run on a dedicated queue goroutine, so fences and semaphores
// are signaled asynchronously exactly as a GPU would signal them. Kernels
// are Go functions registered by program name. The device also detects host
// writes to buffers that an unfinished submission still references, which
// makes it the test double for every frame-pipelining property.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// Kernel executes one dispatch. It runs on the queue goroutine.
type Kernel func(d *Dispatch) error

type Options struct {
	// Kernels maps program names to their implementation.
	Kernels map[string]Kernel
	// Latency delays the execution of every submission.
	Latency time.Duration
	// QueueDepth bounds the number of submissions waiting for the queue goroutine.
	QueueDepth int
}

type Device struct {
	kernels map[string]Kernel
	latency time.Duration

	queue   chan *submission
	pending sync.WaitGroup
	done    chan struct{}

	mu       sync.Mutex
	lost     error
	released bool

	live        atomic.Int64
	submissions atomic.Uint64
	dispatches  atomic.Uint64
}

func NewDevice(opts Options) *Device {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	kernels := make(map[string]Kernel, len(opts.Kernels))
	for name, k := range opts.Kernels {
		kernels[name] = k
	}
	d := &Device{
		kernels: kernels,
		latency: opts.Latency,
		queue:   make(chan *submission, depth),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Device) Name() string { return "soft" }

// LiveResources is the number of created and not yet released handles.
func (d *Device) LiveResources() int { return int(d.live.Load()) }

// Submissions is the number of accepted submissions.
func (d *Device) Submissions() uint64 { return d.submissions.Load() }

// Dispatches is the number of executed dispatch commands.
func (d *Device) Dispatches() uint64 { return d.dispatches.Load() }

// RegisterKernel adds or replaces a program implementation.
func (d *Device) RegisterKernel(name string, k Kernel) {
	d.mu.Lock()
	d.kernels[name] = k
	d.mu.Unlock()
}

func (d *Device) track() { d.live.Add(1) }

func (d *Device) untrack(flag *atomic.Bool) {
	if flag.CompareAndSwap(false, true) {
		d.live.Add(-1)
	}
}

func (d *Device) CreateCommandBuffer(label string) (hal.CommandBuffer, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	d.track()
	return &CommandBuffer{dev: d, label: label}, nil
}

func (d *Device) CreateFence(label string, signaled bool) (hal.Fence, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	d.track()
	f := &Fence{dev: d, label: label, ch: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.ch)
	}
	return f, nil
}

func (d *Device) CreateSemaphore(label string) (hal.Semaphore, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	d.track()
	return &Semaphore{dev: d, label: label}, nil
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: buffer %q: zero size", desc.Label)
	}
	d.track()
	return &Buffer{dev: d, label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}, nil
}

func (d *Device) CreateDescriptorSetLayout(label string, bindings []hal.LayoutBinding) (hal.DescriptorSetLayout, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	d.track()
	return &DescriptorSetLayout{dev: d, label: label, bindings: append([]hal.LayoutBinding(nil), bindings...)}, nil
}

func (d *Device) CreateDescriptorPool(maxSets uint32, sizes []hal.PoolSize) (hal.DescriptorPool, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if maxSets == 0 {
		return nil, fmt.Errorf("soft: descriptor pool with zero sets")
	}
	p := &DescriptorPool{dev: d, maxSets: maxSets}
	for _, s := range sizes {
		p.capacity[s.Type] += s.Count
	}
	p.remainingSets = maxSets
	p.remaining = p.capacity
	d.track()
	return p, nil
}

func (d *Device) CreateComputePipeline(desc hal.PipelineDesc) (hal.Pipeline, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	k, ok := d.kernels[desc.Program.Name]
	d.mu.Unlock()
	if !ok || k == nil {
		return nil, fmt.Errorf("soft: program %q: %w", desc.Program.Name, hal.ErrProgramLoad)
	}
	for i, l := range desc.SetLayouts {
		if _, ok := l.(*DescriptorSetLayout); !ok {
			return nil, fmt.Errorf("soft: pipeline %q set layout %d: %w", desc.Label, i, hal.ErrInvalidHandle)
		}
	}
	local := desc.WorkGroupSizeX
	if local == 0 {
		local = 1
	}
	d.track()
	return &Pipeline{
		dev:       d,
		label:     desc.Label,
		kernel:    k,
		layouts:   append([]hal.DescriptorSetLayout(nil), desc.SetLayouts...),
		pushSize:  desc.PushConstSize,
		localSize: local,
	}, nil
}

func (d *Device) WaitForFence(fence hal.Fence, timeout time.Duration) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return hal.ErrInvalidHandle
	}
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ch:
	case <-expired:
		return fmt.Errorf("soft: fence %q after %s: %w", f.label, timeout, hal.ErrDeviceUnresponsive)
	}
	return d.lostErr()
}

func (d *Device) ResetFence(fence hal.Fence) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return hal.ErrInvalidHandle
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return fmt.Errorf("soft: fence %q reset while its submission is pending", f.label)
	}
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

func (d *Device) Submit(cmd hal.CommandBuffer, signal hal.Semaphore, fence hal.Fence) error {
	if err := d.usable(); err != nil {
		return err
	}
	cb, ok := cmd.(*CommandBuffer)
	if !ok || cb.dev != d {
		return hal.ErrInvalidHandle
	}
	s := &submission{cmd: cb}
	if signal != nil {
		sem, ok := signal.(*Semaphore)
		if !ok || sem.dev != d {
			return hal.ErrInvalidHandle
		}
		s.signal = sem
	}
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok || f.dev != d {
			return hal.ErrInvalidHandle
		}
		f.mu.Lock()
		if f.signaled || f.pending {
			f.mu.Unlock()
			return fmt.Errorf("soft: fence %q must be unsignaled at submit", f.label)
		}
		f.pending = true
		f.mu.Unlock()
		s.fence = f
	}
	if err := cb.markPending(); err != nil {
		if s.fence != nil {
			s.fence.mu.Lock()
			s.fence.pending = false
			s.fence.mu.Unlock()
		}
		return err
	}
	s.buffers = cb.referencedBuffers()
	for _, b := range s.buffers {
		b.inFlight.Add(1)
	}

	d.submissions.Add(1)
	d.pending.Add(1)
	d.queue <- s
	return nil
}

func (d *Device) WaitIdle() error {
	d.pending.Wait()
	return d.lostErr()
}

// Release drains the queue and stops the queue goroutine.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	d.pending.Wait()
	close(d.queue)
	<-d.done
}

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("soft: device released: %w", hal.ErrInvalidHandle)
	}
	return d.lost
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) markLost(err error) {
	d.mu.Lock()
	if d.lost == nil {
		d.lost = fmt.Errorf("soft: %w: %v", hal.ErrDeviceLost, err)
	}
	d.mu.Unlock()
}
var _ hal.Device = (*Device)(nil)
