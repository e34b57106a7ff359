package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type cmdState int

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
	cmdPending
)

type opKind int

const (
	opBindPipeline opKind = iota
	opBindSets
	opPushConstants
	opDispatch
)

type op struct {
	kind     opKind
	pipeline *Pipeline
	first    uint32
	sets     []*DescriptorSet
	push     []byte
	groups   [3]uint32
}

type CommandBuffer struct {
	dev   *Device
	label string

	mu       sync.Mutex
	state    cmdState
	ops      []op
	err      error
	bound    *Pipeline
	released atomic.Bool
}

func (c *CommandBuffer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == cmdPending {
		return fmt.Errorf("soft: command buffer %q reset while pending", c.label)
	}
	c.state = cmdInitial
	c.ops = c.ops[:0]
	c.err = nil
	c.bound = nil
	return nil
}

func (c *CommandBuffer) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cmdPending:
		return fmt.Errorf("soft: command buffer %q begun while pending", c.label)
	case cmdRecording:
		return fmt.Errorf("soft: command buffer %q already recording", c.label)
	}
	c.state = cmdRecording
	c.ops = c.ops[:0]
	c.err = nil
	c.bound = nil
	return nil
}

func (c *CommandBuffer) record(o op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cmdRecording {
		c.fail(hal.ErrNotRecording)
		return
	}
	c.ops = append(c.ops, o)
}

// fail keeps the first recording error; End reports it. Caller holds mu.
func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("soft: command buffer %q: %w", c.label, err)
	}
}

func (c *CommandBuffer) BindPipeline(p hal.Pipeline) {
	pl, ok := p.(*Pipeline)
	if !ok || pl.dev != c.dev {
		c.mu.Lock()
		c.fail(hal.ErrInvalidHandle)
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.bound = pl
	c.mu.Unlock()
	c.record(op{kind: opBindPipeline, pipeline: pl})
}

func (c *CommandBuffer) BindDescriptorSets(p hal.Pipeline, firstSet uint32, sets ...hal.DescriptorSet) {
	pl, ok := p.(*Pipeline)
	c.mu.Lock()
	if !ok || pl.dev != c.dev {
		c.fail(hal.ErrInvalidHandle)
		c.mu.Unlock()
		return
	}
	out := make([]*DescriptorSet, 0, len(sets))
	for i, s := range sets {
		ds, ok := s.(*DescriptorSet)
		if !ok || ds.pool.dev != c.dev {
			c.fail(hal.ErrInvalidHandle)
			c.mu.Unlock()
			return
		}
		idx := int(firstSet) + i
		if idx >= len(pl.layouts) || pl.layouts[idx] != hal.DescriptorSetLayout(ds.layout) {
			c.fail(fmt.Errorf("descriptor set %d does not match pipeline %q layout", idx, pl.label))
			c.mu.Unlock()
			return
		}
		out = append(out, ds)
	}
	c.mu.Unlock()
	c.record(op{kind: opBindSets, first: firstSet, sets: out})
}

func (c *CommandBuffer) PushConstants(p hal.Pipeline, data []byte) {
	pl, ok := p.(*Pipeline)
	c.mu.Lock()
	if !ok || pl.dev != c.dev {
		c.fail(hal.ErrInvalidHandle)
		c.mu.Unlock()
		return
	}
	if uint32(len(data)) > pl.pushSize {
		c.fail(fmt.Errorf("push constants of %d bytes exceed pipeline %q range of %d", len(data), pl.label, pl.pushSize))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.record(op{kind: opPushConstants, push: append([]byte(nil), data...)})
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	c.record(op{kind: opDispatch, groups: [3]uint32{x, y, z}})
}

func (c *CommandBuffer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cmdRecording {
		return fmt.Errorf("soft: command buffer %q: %w", c.label, hal.ErrNotRecording)
	}
	if c.err != nil {
		c.state = cmdInitial
		return c.err
	}
	c.state = cmdExecutable
	return nil
}

func (c *CommandBuffer) markPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cmdExecutable {
		return fmt.Errorf("soft: command buffer %q submitted while not executable", c.label)
	}
	c.state = cmdPending
	return nil
}

func (c *CommandBuffer) markComplete() {
	c.mu.Lock()
	c.state = cmdExecutable
	c.mu.Unlock()
}

func (c *CommandBuffer) referencedBuffers() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[*Buffer]bool)
	var out []*Buffer
	for _, o := range c.ops {
		if o.kind != opBindSets {
			continue
		}
		for _, s := range o.sets {
			for _, b := range s.snapshot() {
				if !seen[b] {
					seen[b] = true
					out = append(out, b)
				}
			}
		}
	}
	return out
}

func (c *CommandBuffer) Release() { c.dev.untrack(&c.released) }

type Fence struct {
	dev   *Device
	label string

	mu       sync.Mutex
	signaled bool
	pending  bool
	ch       chan struct{}
	released atomic.Bool
}

func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}

func (f *Fence) Release() { f.dev.untrack(&f.released) }

// Semaphore counts its signals so consumers and tests can observe completion.
type Semaphore struct {
	dev      *Device
	label    string
	signals  atomic.Uint64
	released atomic.Bool
}

// Signals is the number of times the semaphore has been signaled.
func (s *Semaphore) Signals() uint64 { return s.signals.Load() }

func (s *Semaphore) Release() { s.dev.untrack(&s.released) }

type Buffer struct {
	dev   *Device
	label string
	usage hal.BufferUsage

	mu       sync.Mutex
	data     []byte
	mapped   bool
	inFlight atomic.Int32
	released atomic.Bool
}

func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

func (b *Buffer) Map() ([]byte, error) {
	if b.inFlight.Load() > 0 {
		return nil, fmt.Errorf("soft: map %q: %w", b.label, hal.ErrBufferInUse)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped {
		return nil, fmt.Errorf("soft: buffer %q already mapped", b.label)
	}
	b.mapped = true
	return b.data, nil
}

func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mapped {
		return fmt.Errorf("soft: buffer %q is not mapped", b.label)
	}
	b.mapped = false
	return nil
}

func (b *Buffer) Read(dst []byte) error {
	if b.inFlight.Load() > 0 {
		return fmt.Errorf("soft: read %q: %w", b.label, hal.ErrBufferInUse)
	}
	b.mu.Lock()
	copy(dst, b.data)
	b.mu.Unlock()
	return nil
}

// InFlight is the number of unfinished submissions referencing the buffer.
func (b *Buffer) InFlight() int { return int(b.inFlight.Load()) }

func (b *Buffer) Release() { b.dev.untrack(&b.released) }

type DescriptorSetLayout struct {
	dev      *Device
	label    string
	bindings []hal.LayoutBinding
	released atomic.Bool
}

func (l *DescriptorSetLayout) Bindings() []hal.LayoutBinding { return l.bindings }

func (l *DescriptorSetLayout) Release() { l.dev.untrack(&l.released) }

type DescriptorPool struct {
	dev *Device

	mu            sync.Mutex
	maxSets       uint32
	capacity      [hal.DescriptorTypeCount]uint32
	remaining     [hal.DescriptorTypeCount]uint32
	remainingSets uint32
	generation    uint64
	released      atomic.Bool
}

func (p *DescriptorPool) Allocate(layout hal.DescriptorSetLayout) (hal.DescriptorSet, error) {
	l, ok := layout.(*DescriptorSetLayout)
	if !ok || l.dev != p.dev {
		return nil, hal.ErrInvalidHandle
	}
	var need [hal.DescriptorTypeCount]uint32
	for _, b := range l.bindings {
		need[b.Type]++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remainingSets == 0 {
		return nil, hal.ErrPoolExhausted
	}
	for t := range need {
		if need[t] > p.remaining[t] {
			return nil, hal.ErrPoolExhausted
		}
	}
	for t := range need {
		p.remaining[t] -= need[t]
	}
	p.remainingSets--
	return &DescriptorSet{pool: p, layout: l, gen: p.generation, bound: make(map[uint32]*Buffer)}, nil
}

func (p *DescriptorPool) Reset() error {
	p.mu.Lock()
	p.generation++
	p.remaining = p.capacity
	p.remainingSets = p.maxSets
	p.mu.Unlock()
	return nil
}

func (p *DescriptorPool) Release() {
	p.mu.Lock()
	p.generation++
	p.mu.Unlock()
	p.dev.untrack(&p.released)
}

type DescriptorSet struct {
	pool   *DescriptorPool
	layout *DescriptorSetLayout
	gen    uint64

	mu    sync.Mutex
	bound map[uint32]*Buffer
}

func (s *DescriptorSet) valid() bool {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.gen == s.pool.generation
}

func (s *DescriptorSet) WriteBuffer(binding uint32, buf hal.Buffer) error {
	if !s.valid() {
		return fmt.Errorf("soft: write to stale descriptor set: %w", hal.ErrInvalidHandle)
	}
	b, ok := buf.(*Buffer)
	if !ok || b.dev != s.pool.dev {
		return hal.ErrInvalidHandle
	}
	found := false
	for _, lb := range s.layout.bindings {
		if lb.Binding == binding {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("soft: layout %q has no binding %d", s.layout.label, binding)
	}
	s.mu.Lock()
	s.bound[binding] = b
	s.mu.Unlock()
	return nil
}

func (s *DescriptorSet) snapshot() map[uint32]*Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]*Buffer, len(s.bound))
	for k, v := range s.bound {
		out[k] = v
	}
	return out
}

type Pipeline struct {
	dev       *Device
	label     string
	kernel    Kernel
	layouts   []hal.DescriptorSetLayout
	pushSize  uint32
	localSize uint32
	released  atomic.Bool
}

func (p *Pipeline) Release() { p.dev.untrack(&p.released) }
