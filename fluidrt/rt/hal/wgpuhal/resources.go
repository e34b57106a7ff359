package wgpuhal

import (
	"fmt"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type Fence struct {
	dev   *Device
	label string

	mu      sync.Mutex
	ch      chan struct{}
	pending bool
}

func newFence(d *Device, label string, signaled bool) *Fence {
	f := &Fence{dev: d, label: label, ch: make(chan struct{})}
	if signaled {
		close(f.ch)
	}
	return f
}

func (f *Fence) Signaled() bool {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// arm marks the fence as owned by a submission.
func (f *Fence) arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		return fmt.Errorf("wgpu: fence %q must be unsignaled at submit", f.label)
	default:
	}
	if f.pending {
		return fmt.Errorf("wgpu: fence %q already has a pending submission", f.label)
	}
	f.pending = true
	return nil
}

func (f *Fence) disarm() {
	f.mu.Lock()
	f.pending = false
	f.mu.Unlock()
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

func (f *Fence) reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return fmt.Errorf("wgpu: reset of fence %q with a pending submission", f.label)
	}
	select {
	case <-f.ch:
		f.ch = make(chan struct{})
	default:
	}
	return nil
}

// wait reports false when timeout (if positive) expired first.
func (f *Fence) wait(timeout time.Duration) bool {
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
		return true
	case <-expired:
		return false
	}
}

func (f *Fence) Release() {}

type Semaphore struct {
	dev   *Device
	label string
}

func (s *Semaphore) Release() {}

// Buffer keeps a host shadow of its contents. Unmap uploads the shadow with
// Queue.WriteBuffer; Read copies the device contents through a staging
// buffer.
type Buffer struct {
	dev    *Device
	label  string
	size   uint64
	usage  hal.BufferUsage
	buf    *wgpu.Buffer
	shadow []byte
	// mapped holds the shadow as it was at Map, so Unmap uploads only the
	// bytes the host changed.
	mapped []byte
}

func bufferUsage(u hal.BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&hal.BufferUsageStorage != 0 {
		out |= wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	}
	if u&hal.BufferUsageUniform != 0 {
		out |= wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	}
	if u&hal.BufferUsageHostWrite != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&hal.BufferUsageHostRead != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	return out
}

// alignedSize rounds n up to the 4 byte copy alignment.
func alignedSize(n uint64) uint64 {
	return (n + 3) &^ 3
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("wgpu: buffer %q has zero size", desc.Label)
	}
	size := alignedSize(desc.Size)
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: bufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{
		dev:    d,
		label:  desc.Label,
		size:   desc.Size,
		usage:  desc.Usage,
		buf:    buf,
		shadow: make([]byte, size),
	}, nil
}

func (b *Buffer) Size() uint64 { return b.size }

func (b *Buffer) Map() ([]byte, error) {
	if b.buf == nil {
		return nil, hal.ErrInvalidHandle
	}
	b.mapped = append(b.mapped[:0], b.shadow...)
	return b.shadow[:b.size], nil
}

// Unmap writes back the 4 byte aligned ranges that differ from the mapped
// snapshot. Bytes the host left alone keep whatever the device wrote.
func (b *Buffer) Unmap() error {
	if b.buf == nil {
		return hal.ErrInvalidHandle
	}
	if b.mapped == nil {
		return nil
	}
	for _, r := range dirtyRanges(b.mapped, b.shadow) {
		b.dev.queue.WriteBuffer(b.buf, r[0], b.shadow[r[0]:r[1]])
	}
	b.mapped = nil
	return nil
}

// dirtyRanges returns the [start, end) byte ranges where after differs from
// before, widened to 4 byte boundaries. Ranges closer than 4 bytes merge.
func dirtyRanges(before, after []byte) [][2]uint64 {
	var out [][2]uint64
	n := min(len(before), len(after))
	for i := 0; i < n; i++ {
		if before[i] == after[i] {
			continue
		}
		start := uint64(i) &^ 3
		j := i + 1
		for j < n && before[j] != after[j] {
			j++
		}
		end := min(alignedSize(uint64(j)), uint64(len(after)))
		if k := len(out); k > 0 && out[k-1][1] >= start {
			out[k-1][1] = max(out[k-1][1], end)
		} else {
			out = append(out, [2]uint64{start, end})
		}
		i = int(end) - 1
	}
	return out
}

func (b *Buffer) Read(dst []byte) error {
	if b.buf == nil {
		return hal.ErrInvalidHandle
	}
	size := alignedSize(b.size)
	staging, err := b.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + "/readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: readback buffer %q: %w", b.label, err)
	}
	defer staging.Release()

	encoder, err := b.dev.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("wgpu: readback encoder %q: %w", b.label, err)
	}
	encoder.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	cmd, err := encoder.Finish(nil)
	encoder.Release()
	if err != nil {
		return fmt.Errorf("wgpu: readback encoder %q: %w", b.label, err)
	}
	b.dev.queue.Submit(cmd)
	cmd.Release()

	var status wgpu.BufferMapAsyncStatus
	if err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return fmt.Errorf("wgpu: map readback %q: %w", b.label, err)
	}
	b.dev.device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return fmt.Errorf("wgpu: map readback %q: status %s", b.label, status.String())
	}
	copy(dst, staging.GetMappedRange(0, uint(b.size)))
	staging.Unmap()
	return nil
}

func (b *Buffer) Release() {
	if b.buf == nil {
		return
	}
	b.buf.Release()
	b.buf = nil
	b.shadow, b.mapped = nil, nil
}

type DescriptorSetLayout struct {
	dev      *Device
	label    string
	bindings []hal.LayoutBinding
	layout   *wgpu.BindGroupLayout
}

func bindingType(b hal.LayoutBinding) wgpu.BufferBindingType {
	switch {
	case b.Type == hal.DescriptorUniformBuffer:
		return wgpu.BufferBindingTypeUniform
	case b.ReadOnly:
		return wgpu.BufferBindingTypeReadOnlyStorage
	default:
		return wgpu.BufferBindingTypeStorage
	}
}

func layoutEntries(bindings []hal.LayoutBinding) []wgpu.BindGroupLayoutEntry {
	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer: wgpu.BufferBindingLayout{
				Type: bindingType(b),
			},
		}
	}
	return entries
}

func (d *Device) CreateDescriptorSetLayout(label string, bindings []hal.LayoutBinding) (hal.DescriptorSetLayout, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	layout, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: layoutEntries(bindings),
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: bind group layout %q: %w", label, err)
	}
	return &DescriptorSetLayout{
		dev:      d,
		label:    label,
		bindings: append([]hal.LayoutBinding(nil), bindings...),
		layout:   layout,
	}, nil
}

func (l *DescriptorSetLayout) Bindings() []hal.LayoutBinding { return l.bindings }

func (l *DescriptorSetLayout) Release() {
	if l.layout != nil {
		l.layout.Release()
		l.layout = nil
	}
}

// DescriptorPool enforces Vulkan pool capacity in Go. WebGPU has no pools:
// every set becomes one bind group, created at the first submit that uses
// it and released on Reset.
type DescriptorPool struct {
	dev        *Device
	maxSets    uint32
	capacity   [hal.DescriptorTypeCount]uint32
	used       [hal.DescriptorTypeCount]uint32
	sets       []*DescriptorSet
	generation uint64
	released   bool
}

func newDescriptorPool(d *Device, maxSets uint32, sizes []hal.PoolSize) *DescriptorPool {
	p := &DescriptorPool{dev: d, maxSets: maxSets}
	for _, s := range sizes {
		p.capacity[s.Type] += s.Count
	}
	return p
}

func (d *Device) CreateDescriptorPool(maxSets uint32, sizes []hal.PoolSize) (hal.DescriptorPool, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	return newDescriptorPool(d, maxSets, sizes), nil
}

func (p *DescriptorPool) Allocate(layout hal.DescriptorSetLayout) (hal.DescriptorSet, error) {
	if p.released {
		return nil, hal.ErrInvalidHandle
	}
	l, ok := layout.(*DescriptorSetLayout)
	if !ok || l.dev != p.dev {
		return nil, hal.ErrInvalidHandle
	}
	if uint32(len(p.sets)) >= p.maxSets {
		return nil, hal.ErrPoolExhausted
	}
	var need [hal.DescriptorTypeCount]uint32
	for _, b := range l.bindings {
		need[b.Type]++
	}
	for t := range need {
		if p.used[t]+need[t] > p.capacity[t] {
			return nil, hal.ErrPoolExhausted
		}
	}
	for t := range need {
		p.used[t] += need[t]
	}
	s := &DescriptorSet{
		pool:       p,
		generation: p.generation,
		layout:     l,
		buffers:    make(map[uint32]*Buffer, len(l.bindings)),
	}
	p.sets = append(p.sets, s)
	return s, nil
}

func (p *DescriptorPool) Reset() error {
	if p.released {
		return hal.ErrInvalidHandle
	}
	for _, s := range p.sets {
		s.releaseGroup()
	}
	p.sets = p.sets[:0]
	p.used = [hal.DescriptorTypeCount]uint32{}
	p.generation++
	return nil
}

func (p *DescriptorPool) Release() {
	if p.released {
		return
	}
	_ = p.Reset()
	p.released = true
}

type DescriptorSet struct {
	pool       *DescriptorPool
	generation uint64
	layout     *DescriptorSetLayout
	buffers    map[uint32]*Buffer
	group      *wgpu.BindGroup
}

func (s *DescriptorSet) valid() bool {
	return !s.pool.released && s.generation == s.pool.generation
}

func (s *DescriptorSet) WriteBuffer(binding uint32, buf hal.Buffer) error {
	if !s.valid() {
		return hal.ErrInvalidHandle
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
		return fmt.Errorf("wgpu: layout %q has no binding %d", s.layout.label, binding)
	}
	s.buffers[binding] = b
	s.releaseGroup()
	return nil
}

// bindGroup builds the WebGPU bind group on first use.
func (s *DescriptorSet) bindGroup() (*wgpu.BindGroup, error) {
	if !s.valid() {
		return nil, hal.ErrInvalidHandle
	}
	if s.group != nil {
		return s.group, nil
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(s.layout.bindings))
	for _, lb := range s.layout.bindings {
		b, ok := s.buffers[lb.Binding]
		if !ok {
			return nil, fmt.Errorf("wgpu: layout %q binding %d was never written", s.layout.label, lb.Binding)
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: lb.Binding,
			Buffer:  b.buf,
			Offset:  0,
			Size:    wgpu.WholeSize,
		})
	}
	group, err := s.pool.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   s.layout.label,
		Layout:  s.layout.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: bind group %q: %w", s.layout.label, err)
	}
	s.group = group
	return group, nil
}

func (s *DescriptorSet) releaseGroup() {
	if s.group != nil {
		s.group.Release()
		s.group = nil
	}
}
