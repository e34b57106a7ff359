package vkhal

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

var computeStage = vk.ShaderStageFlags(vk.ShaderStageComputeBit)

func descriptorType(t hal.DescriptorType) vk.DescriptorType {
	if t == hal.DescriptorUniformBuffer {
		return vk.DescriptorTypeUniformBuffer
	}
	return vk.DescriptorTypeStorageBuffer
}

func bufferUsage(u hal.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u&hal.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if u&hal.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if flags == 0 {
		flags = vk.BufferUsageStorageBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

type Fence struct {
	dev      *Device
	label    string
	fence    vk.Fence
	released bool
}

func (d *Device) CreateFence(label string, signaled bool) (hal.Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	f := &Fence{dev: d, label: label}
	if err := newError("create fence "+label, vk.CreateFence(d.device, &info, nil, &f.fence)); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fence) Signaled() bool {
	return vk.GetFenceStatus(f.dev.device, f.fence) == vk.Success
}

func (f *Fence) Release() {
	if !f.released {
		f.released = true
		vk.DestroyFence(f.dev.device, f.fence, nil)
	}
}

type Semaphore struct {
	dev      *Device
	sem      vk.Semaphore
	released bool
}

func (d *Device) CreateSemaphore(label string) (hal.Semaphore, error) {
	s := &Semaphore{dev: d}
	res := vk.CreateSemaphore(d.device, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &s.sem)
	if err := newError("create semaphore "+label, res); err != nil {
		return nil, err
	}
	return s, nil
}

// Handle exposes the Vulkan semaphore to a host renderer that waits on it.
func (s *Semaphore) Handle() vk.Semaphore { return s.sem }

func (s *Semaphore) Release() {
	if !s.released {
		s.released = true
		vk.DestroySemaphore(s.dev.device, s.sem, nil)
	}
}

type Buffer struct {
	dev      *Device
	label    string
	size     uint64
	buffer   vk.Buffer
	memory   vk.DeviceMemory
	mapped   bool
	released bool
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("vulkan: buffer %q: zero size", desc.Label)
	}
	b := &Buffer{dev: d, label: desc.Label, size: desc.Size}
	res := vk.CreateBuffer(d.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &b.buffer)
	if err := newError("create buffer "+desc.Label, res); err != nil {
		return nil, err
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, b.buffer, &reqs)
	reqs.Deref()
	memType, ok := d.findMemoryType(reqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if !ok {
		vk.DestroyBuffer(d.device, b.buffer, nil)
		return nil, fmt.Errorf("vulkan: buffer %q: no host visible coherent memory type", desc.Label)
	}
	res = vk.AllocateMemory(d.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &b.memory)
	if err := newError("allocate memory "+desc.Label, res); err != nil {
		vk.DestroyBuffer(d.device, b.buffer, nil)
		return nil, err
	}
	if err := newError("bind buffer memory "+desc.Label, vk.BindBufferMemory(d.device, b.buffer, b.memory, 0)); err != nil {
		vk.FreeMemory(d.device, b.memory, nil)
		vk.DestroyBuffer(d.device, b.buffer, nil)
		return nil, err
	}
	return b, nil
}

func (b *Buffer) Size() uint64 { return b.size }

func (b *Buffer) Map() ([]byte, error) {
	if b.mapped {
		return nil, fmt.Errorf("vulkan: buffer %q already mapped", b.label)
	}
	var ptr unsafe.Pointer
	res := vk.MapMemory(b.dev.device, b.memory, 0, vk.DeviceSize(b.size), 0, &ptr)
	if err := newError("map "+b.label, res); err != nil {
		return nil, err
	}
	b.mapped = true
	return unsafe.Slice((*byte)(ptr), b.size), nil
}

func (b *Buffer) Unmap() error {
	if !b.mapped {
		return fmt.Errorf("vulkan: buffer %q is not mapped", b.label)
	}
	vk.UnmapMemory(b.dev.device, b.memory)
	b.mapped = false
	return nil
}

func (b *Buffer) Read(dst []byte) error {
	data, err := b.Map()
	if err != nil {
		return err
	}
	copy(dst, data)
	return b.Unmap()
}

// Handle exposes the Vulkan buffer, e.g. to bind it as a vertex buffer.
func (b *Buffer) Handle() vk.Buffer { return b.buffer }

func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	if b.mapped {
		vk.UnmapMemory(b.dev.device, b.memory)
	}
	vk.DestroyBuffer(b.dev.device, b.buffer, nil)
	vk.FreeMemory(b.dev.device, b.memory, nil)
}

type DescriptorSetLayout struct {
	dev      *Device
	layout   vk.DescriptorSetLayout
	bindings []hal.LayoutBinding
	released bool
}

func (d *Device) CreateDescriptorSetLayout(label string, bindings []hal.LayoutBinding) (hal.DescriptorSetLayout, error) {
	vb := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		vb[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  descriptorType(b.Type),
			DescriptorCount: 1,
			StageFlags:      computeStage,
		}
	}
	l := &DescriptorSetLayout{dev: d, bindings: append([]hal.LayoutBinding(nil), bindings...)}
	res := vk.CreateDescriptorSetLayout(d.device, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vb)),
		PBindings:    vb,
	}, nil, &l.layout)
	if err := newError("create set layout "+label, res); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DescriptorSetLayout) Bindings() []hal.LayoutBinding { return l.bindings }

func (l *DescriptorSetLayout) Release() {
	if !l.released {
		l.released = true
		vk.DestroyDescriptorSetLayout(l.dev.device, l.layout, nil)
	}
}

type DescriptorPool struct {
	dev      *Device
	pool     vk.DescriptorPool
	released bool
}

func (d *Device) CreateDescriptorPool(maxSets uint32, sizes []hal.PoolSize) (hal.DescriptorPool, error) {
	ps := make([]vk.DescriptorPoolSize, len(sizes))
	for i, s := range sizes {
		ps[i] = vk.DescriptorPoolSize{Type: descriptorType(s.Type), DescriptorCount: s.Count}
	}
	p := &DescriptorPool{dev: d}
	res := vk.CreateDescriptorPool(d.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(ps)),
		PPoolSizes:    ps,
	}, nil, &p.pool)
	if err := newError("create descriptor pool", res); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DescriptorPool) Allocate(layout hal.DescriptorSetLayout) (hal.DescriptorSet, error) {
	l, ok := layout.(*DescriptorSetLayout)
	if !ok {
		return nil, hal.ErrInvalidHandle
	}
	s := &DescriptorSet{dev: p.dev, layout: l}
	res := vk.AllocateDescriptorSets(p.dev.device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     p.pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{l.layout},
	}, &s.set)
	if err := newError("allocate descriptor set", res); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *DescriptorPool) Reset() error {
	return newError("reset descriptor pool", vk.ResetDescriptorPool(p.dev.device, p.pool, 0))
}

func (p *DescriptorPool) Release() {
	if !p.released {
		p.released = true
		vk.DestroyDescriptorPool(p.dev.device, p.pool, nil)
	}
}

type DescriptorSet struct {
	dev    *Device
	layout *DescriptorSetLayout
	set    vk.DescriptorSet
}

func (s *DescriptorSet) WriteBuffer(binding uint32, buf hal.Buffer) error {
	b, ok := buf.(*Buffer)
	if !ok {
		return hal.ErrInvalidHandle
	}
	kind := hal.DescriptorType(-1)
	for _, lb := range s.layout.bindings {
		if lb.Binding == binding {
			kind = lb.Type
		}
	}
	if kind < 0 {
		return fmt.Errorf("vulkan: set layout has no binding %d", binding)
	}
	vk.UpdateDescriptorSets(s.dev.device, 1, []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          s.set,
		DstBinding:      binding,
		DescriptorCount: 1,
		DescriptorType:  descriptorType(kind),
		PBufferInfo: []vk.DescriptorBufferInfo{{
			Buffer: b.buffer,
			Offset: 0,
			Range:  vk.DeviceSize(vk.WholeSize),
		}},
	}}, 0, nil)
	return nil
}
