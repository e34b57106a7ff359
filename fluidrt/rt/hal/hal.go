// Package hal is the thin hardware abstraction the simulation runtime is
// written against. Backends (soft, vkhal, wgpuhal) map it to a concrete API.
//
// The model is Vulkan-shaped: explicit command buffers, fences the CPU waits
// on, semaphores that order GPU work, and descriptor sets carved out of
// fixed-capacity pools.
package hal

import "time"

// Resource is any handle owned by a scope and destroyed explicitly.
type Resource interface {
	Release()
}

type Device interface {
	Resource

	// Name identifies the backend and adapter, for logs.
	Name() string

	CreateCommandBuffer(label string) (CommandBuffer, error)
	CreateFence(label string, signaled bool) (Fence, error)
	CreateSemaphore(label string) (Semaphore, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateDescriptorSetLayout(label string, bindings []LayoutBinding) (DescriptorSetLayout, error)
	CreateDescriptorPool(maxSets uint32, sizes []PoolSize) (DescriptorPool, error)
	CreateComputePipeline(desc PipelineDesc) (Pipeline, error)

	// WaitForFence blocks until the fence is signaled. A wait that exceeds
	// timeout returns ErrDeviceUnresponsive.
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	// Submit queues the recorded commands. signal (optional) is signaled and
	// fence (optional) is set once the GPU has finished executing cmd.
	Submit(cmd CommandBuffer, signal Semaphore, fence Fence) error
	// WaitIdle blocks until every submission has completed.
	WaitIdle() error
}

type CommandBuffer interface {
	Resource
	Reset() error
	Begin() error
	BindPipeline(p Pipeline)
	BindDescriptorSets(p Pipeline, firstSet uint32, sets ...DescriptorSet)
	PushConstants(p Pipeline, data []byte)
	Dispatch(x, y, z uint32)
	End() error
}

type Fence interface {
	Resource
	// Signaled reports the current state without blocking.
	Signaled() bool
}

type Semaphore interface {
	Resource
}

type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	// BufferUsageHostWrite marks buffers the CPU writes through Map/Unmap.
	BufferUsageHostWrite
	// BufferUsageHostRead marks buffers the CPU reads back through Read.
	BufferUsageHostRead
)

type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

type Buffer interface {
	Resource
	Size() uint64
	// Map returns a host window over the whole buffer. Writes become visible
	// to the device once Unmap returns.
	Map() ([]byte, error)
	Unmap() error
	// Read copies the device contents into dst.
	Read(dst []byte) error
}

type DescriptorType int

const (
	DescriptorStorageBuffer DescriptorType = iota
	DescriptorUniformBuffer
	descriptorTypeCount
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorUniformBuffer:
		return "uniform-buffer"
	}
	return "unknown"
}

// DescriptorTypeCount is the number of descriptor kinds the backends know.
const DescriptorTypeCount = int(descriptorTypeCount)

type LayoutBinding struct {
	Binding  uint32
	Type     DescriptorType
	ReadOnly bool
}

type PoolSize struct {
	Type  DescriptorType
	Count uint32
}

type DescriptorSetLayout interface {
	Resource
	Bindings() []LayoutBinding
}

type DescriptorPool interface {
	Resource
	// Allocate returns ErrPoolExhausted when the pool cannot hold another set
	// of the given layout.
	Allocate(layout DescriptorSetLayout) (DescriptorSet, error)
	// Reset returns every set allocated from the pool. Sets become invalid.
	Reset() error
}

type DescriptorSet interface {
	WriteBuffer(binding uint32, buf Buffer) error
}

// Program is a compute program in every form a backend may consume.
// Backends use the field they understand and fail with ErrProgramLoad when
// it is missing.
type Program struct {
	Name       string
	EntryPoint string
	SPIRV      []byte
	WGSL       string
	// Constants are float specialization constants, by constant id.
	// Backends that compile from source bake them in instead.
	Constants []float32
}

type PipelineDesc struct {
	Label          string
	Program        Program
	SetLayouts     []DescriptorSetLayout
	PushConstSize  uint32
	WorkGroupSizeX uint32
}

type Pipeline interface {
	Resource
}
