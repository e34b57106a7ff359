package wgpuhal

import (
	"testing"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

func TestBufferUsageMapping(t *testing.T) {
	storage := bufferUsage(hal.BufferUsageStorage)
	assert.NotZero(t, storage&wgpu.BufferUsageStorage)
	assert.NotZero(t, storage&wgpu.BufferUsageCopyDst, "Unmap uploads with WriteBuffer")
	assert.NotZero(t, storage&wgpu.BufferUsageCopySrc, "Read copies into a staging buffer")

	uniform := bufferUsage(hal.BufferUsageUniform)
	assert.NotZero(t, uniform&wgpu.BufferUsageUniform)
	assert.Zero(t, uniform&wgpu.BufferUsageStorage)
}

func TestAlignment(t *testing.T) {
	assert.Equal(t, uint64(0), alignedSize(0))
	assert.Equal(t, uint64(8), alignedSize(8))
	assert.Equal(t, uint64(12), alignedSize(9))

	assert.Equal(t, uint64(16), uniformBlockSize(8))
	assert.Equal(t, uint64(16), uniformBlockSize(16))
	assert.Equal(t, uint64(32), uniformBlockSize(17))
}

func TestBindingTypes(t *testing.T) {
	assert.Equal(t, wgpu.BufferBindingTypeReadOnlyStorage, bindingType(hal.LayoutBinding{Type: hal.DescriptorStorageBuffer, ReadOnly: true}))
	assert.Equal(t, wgpu.BufferBindingTypeStorage, bindingType(hal.LayoutBinding{Type: hal.DescriptorStorageBuffer}))
	assert.Equal(t, wgpu.BufferBindingTypeUniform, bindingType(hal.LayoutBinding{Type: hal.DescriptorUniformBuffer}))

	entries := layoutEntries([]hal.LayoutBinding{{Binding: 1, Type: hal.DescriptorStorageBuffer}})
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].Binding)
	assert.Equal(t, wgpu.ShaderStageCompute, entries[0].Visibility)
}

func storageLayout(binding uint32) *DescriptorSetLayout {
	return &DescriptorSetLayout{
		label:    "test",
		bindings: []hal.LayoutBinding{{Binding: binding, Type: hal.DescriptorStorageBuffer}},
	}
}

func TestDescriptorPoolCapacity(t *testing.T) {
	pool := newDescriptorPool(nil, 2, []hal.PoolSize{{Type: hal.DescriptorStorageBuffer, Count: 2}})
	layout := storageLayout(0)

	_, err := pool.Allocate(layout)
	require.NoError(t, err)
	_, err = pool.Allocate(layout)
	require.NoError(t, err)
	_, err = pool.Allocate(layout)
	assert.ErrorIs(t, err, hal.ErrPoolExhausted)

	require.NoError(t, pool.Reset())
	_, err = pool.Allocate(layout)
	assert.NoError(t, err)
}

func TestDescriptorPoolCountsByType(t *testing.T) {
	pool := newDescriptorPool(nil, 8, []hal.PoolSize{{Type: hal.DescriptorUniformBuffer, Count: 4}})
	_, err := pool.Allocate(storageLayout(0))
	assert.ErrorIs(t, err, hal.ErrPoolExhausted)
}

func TestDescriptorSetInvalidatedByReset(t *testing.T) {
	pool := newDescriptorPool(nil, 2, []hal.PoolSize{{Type: hal.DescriptorStorageBuffer, Count: 2}})
	set, err := pool.Allocate(storageLayout(1))
	require.NoError(t, err)

	buf := &Buffer{label: "b", size: 4}
	assert.Error(t, set.WriteBuffer(0, buf), "binding 0 is not in the layout")
	assert.NoError(t, set.WriteBuffer(1, buf))

	require.NoError(t, pool.Reset())
	assert.ErrorIs(t, set.WriteBuffer(1, buf), hal.ErrInvalidHandle)

	pool.Release()
	_, err = pool.Allocate(storageLayout(1))
	assert.ErrorIs(t, err, hal.ErrInvalidHandle)
}

func TestFenceLifecycle(t *testing.T) {
	f := newFence(nil, "f", true)
	assert.True(t, f.Signaled())
	assert.Error(t, f.arm(), "a signaled fence cannot be submitted")

	require.NoError(t, f.reset())
	assert.False(t, f.Signaled())
	assert.False(t, f.wait(5*time.Millisecond))

	require.NoError(t, f.arm())
	assert.Error(t, f.reset(), "pending fences cannot be reset")

	go f.signal()
	assert.True(t, f.wait(time.Second))
	assert.True(t, f.Signaled())
	assert.NoError(t, f.reset())
}

func TestCommandBufferRecording(t *testing.T) {
	c := &CommandBuffer{label: "cmd"}
	pl := &Pipeline{label: "p", pushSize: 8}

	c.Dispatch(1, 1, 1)
	assert.ErrorIs(t, c.err, hal.ErrNotRecording)
	assert.ErrorIs(t, c.End(), hal.ErrNotRecording)

	require.NoError(t, c.Begin())
	assert.NoError(t, c.err)
	c.BindPipeline(pl)
	c.PushConstants(pl, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	c.PushConstants(pl, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	c.Dispatch(4, 1, 1)
	require.NoError(t, c.End())

	assert.Len(t, c.ops, 4)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, c.pushes()[pl])

	require.NoError(t, c.Reset())
	assert.Empty(t, c.ops)
	assert.Equal(t, cmdInitial, c.state)
}

func TestCommandBufferRejectsOversizedPush(t *testing.T) {
	c := &CommandBuffer{label: "cmd"}
	pl := &Pipeline{label: "p", pushSize: 4}
	require.NoError(t, c.Begin())
	c.PushConstants(pl, make([]byte, 8))
	assert.Error(t, c.End())
}

func TestDirtyRanges(t *testing.T) {
	before := make([]byte, 32)
	assert.Empty(t, dirtyRanges(before, append([]byte(nil), before...)))

	after := append([]byte(nil), before...)
	after[1], after[2] = 1, 1
	after[17] = 1
	assert.Equal(t, [][2]uint64{{0, 4}, {16, 20}}, dirtyRanges(before, after))

	after = append([]byte(nil), before...)
	after[3], after[4] = 1, 1
	after[8] = 1
	assert.Equal(t, [][2]uint64{{0, 12}}, dirtyRanges(before, after), "touching ranges merge")
}

func TestDirtyRangesSkipUntouchedRecords(t *testing.T) {
	const stride = 24
	before := make([]byte, 4*stride)
	for i := range before {
		before[i] = 0xAA
	}
	after := append([]byte(nil), before...)
	for _, rec := range []int{0, 2} {
		for i := rec * stride; i < (rec+1)*stride; i++ {
			after[i] = byte(i)
		}
	}
	assert.Equal(t, [][2]uint64{{0, stride}, {2 * stride, 3 * stride}}, dirtyRanges(before, after))
}
