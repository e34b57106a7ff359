package vkhal

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

func TestNewErrorMapsResults(t *testing.T) {
	assert.NoError(t, newError("op", vk.Success))
	assert.ErrorIs(t, newError("alloc", errorOutOfPoolMemory), hal.ErrPoolExhausted)
	assert.ErrorIs(t, newError("alloc", vk.ErrorFragmentedPool), hal.ErrPoolExhausted)
	assert.ErrorIs(t, newError("submit", vk.ErrorDeviceLost), hal.ErrDeviceLost)
	assert.ErrorIs(t, newError("wait", vk.Timeout), hal.ErrDeviceUnresponsive)

	err := newError("create buffer", vk.ErrorOutOfDeviceMemory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create buffer")
	assert.NotErrorIs(t, err, hal.ErrPoolExhausted)
}

func TestDescriptorTypeMapping(t *testing.T) {
	assert.Equal(t, vk.DescriptorTypeStorageBuffer, descriptorType(hal.DescriptorStorageBuffer))
	assert.Equal(t, vk.DescriptorTypeUniformBuffer, descriptorType(hal.DescriptorUniformBuffer))
}

func TestBufferUsageMapping(t *testing.T) {
	assert.Equal(t, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), bufferUsage(hal.BufferUsageStorage|hal.BufferUsageHostWrite))
	assert.Equal(t, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit|vk.BufferUsageUniformBufferBit),
		bufferUsage(hal.BufferUsageStorage|hal.BufferUsageUniform))
	assert.Equal(t, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), bufferUsage(0))
}

func TestSpirvWords(t *testing.T) {
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	binary.LittleEndian.PutUint32(code[4:], 0x00010000)
	assert.Equal(t, []uint32{0x07230203, 0x00010000}, spirvWords(code))
}

func TestSpecialization(t *testing.T) {
	info, data := specialization(nil)
	assert.Nil(t, info)
	assert.Nil(t, data)

	info, data = specialization([]float32{10, -10})
	require.Len(t, info, 1)
	assert.Equal(t, uint32(2), info[0].MapEntryCount)
	assert.Equal(t, uint32(4), info[0].PMapEntries[1].Offset)
	assert.Equal(t, uint32(1), info[0].PMapEntries[1].ConstantID)
	assert.Equal(t, float32(-10), math.Float32frombits(binary.LittleEndian.Uint32(data[4:])))
}
