package gpu

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

var storageRatio = []PoolSizeRatio{{Type: hal.DescriptorStorageBuffer, Ratio: 1}}

func TestDescriptorAllocatorGrowsOnExhaustion(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	layout := storageLayout(t, dev, 1)
	base := dev.LiveResources()

	m := NewMetrics(prometheus.NewRegistry())
	a := DescriptorAllocator{metrics: m}
	require.NoError(t, a.Init(dev, 2, storageRatio))
	assert.Equal(t, 1, a.PoolCount())

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(layout)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, a.PoolCount())

	// 2 sets -> 3 sets
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(layout)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a.PoolCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolGrowths))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DescriptorPools))

	_, err := a.Allocate(layout)
	require.NoError(t, err)
	assert.Equal(t, 3, a.PoolCount())

	a.DestroyPools()
	assert.Equal(t, 0, a.PoolCount())
	assert.Equal(t, base, dev.LiveResources())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DescriptorPools))
}

func TestDescriptorAllocatorClearReusesPools(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	layout := storageLayout(t, dev, 1)

	var a DescriptorAllocator
	require.NoError(t, a.Init(dev, 4, storageRatio))
	defer a.DestroyPools()

	for i := 0; i < 6; i++ {
		_, err := a.Allocate(layout)
		require.NoError(t, err)
	}
	require.Equal(t, 2, a.PoolCount())

	for round := 0; round < 3; round++ {
		require.NoError(t, a.ClearPools())
		for i := 0; i < 6; i++ {
			_, err := a.Allocate(layout)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, a.PoolCount(), "cleared pools must be reused, round %d", round)
	}
}

func TestDescriptorAllocatorSetsAreInvalidAfterClear(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	layout := storageLayout(t, dev, 1)
	buf, err := dev.CreateBuffer(hal.BufferDesc{Label: "b", Size: 16})
	require.NoError(t, err)
	defer buf.Release()

	var a DescriptorAllocator
	require.NoError(t, a.Init(dev, 1, storageRatio))
	defer a.Release()

	set, err := a.Allocate(layout)
	require.NoError(t, err)
	require.NoError(t, set.WriteBuffer(0, buf))

	require.NoError(t, a.ClearPools())
	assert.ErrorIs(t, set.WriteBuffer(0, buf), hal.ErrInvalidHandle)
}

func TestDescriptorAllocatorGrowsPastUndersizedPools(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	// needs 8 descriptors per set; a 1-set pool only has one
	layout := storageLayout(t, dev, 8)

	var a DescriptorAllocator
	require.NoError(t, a.Init(dev, 1, storageRatio))
	defer a.Release()

	_, err := a.Allocate(layout)
	require.NoError(t, err)
	assert.Greater(t, a.PoolCount(), 1)
}

func TestDescriptorAllocatorExhausted(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	uniform, err := dev.CreateDescriptorSetLayout("uniform", []hal.LayoutBinding{{Binding: 0, Type: hal.DescriptorUniformBuffer}})
	require.NoError(t, err)
	defer uniform.Release()

	var a DescriptorAllocator
	require.NoError(t, a.Init(dev, MaxSetsPerPool, storageRatio))
	defer a.Release()

	_, err = a.Allocate(uniform)
	assert.ErrorIs(t, err, ErrAllocatorExhausted)
	assert.ErrorIs(t, err, hal.ErrPoolExhausted)
}

func TestDescriptorAllocatorRequiresInit(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	layout := storageLayout(t, dev, 1)

	var a DescriptorAllocator
	_, err := a.Allocate(layout)
	assert.Error(t, err)
	assert.Error(t, a.Init(dev, 0, storageRatio))
}

func TestPoolGrowthIsCapped(t *testing.T) {
	assert.Equal(t, uint32(2), grow(1))
	assert.Equal(t, uint32(3), grow(2))
	assert.Equal(t, uint32(12), grow(8))
	assert.Equal(t, uint32(MaxSetsPerPool), grow(3000))
	assert.Equal(t, uint32(MaxSetsPerPool), grow(MaxSetsPerPool))
}
