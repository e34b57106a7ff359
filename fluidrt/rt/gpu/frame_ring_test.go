package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
)

func TestFrameRingSlotSelection(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	ring, err := NewFrameRing(dev, FrameRingConfig{Label: "t", Overlap: 2, Capacity: 16, Ratios: storageRatio})
	require.NoError(t, err)
	defer ring.Release()

	require.Equal(t, 2, ring.Len())
	for tick, want := range []int{0, 1, 0, 1} {
		assert.Equal(t, want, ring.Current(uint64(tick)).Index, "tick %d", tick)
	}
	assert.Same(t, ring.Slot(1), ring.Current(5))
}

func TestFrameRingSlotsStartReclaimable(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	ring, err := NewFrameRing(dev, FrameRingConfig{Label: "t", Overlap: 3, Capacity: 2500, Ratios: storageRatio})
	require.NoError(t, err)
	defer ring.Release()

	for i := 0; i < ring.Len(); i++ {
		s := ring.Slot(i)
		assert.True(t, s.Fence.Signaled(), "slot %d fence", i)
		assert.Equal(t, core.BufferSize(2500), s.Input.Size())
		assert.Equal(t, core.BufferSize(2500), s.Output.Size())
		assert.Equal(t, 1, s.Descriptors.PoolCount())
		assert.Equal(t, 0, s.Deletions.Len())
	}
}

func TestFrameRingReleaseFreesEverything(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	ring, err := NewFrameRing(dev, FrameRingConfig{Label: "t", Overlap: 2, Capacity: 4, Ratios: storageRatio})
	require.NoError(t, err)

	extra, err := dev.CreateSemaphore("extra")
	require.NoError(t, err)
	ring.Slot(0).Deletions.Push(extra)

	ring.Release()
	assert.Equal(t, 0, dev.LiveResources())
	ring.Release()
	assert.Equal(t, 0, dev.LiveResources())
}

func TestFrameRingEmptyCapacity(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	ring, err := NewFrameRing(dev, FrameRingConfig{Label: "t", Overlap: 1, Ratios: storageRatio})
	require.NoError(t, err)
	defer ring.Release()

	assert.Equal(t, core.BufferSize(1), ring.Slot(0).Input.Size())
}

func TestFrameRingRejectsZeroOverlap(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	_, err := NewFrameRing(dev, FrameRingConfig{Label: "t", Overlap: 0})
	assert.Error(t, err)
	assert.Equal(t, 0, dev.LiveResources())
}
