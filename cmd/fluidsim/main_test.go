package main

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid"
)

func TestParticleCount(t *testing.T) {
	n, err := particleCount(2500)
	require.NoError(t, err)
	assert.Equal(t, uint32(2500), n)

	n, err = particleCount(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), n)

	_, err = particleCount(math.MaxUint32 + 1)
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	s := fluid.DefaultSettings()
	applyFlags(&s, flagOverrides{})
	assert.Equal(t, fluid.DefaultSettings(), s, "unset flags keep the file values")

	applyFlags(&s, flagOverrides{
		backend:      "wgpu",
		particlesSet: true,
		ticks:        10,
		overlap:      3,
		dt:           5 * time.Millisecond,
		readback:     true,
		metrics:      ":9100",
		debug:        true,
	})
	assert.Equal(t, "wgpu", s.GPU.Backend)
	assert.Equal(t, uint32(0), s.Simulation.ParticleCount, "an explicit zero is honoured")
	assert.Equal(t, uint64(10), s.Simulation.MaxTicks)
	assert.Equal(t, 3, s.GPU.Overlap)
	assert.Equal(t, 5*time.Millisecond, s.Simulation.FixedDt.Duration)
	assert.True(t, s.Simulation.Readback)
	assert.Equal(t, ":9100", s.Metrics.Listen)
	assert.True(t, s.Log.Debug)
}
