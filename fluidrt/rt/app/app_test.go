package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/gpu"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/soft"
	"github.com/gekko3d/fluid/fluidrt/rt/shaders"
)

func softConfig(capacity uint32) Config {
	opts := gpu.DefaultOptions()
	opts.Capacity = capacity
	return Config{Backend: BackendSoft, Simulation: opts}
}

func TestAppStepsOnSoftBackend(t *testing.T) {
	a := NewApp(softConfig(64), nil)
	require.NoError(t, a.Init())
	t.Cleanup(func() { _ = a.Cleanup() })

	for i := 0; i < 4; i++ {
		require.NoError(t, a.Step(64, 0.016))
	}
	assert.Equal(t, uint64(4), a.Sim.Tick())
	assert.Equal(t, 4, a.Profiler.Counts["Ticks"])
	assert.Equal(t, 64, a.Profiler.Counts["Particles"])
	assert.Equal(t, 2, a.Profiler.Counts["DescriptorPools"])
	assert.Equal(t, []string{gpu.ScopeFenceWait, gpu.ScopeUpload, gpu.ScopeRecord, gpu.ScopeSubmit}, a.Profiler.Order)
	assert.Contains(t, a.Profiler.GetStatsString(), "FenceWait")
}

func TestAppReadbackAppliesGravity(t *testing.T) {
	cfg := softConfig(16)
	cfg.Simulation.Readback = true
	a := NewApp(cfg, nil)
	require.NoError(t, a.Init())
	t.Cleanup(func() { _ = a.Cleanup() })

	before := a.Sim.Particles()[0]
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Step(16, 0.1))
	}
	// the third tick uploaded the result of the second
	bounds := core.DefaultBoundingArea()
	after := a.Sim.Particles()[0]
	assert.Equal(t, shaders.Integrate(shaders.Integrate(before, 0.1, bounds), 0.1, bounds), after)
	assert.Less(t, after.Pos[1], before.Pos[1])
}

func TestAppStepBeforeInit(t *testing.T) {
	a := NewApp(softConfig(4), nil)
	assert.ErrorIs(t, a.Step(4, 0.1), gpu.ErrNotInitialized)
}

func TestAppRejectsUnknownBackend(t *testing.T) {
	cfg := softConfig(4)
	cfg.Backend = "metal"
	a := NewApp(cfg, nil)
	err := a.Init()
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Nil(t, a.Device)
	assert.Nil(t, a.Sim)
}

func TestProgramNeedsSPIRVForVulkan(t *testing.T) {
	cfg := softConfig(4)
	cfg.Backend = BackendVulkan
	_, err := Program(cfg)
	assert.ErrorIs(t, err, hal.ErrProgramLoad)

	cfg.SPIRVPath = filepath.Join(t.TempDir(), "missing.spv")
	_, err = Program(cfg)
	assert.ErrorIs(t, err, hal.ErrProgramLoad)
}

func TestProgramBakesBounds(t *testing.T) {
	cfg := softConfig(4)
	cfg.Simulation.Bounds = core.BoundingArea{Right: 3, Up: 4, Left: -3, Down: -4}
	p, err := Program(cfg)
	require.NoError(t, err)
	assert.Equal(t, shaders.FluidProgramName, p.Name)
	assert.Equal(t, []float32{3, 4, -3, -4}, p.Constants)
	assert.Nil(t, p.SPIRV)
	assert.Contains(t, p.WGSL, "BOUNDS_RIGHT: f32 = 3.0")
}

func TestAppKeepsInjectedDevice(t *testing.T) {
	dev := soft.NewDevice(soft.Options{Kernels: shaders.Kernels(core.DefaultBoundingArea())})
	t.Cleanup(dev.Release)

	a := NewApp(softConfig(8), nil)
	a.UseDevice(dev)
	require.NoError(t, a.Init())
	require.NoError(t, a.Step(8, 0.016))
	require.NoError(t, a.Cleanup())

	assert.Same(t, dev, a.Device)
	_, err := dev.CreateFence("still-alive", true)
	assert.NoError(t, err)
}

func TestAppReleasesOwnedDevice(t *testing.T) {
	a := NewApp(softConfig(8), nil)
	require.NoError(t, a.Init())
	require.NoError(t, a.Step(8, 0.016))
	require.NoError(t, a.Cleanup())
	assert.Nil(t, a.Device)
	assert.NoError(t, a.Cleanup())
}

func TestProfilerScopes(t *testing.T) {
	p := NewProfiler()
	p.BeginScope("A")
	time.Sleep(time.Millisecond)
	p.EndScope("A")
	p.BeginScope("B")
	p.EndScope("B")
	p.BeginScope("A")
	p.EndScope("A")
	p.EndScope("never-begun")

	assert.Equal(t, []string{"A", "B"}, p.Order)
	assert.Greater(t, p.Total("A"), p.Last("A"))
	assert.NotContains(t, p.Scopes, "never-begun")

	p.Reset()
	assert.Zero(t, p.Last("A"))
	assert.NotZero(t, p.Total("A"))
}

func TestProfilerExportsToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := softConfig(16)
	cfg.Registerer = reg
	a := NewApp(cfg, nil)
	require.NoError(t, a.Init())
	t.Cleanup(func() { _ = a.Cleanup() })

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Step(16, 0.016))
	}
	n, err := testutil.GatherAndCount(reg, "fluid_profile_scope_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one series per scope")
	assert.Equal(t, 3.0, testutil.ToFloat64(a.Profiler.counters.WithLabelValues("Ticks")))
	assert.Equal(t, 16.0, testutil.ToFloat64(a.Profiler.counters.WithLabelValues("Particles")))
}
