package gpu

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/soft"
)

func testOptions(capacity uint32, spacing float32) Options {
	opts := DefaultOptions()
	opts.Capacity = capacity
	opts.Spacing = spacing
	opts.Program = hal.Program{Name: stepProgram}
	return opts
}

func newSimulation(t *testing.T, dev hal.Device, opts Options) *Simulation {
	t.Helper()
	sim := NewSimulation(dev, opts, nil)
	require.NoError(t, sim.Init())
	t.Cleanup(func() { _ = sim.Cleanup() })
	return sim
}

func TestSimulationEndToEnd(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	sim := newSimulation(t, dev, testOptions(16, 1))

	ps := sim.Particles()
	require.Len(t, ps, 16)
	for i, p := range ps {
		want := mgl32.Vec2{float32(-2 + i%4), float32(-2 + i/4)}
		assert.Equal(t, want, p.Pos, "particle %d", i)
		assert.Equal(t, mgl32.Vec2{}, p.Velocity)
	}
	assert.Equal(t, mgl32.Vec2{-2, -2}, ps[0].Pos)
	assert.Equal(t, mgl32.Vec2{1, 1}, ps[15].Pos)

	require.Equal(t, Idle, sim.State())
	require.NoError(t, sim.Step(16, 0.016))
	assert.Equal(t, Submitted, sim.State())
	assert.Equal(t, uint64(1), sim.Tick())
	require.NoError(t, dev.WaitIdle())

	slot := sim.Ring().Slot(0)
	in := make([]byte, slot.Input.Size())
	require.NoError(t, slot.Input.Read(in))
	out := make([]byte, slot.Output.Size())
	require.NoError(t, slot.Output.Read(out))

	for i := uint32(0); i < 16; i++ {
		assert.Equal(t, ps[i], core.Record(in[core.RecordOffset(i):]), "input record %d", 2*i)
		got := core.Record(out[core.RecordOffset(i):])
		assert.Equal(t, ps[i].Pos[0]+1, got.Pos[0], "output record %d", 2*i)

		odd := core.RecordOffset(i) + core.ParticleStride
		assert.Equal(t, make([]byte, core.ParticleStride), in[odd:odd+core.ParticleStride], "odd record %d", 2*i+1)
	}
}

func TestSimulationDispatchSizes(t *testing.T) {
	dev, k := newSoftDevice(t, 0)
	sim := newSimulation(t, dev, testOptions(2500, 0.1))

	for _, n := range []uint32{2500, 256, 0} {
		require.NoError(t, sim.Step(n, 0.016))
	}
	require.NoError(t, dev.WaitIdle())

	// empty grids are recorded but never reach the kernel
	assert.Equal(t, []uint32{10, 1}, k.dispatched())
	assert.Equal(t, uint64(3), dev.Dispatches())
}

func TestSimulationWaitsBeforeReusingSlot(t *testing.T) {
	const latency = 20 * time.Millisecond
	dev, _ := newSoftDevice(t, latency)
	sim := newSimulation(t, dev, testOptions(64, 0.5))

	start := time.Now()
	for i := 0; i < 6; i++ {
		// the soft device rejects host writes to in-flight buffers, so an
		// early reuse would fail here with hal.ErrBufferInUse
		require.NoError(t, sim.Step(64, 0.016), "tick %d", i)
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*latency)

	// the slot just submitted is still owned by the device
	last := sim.Ring().Current(sim.Tick() - 1)
	_, err := last.Input.Map()
	assert.ErrorIs(t, err, hal.ErrBufferInUse)

	require.NoError(t, dev.WaitIdle())
	for i := 0; i < 2; i++ {
		assert.Equal(t, uint64(3), sim.SlotSemaphore(i).(*soft.Semaphore).Signals(), "slot %d", i)
	}
	assert.Same(t, sim.SlotSemaphore(1), sim.Semaphore())
}

func TestSimulationFenceTimeout(t *testing.T) {
	dev, _ := newSoftDevice(t, 200*time.Millisecond)
	opts := testOptions(4, 1)
	opts.Overlap = 1
	opts.FenceTimeout = 20 * time.Millisecond
	sim := newSimulation(t, dev, opts)

	require.NoError(t, sim.Step(4, 0.016))
	err := sim.Step(4, 0.016)
	assert.ErrorIs(t, err, hal.ErrDeviceUnresponsive)
	assert.Equal(t, uint64(1), sim.Tick())
}

func TestSimulationRejectsTooManyParticles(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	sim := newSimulation(t, dev, testOptions(16, 1))

	err := sim.Step(17, 0.016)
	assert.ErrorIs(t, err, ErrParticleCount)
	assert.Equal(t, uint64(0), sim.Tick())
	assert.Equal(t, Idle, sim.State())
}

func TestSimulationStepBeforeInit(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	sim := NewSimulation(dev, testOptions(16, 1), nil)
	assert.ErrorIs(t, sim.Step(16, 0.016), ErrNotInitialized)
	assert.Nil(t, sim.Semaphore())
}

func TestSimulationProgramLoadFailureIsAnError(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	opts := testOptions(16, 1)
	opts.Program = hal.Program{Name: "missing"}
	sim := NewSimulation(dev, opts, nil)

	err := sim.Init()
	assert.ErrorIs(t, err, hal.ErrProgramLoad)
	assert.Equal(t, 0, dev.LiveResources())
	assert.ErrorIs(t, sim.Step(16, 0.016), ErrNotInitialized)
}

func TestSimulationReadback(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	opts := testOptions(4, 1)
	opts.Overlap = 1
	opts.Readback = true
	sim := newSimulation(t, dev, opts)

	x0 := sim.Particles()[0].Pos[0]
	for i := 0; i < 3; i++ {
		require.NoError(t, sim.Step(4, 0.016))
	}
	// the third tick reclaimed the output of the second
	assert.Equal(t, x0+2, sim.Particles()[0].Pos[0])
}

func TestSimulationReadbackWithFramesInFlight(t *testing.T) {
	dev, k := newSoftDevice(t, 2*time.Millisecond)
	opts := testOptions(4, 1)
	opts.Readback = true
	sim := newSimulation(t, dev, opts)
	require.Equal(t, 2, sim.Ring().Len())

	x0 := sim.Particles()[0].Pos[0]
	for i := 0; i < 6; i++ {
		require.NoError(t, sim.Step(4, 0.016))
		// tick i uploaded the result of tick i-1
		assert.Equal(t, x0+float32(i), sim.Particles()[0].Pos[0], "after tick %d", i)
	}
	require.NoError(t, dev.WaitIdle())
	assert.Len(t, k.dispatched(), 6)
}

func TestSimulationSlotDeletionsDrainAtReuse(t *testing.T) {
	dev, _ := newSoftDevice(t, 10*time.Millisecond)
	sim := newSimulation(t, dev, testOptions(16, 1))

	require.NoError(t, sim.Step(16, 0.016))
	slot0 := sim.Ring().Slot(0)
	var log []string
	fenceAtRelease := false
	slot0.Deletions.Push(releaseFunc(func() {
		fenceAtRelease = slot0.Fence.Signaled()
		log = append(log, "scratch")
	}))

	require.NoError(t, sim.Step(16, 0.016))
	assert.Empty(t, log, "a tick on slot 1 keeps slot 0 deletions")
	assert.Equal(t, 1, slot0.Deletions.Len())

	require.NoError(t, sim.Step(16, 0.016))
	assert.Equal(t, []string{"scratch"}, log)
	assert.True(t, fenceAtRelease, "released only after the slot fence signaled")
	assert.Equal(t, 0, slot0.Deletions.Len())
}

func TestSimulationSubmitFailureLeavesSlotReusable(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	flaky := &flakySubmitDevice{Device: dev, failures: 1}
	opts := testOptions(16, 1)
	opts.FenceTimeout = 50 * time.Millisecond
	sim := newSimulation(t, flaky, opts)

	err := sim.Step(16, 0.016)
	require.ErrorIs(t, err, errSubmitRejected)
	assert.Equal(t, uint64(0), sim.Tick())
	assert.Equal(t, Idle, sim.State())
	assert.False(t, sim.Ring().Slot(0).InFlight())

	for i := 0; i < 4; i++ {
		require.NoError(t, sim.Step(16, 0.016), "tick %d", i)
	}
	assert.Equal(t, uint64(4), sim.Tick())
	assert.Equal(t, Submitted, sim.State())
}

func TestSimulationCleanup(t *testing.T) {
	dev, _ := newSoftDevice(t, 5*time.Millisecond)
	sim := NewSimulation(dev, testOptions(16, 1), nil)
	require.NoError(t, sim.Init())
	require.NoError(t, sim.Step(16, 0.016))
	require.NoError(t, sim.Step(16, 0.016))

	require.NoError(t, sim.Cleanup())
	assert.Equal(t, 0, dev.LiveResources())
	assert.Nil(t, sim.Ring())
	require.NoError(t, sim.Cleanup())
}

func TestSimulationMetricsAndProfiler(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	m := NewMetrics(prometheus.NewRegistry())
	prof := newScopeRecorder()
	opts := testOptions(16, 1)
	opts.Metrics = m
	opts.Profiler = prof
	sim := NewSimulation(dev, opts, nil)
	require.NoError(t, sim.Init())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DescriptorPools))
	for i := 0; i < 3; i++ {
		require.NoError(t, sim.Step(16, 0.016))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Ticks))
	for _, scope := range []string{ScopeFenceWait, ScopeUpload, ScopeRecord, ScopeSubmit} {
		assert.Equal(t, 3, prof.begun[scope], scope)
		assert.Equal(t, 3, prof.ended[scope], scope)
	}

	require.NoError(t, sim.Cleanup())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DescriptorPools))
	assert.Greater(t, testutil.ToFloat64(m.Deletions), 0.0)
}

func TestSimulationReseed(t *testing.T) {
	dev, _ := newSoftDevice(t, 0)
	sim := NewSimulation(dev, testOptions(16, 1), nil)

	sim.Particles()[3].Velocity = mgl32.Vec2{4, 4}
	sim.SetParticlesSquare(2)
	assert.Equal(t, mgl32.Vec2{-4, -4}, sim.Particles()[0].Pos)
	assert.Equal(t, mgl32.Vec2{}, sim.Particles()[3].Velocity)
	assert.Equal(t, core.DefaultBoundingArea(), sim.Bounds())
}
