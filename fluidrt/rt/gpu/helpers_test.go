package gpu

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/soft"
)

const stepProgram = "step"

// stepKernel moves every particle one unit along x and records the group
// counts it was dispatched with.
type stepKernel struct {
	mu     sync.Mutex
	groups []uint32
}

func (k *stepKernel) run(d *soft.Dispatch) error {
	k.mu.Lock()
	k.groups = append(k.groups, d.Groups[0])
	k.mu.Unlock()

	cfg := core.ConfigFromBytes(d.Push)
	in, out := d.Buffer(InputSet, InputBinding), d.Buffer(OutputSet, OutputBinding)
	for i := uint32(0); i < cfg.ParticleCount && i < d.Invocations(); i++ {
		p := core.Record(in[core.RecordOffset(i):])
		p.Pos[0]++
		core.PutRecord(out[core.RecordOffset(i):], p)
	}
	return nil
}

func (k *stepKernel) dispatched() []uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint32(nil), k.groups...)
}

func newSoftDevice(t *testing.T, latency time.Duration) (*soft.Device, *stepKernel) {
	t.Helper()
	k := &stepKernel{}
	dev := soft.NewDevice(soft.Options{
		Kernels: map[string]soft.Kernel{stepProgram: k.run},
		Latency: latency,
	})
	t.Cleanup(dev.Release)
	return dev, k
}

func storageLayout(t *testing.T, dev hal.Device, bindings int) hal.DescriptorSetLayout {
	t.Helper()
	lb := make([]hal.LayoutBinding, bindings)
	for i := range lb {
		lb[i] = hal.LayoutBinding{Binding: uint32(i), Type: hal.DescriptorStorageBuffer}
	}
	l, err := dev.CreateDescriptorSetLayout("test", lb)
	require.NoError(t, err)
	t.Cleanup(l.Release)
	return l
}

type scopeRecorder struct {
	begun map[string]int
	ended map[string]int
}

func newScopeRecorder() *scopeRecorder {
	return &scopeRecorder{begun: map[string]int{}, ended: map[string]int{}}
}

func (r *scopeRecorder) BeginScope(name string) { r.begun[name]++ }
func (r *scopeRecorder) EndScope(name string)   { r.ended[name]++ }

type releaseFunc func()

func (f releaseFunc) Release() { f() }

var errSubmitRejected = errors.New("submit rejected")

// flakySubmitDevice rejects the first failures submits and forwards
// everything else.
type flakySubmitDevice struct {
	hal.Device
	failures int
}

func (d *flakySubmitDevice) Submit(cmd hal.CommandBuffer, signal hal.Semaphore, fence hal.Fence) error {
	if d.failures > 0 {
		d.failures--
		return errSubmitRejected
	}
	return d.Device.Submit(cmd, signal, fence)
}
