// Package wgpuhal implements the hal device model on WebGPU through
// github.com/cogentcore/webgpu.
//
// WebGPU has no explicit command buffers, fences or push constants, so the
// backend emulates them:
//   - command buffers record ops and are replayed into one compute pass at
//     submit;
//   - push constants live in a per-pipeline uniform block bound after the
//     pipeline's own set layouts and written with Queue.WriteBuffer before
//     the submit;
//   - fences are signaled by a poller that waits for the queue to drain;
//   - semaphores are no-ops because a single queue already orders work.
package wgpuhal

import (
	"fmt"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type Options struct {
	// LowPower asks for the integrated adapter.
	LowPower bool
	// ForceFallback picks the software adapter when the platform has one.
	ForceFallback bool
}

type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	owned    bool
	name     string

	mu       sync.Mutex
	pollers  sync.WaitGroup
	released bool
}

// Open requests an adapter without a surface and a device on it.
func Open(opts Options) (*Device, error) {
	instance := wgpu.CreateInstance(nil)

	pref := wgpu.PowerPreferenceHighPerformance
	if opts.LowPower {
		pref = wgpu.PowerPreferenceLowPower
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference:      pref,
		ForceFallbackAdapter: opts.ForceFallback,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("wgpu: request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("wgpu: request device: %w", err)
	}

	d := wrap(device)
	d.instance = instance
	d.adapter = adapter
	d.owned = true
	if opts.ForceFallback {
		d.name = "wgpu/fallback"
	}
	return d, nil
}

// Wrap adopts the device of a host renderer. Release leaves it alive.
func Wrap(device *wgpu.Device) *Device {
	return wrap(device)
}

func wrap(device *wgpu.Device) *Device {
	return &Device{
		device: device,
		queue:  device.GetQueue(),
		name:   "wgpu",
	}
}

func (d *Device) Name() string { return d.name }

// Raw returns the underlying WebGPU device.
func (d *Device) Raw() *wgpu.Device { return d.device }

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return hal.ErrInvalidHandle
	}
	return nil
}

func (d *Device) CreateFence(label string, signaled bool) (hal.Fence, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	return newFence(d, label, signaled), nil
}

func (d *Device) CreateSemaphore(label string) (hal.Semaphore, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	return &Semaphore{dev: d, label: label}, nil
}

func (d *Device) WaitForFence(fence hal.Fence, timeout time.Duration) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return hal.ErrInvalidHandle
	}
	if !f.wait(timeout) {
		return fmt.Errorf("wgpu: fence %q after %s: %w", f.label, timeout, hal.ErrDeviceUnresponsive)
	}
	return nil
}

func (d *Device) ResetFence(fence hal.Fence) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return hal.ErrInvalidHandle
	}
	return f.reset()
}

// Submit replays cmd into a command encoder and queues it. The fence is
// signaled once the queue has drained past this submission.
func (d *Device) Submit(cmd hal.CommandBuffer, signal hal.Semaphore, fence hal.Fence) error {
	if err := d.usable(); err != nil {
		return err
	}
	cb, ok := cmd.(*CommandBuffer)
	if !ok || cb.dev != d {
		return hal.ErrInvalidHandle
	}
	if signal != nil {
		if s, ok := signal.(*Semaphore); !ok || s.dev != d {
			return hal.ErrInvalidHandle
		}
	}
	var f *Fence
	if fence != nil {
		f, ok = fence.(*Fence)
		if !ok || f.dev != d {
			return hal.ErrInvalidHandle
		}
		if err := f.arm(); err != nil {
			return err
		}
	}

	encoded, err := cb.encode()
	if err != nil {
		if f != nil {
			f.disarm()
		}
		return err
	}
	d.queue.Submit(encoded)
	encoded.Release()

	if f != nil {
		d.pollers.Add(1)
		go func() {
			defer d.pollers.Done()
			d.device.Poll(true, nil)
			f.signal()
		}()
	}
	return nil
}

func (d *Device) WaitIdle() error {
	if err := d.usable(); err != nil {
		return err
	}
	d.device.Poll(true, nil)
	d.pollers.Wait()
	return nil
}

// Release destroys the device when Open created it. Resources created from
// it must be released first.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	d.device.Poll(true, nil)
	d.pollers.Wait()
	if !d.owned {
		return
	}
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

var _ hal.Device = (*Device)(nil)
