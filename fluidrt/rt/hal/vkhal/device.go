// Package vkhal implements the hal device model on Vulkan through
// github.com/vulkan-go/vulkan.
//
// Particle buffers live in host-visible coherent memory, so Map and Read
// touch device memory directly. Config travels as push constants.
package vkhal

import (
	"fmt"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

var (
	loadOnce sync.Once
	loadErr  error
)

// Load resolves the Vulkan loader. Open calls it; hosts that Wrap their own
// device must have called it (or vk.Init) themselves.
func Load() error {
	loadOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loadErr = fmt.Errorf("vulkan: load library: %w", err)
			return
		}
		if err := vk.Init(); err != nil {
			loadErr = fmt.Errorf("vulkan: init loader: %w", err)
		}
	})
	return loadErr
}

type Options struct {
	AppName string
	// DeviceIndex selects a physical device; negative picks the first one
	// with a compute queue.
	DeviceIndex int
}

// Handles are the objects of an existing Vulkan device, for Wrap.
type Handles struct {
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device
	Queue          vk.Queue
	QueueFamily    uint32
}

type Device struct {
	instance vk.Instance
	gpu      vk.PhysicalDevice
	device   vk.Device
	queue    vk.Queue
	family   uint32
	owned    bool
	name     string
	memProps vk.PhysicalDeviceMemoryProperties
	cmdPool  vk.CommandPool

	mu       sync.Mutex
	released bool
}

// Open creates a headless instance and a device with one compute queue.
func Open(opts Options) (*Device, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	name := opts.AppName
	if name == "" {
		name = "fluid"
	}
	var instance vk.Instance
	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   name + "\x00",
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        "fluid\x00",
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 1, 0),
		},
	}, nil, &instance)
	if err := newError("create instance", res); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("vulkan: init instance: %w", err)
	}

	gpu, family, err := pickComputeDevice(instance, opts.DeviceIndex)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	var device vk.Device
	res = vk.CreateDevice(gpu, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
	}, nil, &device)
	if err := newError("create device", res); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	var queue vk.Queue
	vk.GetDeviceQueue(device, family, 0, &queue)

	d, err := wrap(Handles{PhysicalDevice: gpu, Device: device, Queue: queue, QueueFamily: family})
	if err != nil {
		vk.DestroyDevice(device, nil)
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	d.instance = instance
	d.owned = true
	return d, nil
}

// Wrap adopts a device owned by the host renderer. Release frees only what
// the wrapper created; the device itself stays alive.
func Wrap(h Handles) (*Device, error) {
	return wrap(h)
}

func wrap(h Handles) (*Device, error) {
	d := &Device{
		gpu:    h.PhysicalDevice,
		device: h.Device,
		queue:  h.Queue,
		family: h.QueueFamily,
	}
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(d.gpu, &props)
	props.Deref()
	d.name = "vulkan/" + vk.ToString(props.DeviceName[:])

	vk.GetPhysicalDeviceMemoryProperties(d.gpu, &d.memProps)
	d.memProps.Deref()

	res := vk.CreateCommandPool(d.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &d.cmdPool)
	if err := newError("create command pool", res); err != nil {
		return nil, err
	}
	return d, nil
}

func pickComputeDevice(instance vk.Instance, index int) (vk.PhysicalDevice, uint32, error) {
	var count uint32
	if err := newError("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("vulkan: no physical devices")
	}
	gpus := make([]vk.PhysicalDevice, count)
	if err := newError("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, gpus)); err != nil {
		return nil, 0, err
	}

	for i, gpu := range gpus {
		if index >= 0 && i != index {
			continue
		}
		if family, ok := computeFamily(gpu); ok {
			return gpu, family, nil
		}
	}
	return nil, 0, fmt.Errorf("vulkan: no physical device with a compute queue")
}

func computeFamily(gpu vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, families)
	for i, f := range families {
		f.Deref()
		if f.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func (d *Device) Name() string { return d.name }

// findMemoryType returns a memory type allowed by typeBits with all of the
// wanted property flags.
func (d *Device) findMemoryType(typeBits uint32, want vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < d.memProps.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		d.memProps.MemoryTypes[i].Deref()
		if d.memProps.MemoryTypes[i].PropertyFlags&want == want {
			return i, true
		}
	}
	return 0, false
}

func (d *Device) WaitForFence(fence hal.Fence, timeout time.Duration) error {
	f, ok := fence.(*Fence)
	if !ok {
		return hal.ErrInvalidHandle
	}
	ns := ^uint64(0)
	if timeout > 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	res := vk.WaitForFences(d.device, 1, []vk.Fence{f.fence}, vk.True, ns)
	if res == vk.Timeout {
		return fmt.Errorf("vulkan: fence %q after %s: %w", f.label, timeout, hal.ErrDeviceUnresponsive)
	}
	return newError("wait for fence", res)
}

func (d *Device) ResetFence(fence hal.Fence) error {
	f, ok := fence.(*Fence)
	if !ok {
		return hal.ErrInvalidHandle
	}
	return newError("reset fence", vk.ResetFences(d.device, 1, []vk.Fence{f.fence}))
}

func (d *Device) Submit(cmd hal.CommandBuffer, signal hal.Semaphore, fence hal.Fence) error {
	cb, ok := cmd.(*CommandBuffer)
	if !ok {
		return hal.ErrInvalidHandle
	}
	info := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cb.cmd},
	}
	if signal != nil {
		s, ok := signal.(*Semaphore)
		if !ok {
			return hal.ErrInvalidHandle
		}
		info.SignalSemaphoreCount = 1
		info.PSignalSemaphores = []vk.Semaphore{s.sem}
	}
	vf := vk.NullFence
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return hal.ErrInvalidHandle
		}
		vf = f.fence
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return newError("queue submit", vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{info}, vf))
}

func (d *Device) WaitIdle() error {
	return newError("device wait idle", vk.DeviceWaitIdle(d.device))
}

// Release destroys the command pool and, for devices created by Open, the
// device and instance. Every handle created from d must be released first.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	vk.DeviceWaitIdle(d.device)
	vk.DestroyCommandPool(d.device, d.cmdPool, nil)
	if d.owned {
		vk.DestroyDevice(d.device, nil)
		vk.DestroyInstance(d.instance, nil)
	}
}
var _ hal.Device = (*Device)(nil)
