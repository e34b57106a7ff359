// Package app owns a device and the particle simulation running on it.
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/gpu"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/soft"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/vkhal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/wgpuhal"
	"github.com/gekko3d/fluid/fluidrt/rt/shaders"
)

const (
	BackendSoft   = "soft"
	BackendVulkan = "vulkan"
	BackendWebGPU = "wgpu"
)

var ErrUnknownBackend = errors.New("app: unknown backend")

// Backends lists the names OpenDevice accepts.
func Backends() []string {
	return []string{BackendSoft, BackendVulkan, BackendWebGPU}
}

type Config struct {
	Backend    string
	Simulation gpu.Options
	// SPIRVPath is the compiled fluid.comp, required by the Vulkan backend.
	SPIRVPath string
	Vulkan    vkhal.Options
	WebGPU    wgpuhal.Options
	// SoftLatency delays every submission on the soft backend.
	SoftLatency time.Duration
	// Registerer (optional) receives the profiler collectors.
	Registerer prometheus.Registerer
}

type App struct {
	Config   Config
	Device   hal.Device
	Sim      *gpu.Simulation
	Profiler *Profiler

	log        gpu.Logger
	ownsDevice bool
}

func NewApp(cfg Config, log gpu.Logger) *App {
	if cfg.Backend == "" {
		cfg.Backend = BackendSoft
	}
	a := &App{
		Config:   cfg,
		Profiler: NewProfiler(),
		log:      log,
	}
	if cfg.Registerer != nil {
		a.Profiler.Export(cfg.Registerer)
	}
	return a
}

// UseDevice injects a device owned by the host. It must be called before
// Init; Cleanup leaves the device alive.
func (a *App) UseDevice(d hal.Device) {
	a.Device = d
	a.ownsDevice = false
}

// OpenDevice opens the backend named by cfg.Backend.
func OpenDevice(cfg Config) (hal.Device, error) {
	switch cfg.Backend {
	case BackendSoft, "":
		return soft.NewDevice(soft.Options{
			Kernels: shaders.Kernels(simulationBounds(cfg)),
			Latency: cfg.SoftLatency,
		}), nil
	case BackendVulkan:
		return vkhal.Open(cfg.Vulkan)
	case BackendWebGPU:
		return wgpuhal.Open(cfg.WebGPU)
	}
	return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownBackend, cfg.Backend, Backends())
}

// Program builds the fluid program in the form cfg.Backend consumes.
func Program(cfg Config) (hal.Program, error) {
	var spirv []byte
	if cfg.Backend == BackendVulkan {
		if cfg.SPIRVPath == "" {
			return hal.Program{}, fmt.Errorf("app: the vulkan backend needs a SPIR-V path: %w", hal.ErrProgramLoad)
		}
		code, err := shaders.LoadSPIRV(cfg.SPIRVPath)
		if err != nil {
			return hal.Program{}, err
		}
		spirv = code
	}
	return shaders.FluidProgram(simulationBounds(cfg), spirv), nil
}

func simulationBounds(cfg Config) core.BoundingArea {
	if b := cfg.Simulation.Bounds; b != (core.BoundingArea{}) {
		return b
	}
	return core.DefaultBoundingArea()
}

func (a *App) Init() error {
	program, err := Program(a.Config)
	if err != nil {
		return err
	}
	if a.Device == nil {
		dev, err := OpenDevice(a.Config)
		if err != nil {
			return fmt.Errorf("app: open %s device: %w", a.Config.Backend, err)
		}
		a.Device = dev
		a.ownsDevice = true
	}

	opts := a.Config.Simulation
	opts.Program = program
	opts.Profiler = a.Profiler
	a.Sim = gpu.NewSimulation(a.Device, opts, a.log)
	if err := a.Sim.Init(); err != nil {
		a.releaseDevice()
		a.Sim = nil
		return err
	}
	return nil
}

// Step runs one tick over count particles.
func (a *App) Step(count uint32, dt float32) error {
	if a.Sim == nil {
		return gpu.ErrNotInitialized
	}
	if err := a.Sim.Step(count, dt); err != nil {
		return err
	}
	a.Profiler.SetCount("Ticks", int(a.Sim.Tick()))
	a.Profiler.SetCount("Particles", int(count))
	a.Profiler.SetCount("DescriptorPools", a.descriptorPools())
	return nil
}

func (a *App) descriptorPools() int {
	ring := a.Sim.Ring()
	if ring == nil {
		return 0
	}
	n := 0
	for i := 0; i < ring.Len(); i++ {
		n += ring.Slot(i).Descriptors.PoolCount()
	}
	return n
}

// Cleanup releases the simulation, then the device if the App opened it.
func (a *App) Cleanup() error {
	var err error
	if a.Sim != nil {
		err = a.Sim.Cleanup()
	}
	a.releaseDevice()
	return err
}

func (a *App) releaseDevice() {
	if a.Device == nil || !a.ownsDevice {
		return
	}
	a.Device.Release()
	a.Device = nil
}
