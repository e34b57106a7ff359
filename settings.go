package fluid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"

	app_rt "github.com/gekko3d/fluid/fluidrt/rt/app"
	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/gpu"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/vkhal"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/wgpuhal"
)

// Duration is a time.Duration written as "16ms" in settings files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Settings struct {
	Simulation SimulationSettings `toml:"simulation"`
	GPU        GPUSettings        `toml:"gpu"`
	Metrics    MetricsSettings    `toml:"metrics"`
	Log        LogSettings        `toml:"log"`
}

type SimulationSettings struct {
	ParticleCount uint32  `toml:"particle_count"`
	Spacing       float32 `toml:"spacing"`
	// FixedDt replaces the measured frame time when set.
	FixedDt  Duration       `toml:"fixed_dt"`
	MaxTicks uint64         `toml:"max_ticks"`
	Readback bool           `toml:"readback"`
	Bounds   BoundsSettings `toml:"bounds"`
}

type BoundsSettings struct {
	Right float32 `toml:"right"`
	Up    float32 `toml:"up"`
	Left  float32 `toml:"left"`
	Down  float32 `toml:"down"`
}

type GPUSettings struct {
	Backend      string   `toml:"backend"`
	Overlap      int      `toml:"overlap"`
	FenceTimeout Duration `toml:"fence_timeout"`
	PoolSets     uint32   `toml:"pool_sets"`
	SPIRV        string   `toml:"spirv"`
	DeviceIndex  int      `toml:"device_index"`
	LowPower     bool     `toml:"low_power"`
	Fallback     bool     `toml:"fallback"`
}

type MetricsSettings struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `toml:"listen"`
}

type LogSettings struct {
	Prefix string `toml:"prefix"`
	Debug  bool   `toml:"debug"`
}

func DefaultSettings() Settings {
	b := core.DefaultBoundingArea()
	opts := gpu.DefaultOptions()
	return Settings{
		Simulation: SimulationSettings{
			ParticleCount: opts.Capacity,
			Spacing:       opts.Spacing,
			Bounds:        BoundsSettings{Right: b.Right, Up: b.Up, Left: b.Left, Down: b.Down},
		},
		GPU: GPUSettings{
			Backend:      app_rt.BackendSoft,
			Overlap:      opts.Overlap,
			FenceTimeout: Duration{opts.FenceTimeout},
			PoolSets:     opts.PoolSets,
			DeviceIndex:  -1,
		},
		Log: LogSettings{Prefix: "fluid"},
	}
}

// LoadSettings reads a TOML file over the defaults. A missing file is not an
// error; unknown keys are.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("settings: %w", err)
	}
	defer f.Close()

	if err := DecodeSettings(f, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("settings: %s: %w", path, err)
	}
	return s, nil
}

// DecodeSettings overlays the TOML document in r onto s.
func DecodeSettings(r io.Reader, s *Settings) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return err
	}
	return s.Validate()
}

var ErrInvalidSettings = errors.New("invalid settings")

func (s Settings) Validate() error {
	sim, g := s.Simulation, s.GPU
	switch {
	case sim.Spacing <= 0:
		return fmt.Errorf("%w: spacing must be positive", ErrInvalidSettings)
	case sim.Bounds.Right <= sim.Bounds.Left || sim.Bounds.Up <= sim.Bounds.Down:
		return fmt.Errorf("%w: empty bounding area", ErrInvalidSettings)
	case g.Overlap < 1:
		return fmt.Errorf("%w: overlap must be at least 1", ErrInvalidSettings)
	case g.FenceTimeout.Duration < 0:
		return fmt.Errorf("%w: negative fence_timeout", ErrInvalidSettings)
	}
	return nil
}

func (b BoundsSettings) Area() core.BoundingArea {
	return core.BoundingArea{Right: b.Right, Up: b.Up, Left: b.Left, Down: b.Down}
}

// RuntimeConfig converts the settings into the runtime app configuration.
// reg (optional) receives the tick pipeline and profiler metrics.
func (s Settings) RuntimeConfig(reg prometheus.Registerer) app_rt.Config {
	opts := gpu.DefaultOptions()
	opts.Capacity = s.Simulation.ParticleCount
	opts.Spacing = s.Simulation.Spacing
	opts.Bounds = s.Simulation.Bounds.Area()
	opts.Readback = s.Simulation.Readback
	opts.Overlap = s.GPU.Overlap
	opts.FenceTimeout = s.GPU.FenceTimeout.Duration
	opts.PoolSets = s.GPU.PoolSets
	if reg != nil {
		opts.Metrics = gpu.NewMetrics(reg)
	}
	return app_rt.Config{
		Backend:    s.GPU.Backend,
		Simulation: opts,
		SPIRVPath:  s.GPU.SPIRV,
		Vulkan:     vkhal.Options{AppName: s.Log.Prefix, DeviceIndex: s.GPU.DeviceIndex},
		WebGPU:     wgpuhal.Options{LowPower: s.GPU.LowPower, ForceFallback: s.GPU.Fallback},
		Registerer: reg,
	}
}
