// Command fluidsim runs the particle simulation headless for a number of
// ticks on the chosen backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gekko3d/fluid"
	app_rt "github.com/gekko3d/fluid/fluidrt/rt/app"
)

func main() {
	configPath := flag.String("config", "fluid.toml", "settings file (TOML); missing file keeps the defaults")
	backend := flag.String("backend", "", "device backend: "+strings.Join(app_rt.Backends(), ", "))
	particles := flag.Uint64("particles", 0, "particle count")
	ticks := flag.Uint64("ticks", 0, "stop after this many ticks (0 runs until SIGINT or SIGTERM)")
	overlap := flag.Int("overlap", 0, "frames in flight")
	spirv := flag.String("spirv", "", "compiled fluid.comp for the vulkan backend")
	dt := flag.Duration("dt", 0, "fixed time step (0 measures frame time)")
	readback := flag.Bool("readback", false, "copy kernel output back into the particle array")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()
	count, err := particleCount(*particles)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	settings, err := fluid.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	applyFlags(&settings, flagOverrides{
		backend:      *backend,
		particles:    count,
		particlesSet: isSet("particles"),
		ticks:        *ticks,
		overlap:      *overlap,
		spirv:        *spirv,
		dt:           *dt,
		readback:     *readback,
		metrics:      *metricsAddr,
		debug:        *debug,
	})
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := fluid.NewDefaultLogger(settings.Log.Prefix, settings.Log.Debug)

	var reg *prometheus.Registry
	if settings.Metrics.Listen != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		go serveMetrics(settings.Metrics.Listen, reg, logger)
	}

	builder := fluid.NewAppBuilder().
		UseModule(
			fluid.LoggingModule{Prefix: settings.Log.Prefix, Debug: settings.Log.Debug},
			fluid.TimeModule{FixedDt: settings.Simulation.FixedDt.Duration},
		)
	if reg != nil {
		builder.UseModule(fluid.FluidModule{Settings: settings, Registerer: reg})
	} else {
		builder.UseModule(fluid.FluidModule{Settings: settings})
	}
	builder.UseModule(fluid.TickLimitModule{MaxTicks: settings.Simulation.MaxTicks})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	builder.UseModule(fluid.InterruptModule{Ctx: ctx})

	start := time.Now()
	builder.Build().Run()
	logger.Infof("done in %s", time.Since(start).Round(time.Millisecond))
}

func particleCount(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("-particles %d exceeds %d", v, uint64(math.MaxUint32))
	}
	return uint32(v), nil
}

// isSet reports whether the named flag was given on the command line.
func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

type flagOverrides struct {
	backend      string
	particles    uint32
	particlesSet bool
	ticks        uint64
	overlap      int
	spirv        string
	dt           time.Duration
	readback     bool
	metrics      string
	debug        bool
}

func applyFlags(s *fluid.Settings, f flagOverrides) {
	if f.backend != "" {
		s.GPU.Backend = f.backend
	}
	if f.particlesSet {
		s.Simulation.ParticleCount = f.particles
	}
	if f.ticks > 0 {
		s.Simulation.MaxTicks = f.ticks
	}
	if f.overlap > 0 {
		s.GPU.Overlap = f.overlap
	}
	if f.spirv != "" {
		s.GPU.SPIRV = f.spirv
	}
	if f.dt > 0 {
		s.Simulation.FixedDt.Duration = f.dt
	}
	if f.readback {
		s.Simulation.Readback = true
	}
	if f.metrics != "" {
		s.Metrics.Listen = f.metrics
	}
	if f.debug {
		s.Log.Debug = true
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log fluid.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("metrics server exited: %v", err)
	}
}
