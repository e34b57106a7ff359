package fluid

import (
	"github.com/prometheus/client_golang/prometheus"

	app_rt "github.com/gekko3d/fluid/fluidrt/rt/app"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// FluidModule runs the particle simulation, one dispatch per frame.
//
// It needs the Time resource (TimeModule). In a stateful app the simulation
// steps while in RunningState and is torn down when that state is exited;
// in a stateless app it steps every frame and is torn down when Run returns.
type FluidModule struct {
	Settings     Settings
	RunningState State
	// Registerer receives the tick pipeline metrics when set.
	Registerer prometheus.Registerer
	// Device is an optional host-owned device to run on.
	Device hal.Device
}

type FluidState struct {
	Runtime       *app_rt.App
	ParticleCount uint32
	Settings      Settings
}

// runLogger tags lines with the run id and the current tick.
func (s *FluidState) runLogger(log Logger) Logger {
	return log.With("run", s.Runtime.Sim.RunID()).With("tick", s.Runtime.Sim.Tick())
}

func (mod FluidModule) Install(app *App, cmd *Commands) {
	log := app.Logger()
	ensureSingleSimulation(app, cmd, mod.Settings.GPU.Backend)

	rt := app_rt.NewApp(mod.Settings.RuntimeConfig(mod.Registerer), log)
	if mod.Device != nil {
		rt.UseDevice(mod.Device)
	}
	if err := rt.Init(); err != nil {
		log.Errorf("fluid: init %s backend: %v", mod.Settings.GPU.Backend, err)
		panic(err)
	}
	state := &FluidState{
		Runtime:       rt,
		ParticleCount: mod.Settings.Simulation.ParticleCount,
		Settings:      mod.Settings,
	}
	state.runLogger(log).Infof("fluid: %d particles on %s", state.ParticleCount, rt.Device.Name())
	cmd.AddResources(state)

	if app.stateful {
		app.UseSystem(
			System(fluidStepSystem).
				InStage(Update).
				InState(OnExecute(mod.RunningState)),
		)
		app.UseSystem(
			System(fluidShutdownSystem).
				InStage(Finale).
				InState(OnExit(mod.RunningState)),
		)
		return
	}
	app.UseSystem(
		System(fluidStepSystem).
			InStage(Update).
			RunAlways(),
	)
	app.UseShutdownSystem(fluidShutdownSystem)
}

func fluidStepSystem(state *FluidState, t *Time, cmd *Commands) {
	if state == nil || state.Runtime == nil {
		return
	}
	dt := t.Seconds()
	if dt <= 0 {
		dt = 1.0 / 60.0
	}
	if err := state.Runtime.Step(state.ParticleCount, dt); err != nil {
		state.runLogger(cmd.Logger()).Errorf("fluid: step: %v", err)
		panic(err)
	}
}

func fluidShutdownSystem(state *FluidState, cmd *Commands) {
	if state == nil || state.Runtime == nil {
		return
	}
	log := state.runLogger(cmd.Logger())
	if log.DebugEnabled() {
		log.Debugf("fluid: profile\n%s", state.Runtime.Profiler.GetStatsString())
	}
	if err := state.Runtime.Cleanup(); err != nil {
		log.Errorf("fluid: cleanup: %v", err)
		panic(err)
	}
	state.Runtime = nil
}
