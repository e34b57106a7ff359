package fluid

import (
	"fmt"
	"reflect"
	"runtime"
)

type systemFn any

// Module installs resources and systems into an App.
type Module interface {
	Install(app *App, cmd *Commands)
}

type App struct {
	stateful           bool
	stateTransitioning bool
	exitRequested      bool
	initialState       State
	finalState         State
	nextState          State
	state              State
	stages             []Stage
	systems            map[string]map[State]map[statePhase][]systemFn
	systemsStateless   map[string][]systemFn
	shutdownSystems    []systemFn
	resources          map[reflect.Type]any

	pendingResources []any
}

func (app *App) Commands() *Commands {
	return &Commands{
		app: app,
	}
}

// Run drives the stages until the final state is reached, or until a
// system calls Commands.Exit in a stateless app.
func (app *App) Run() {
	log := app.Logger()
	if app.stateful {
		log.Debugf("running in stateful mode (%d -> %d)", app.initialState, app.finalState)

		app.state = app.initialState
		app.callSystems(app.state, enter)
	} else {
		log.Debugf("running in stateless mode")
	}

	for {
		app.callSystems(app.state, execute)

		if app.stateful {
			if app.stateTransitioning {
				app.stateTransitioning = false
				app.executeChangeState(app.nextState)
			}

			if app.state == app.finalState {
				app.callSystems(app.state, exit)
				break
			}
		} else if app.exitRequested {
			break
		}
	}

	for _, system := range app.shutdownSystems {
		app.callSystem(system)
	}
	app.FlushCommands()
}

// UseShutdownSystem registers a system that runs once when Run returns.
func (app *App) UseShutdownSystem(system systemFn) *App {
	app.shutdownSystems = append(app.shutdownSystems, system)
	return app
}

// State returns the current state of a stateful app.
func (app *App) State() State { return app.state }

func (app *App) callSystems(state State, phase statePhase) {
	for _, stage := range app.stages {
		// stateless systems run before the stateful ones of the same stage
		if execute == phase {
			for _, system := range app.systemsStateless[stage.Name] {
				app.callSystem(system)
			}
		}

		if app.stateful {
			if systemsInStage, ok := app.systems[stage.Name]; ok {
				if systemsInState, ok := systemsInStage[state]; ok {
					for _, system := range systemsInState[phase] {
						app.callSystem(system)
					}
				}
			}
		}
		app.FlushCommands()
	}
}

func (app *App) changeState(newState State) {
	app.nextState = newState
	app.stateTransitioning = true
}

func (app *App) executeChangeState(newState State) {
	app.callSystems(app.state, exit)
	app.state = newState
	app.callSystems(app.state, enter)
}

func (app *App) requestExit() {
	if app.stateful {
		app.changeState(app.finalState)
		return
	}
	app.exitRequested = true
}

func (app *App) addResources(resources ...any) *App {
	for _, resource := range resources {
		resourceType := reflect.TypeOf(resource)
		if _, ok := app.resources[resourceType.Elem()]; ok {
			panic(fmt.Sprintf("%s is already in resources", resourceType))
		}

		app.resources[resourceType.Elem()] = resource
	}
	return app
}

// Resource looks up a resource by its pointer type.
func Resource[T any](app *App) (*T, bool) {
	r, ok := app.resources[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		return nil, false
	}
	t, ok := r.(*T)
	return t, ok
}

var typeOfCommands = reflect.TypeOf(Commands{})

func (app *App) callSystem(system systemFn) {
	systemType := reflect.TypeOf(system)
	systemValue := reflect.ValueOf(system)

	args := make([]reflect.Value, systemType.NumIn())

	for i := 0; i < systemType.NumIn(); i++ {
		argType := systemType.In(i)
		if argType.Kind() != reflect.Pointer {
			app.unresolved(systemValue, systemType, argType)
		}
		underlyingType := argType.Elem()

		if underlyingType == typeOfCommands {
			args[i] = reflect.ValueOf(&Commands{app: app})
		} else if resource, argIsResource := app.resources[underlyingType]; argIsResource {
			args[i] = reflect.ValueOf(resource)
		} else {
			app.unresolved(systemValue, systemType, argType)
		}
	}
	systemValue.Call(args)
}

func (app *App) unresolved(systemValue reflect.Value, systemType, argType reflect.Type) {
	msg := fmt.Sprintf("Unable to resolve System dependency.\nSystem: %s\nSystem type: %s\nDependency: %s",
		runtime.FuncForPC(systemValue.Pointer()).Name(),
		fmt.Sprint(systemType),
		fmt.Sprint(argType),
	)
	app.Logger().Errorf("%s", msg)
	panic(msg)
}

// FlushCommands applies the resources queued by Commands.AddResources.
func (app *App) FlushCommands() {
	if len(app.pendingResources) == 0 {
		return
	}
	pending := app.pendingResources
	app.pendingResources = nil
	app.addResources(pending...)
}
