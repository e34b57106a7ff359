package fluid

import (
	"fmt"
)

// SimulationTag marks that a fluid simulation owns a device in the App.
// Only one may be installed at a time.
type SimulationTag struct {
	Backend string
}

// ensureSingleSimulation logs via the app logger, then panics, when a second
// simulation is installed.
func ensureSingleSimulation(app *App, cmd *Commands, backend string) {
	if app == nil {
		panic("ensureSingleSimulation: app is nil")
	}
	if tag, ok := Resource[SimulationTag](app); ok {
		app.Logger().Errorf("Multiple fluid simulations installed: %s and %s", tag.Backend, backend)
		panic(fmt.Sprintf("Multiple fluid simulations installed: %s and %s", tag.Backend, backend))
	}
	cmd.AddResources(&SimulationTag{Backend: backend})
}
