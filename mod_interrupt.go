package fluid

import "context"

// Interrupt carries the context whose cancellation ends the app.
type Interrupt struct {
	Ctx context.Context
}

// InterruptModule ends the app at the end of the frame in which Ctx is
// cancelled, so shutdown systems still run. Typically Ctx comes from
// signal.NotifyContext.
type InterruptModule struct {
	Ctx context.Context
}

func (mod InterruptModule) Install(app *App, cmd *Commands) {
	ctx := mod.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.AddResources(&Interrupt{Ctx: ctx})
	app.UseSystem(
		System(interruptSystem).
			InStage(Finale).
			RunAlways(),
	)
}

func interruptSystem(in *Interrupt, cmd *Commands) {
	select {
	case <-in.Ctx.Done():
		cmd.Logger().Infof("interrupted: %v", context.Cause(in.Ctx))
		cmd.Exit()
	default:
	}
}
