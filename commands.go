package fluid

// Commands is the handle systems and modules use to mutate the App. Resource
// additions are applied at the end of the current stage.
type Commands struct {
	app *App
}

func (cmd *Commands) ChangeState(newState State) *Commands {
	cmd.app.changeState(newState)
	return cmd
}

func (cmd *Commands) AddResources(resources ...any) *Commands {
	cmd.app.pendingResources = append(cmd.app.pendingResources, resources...)
	return cmd
}

func (cmd *Commands) UseSystem(system systemScheduleBuilder) *Commands {
	cmd.app.UseSystem(system)
	return cmd
}

// Exit stops a stateless app after the current frame, or moves a stateful
// one to its final state.
func (cmd *Commands) Exit() {
	cmd.app.requestExit()
}

func (cmd *Commands) Logger() Logger {
	return cmd.app.Logger()
}
