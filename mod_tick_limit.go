package fluid

// TickLimit counts frames towards MaxTicks.
type TickLimit struct {
	MaxTicks uint64
	Ticks    uint64
}

// TickLimitModule ends the app after MaxTicks frames. Zero means no limit.
type TickLimitModule struct {
	MaxTicks uint64
}

func (mod TickLimitModule) Install(app *App, cmd *Commands) {
	cmd.AddResources(&TickLimit{MaxTicks: mod.MaxTicks})
	app.UseSystem(
		System(tickLimitSystem).
			InStage(Finale).
			RunAlways(),
	)
}

func tickLimitSystem(limit *TickLimit, cmd *Commands) {
	limit.Ticks++
	if limit.MaxTicks > 0 && limit.Ticks >= limit.MaxTicks {
		cmd.Exit()
	}
}
