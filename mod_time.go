package fluid

import (
	"time"
)

type Time struct {
	Time time.Time
	Dt   time.Duration
	// FixedDt, when positive, replaces the measured frame time.
	FixedDt time.Duration
	Ticks   uint64
}

// Seconds is the frame time the simulation integrates over.
func (t *Time) Seconds() float32 {
	return float32(t.Dt.Seconds())
}

type TimeModule struct {
	FixedDt time.Duration
}

func (mod TimeModule) Install(app *App, cmd *Commands) {
	cmd.AddResources(&Time{
		Time:    time.Now(),
		FixedDt: mod.FixedDt,
	})
	cmd.UseSystem(System(timeSystem).InStage(Prelude))
}

func timeSystem(timeResource *Time) {
	now := time.Now()

	if timeResource.FixedDt > 0 {
		timeResource.Dt = timeResource.FixedDt
	} else {
		timeResource.Dt = now.Sub(timeResource.Time)
	}
	timeResource.Time = now
	timeResource.Ticks++
}
