package shaders

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal/soft"
)

// Integrate advances one particle by dt: gravity, an explicit Euler step,
// then reflection off the bounding area walls.
func Integrate(p core.Particle, dt float32, b core.BoundingArea) core.Particle {
	p.Velocity[1] += Gravity * dt
	p.Pos = p.Pos.Add(p.Velocity.Mul(dt))

	if p.Pos[0] > b.Right {
		p.Pos[0] = b.Right
		p.Velocity[0] = -math32.Abs(p.Velocity[0]) * WallDamping
	}
	if p.Pos[0] < b.Left {
		p.Pos[0] = b.Left
		p.Velocity[0] = math32.Abs(p.Velocity[0]) * WallDamping
	}
	if p.Pos[1] > b.Up {
		p.Pos[1] = b.Up
		p.Velocity[1] = -math32.Abs(p.Velocity[1]) * WallDamping
	}
	if p.Pos[1] < b.Down {
		p.Pos[1] = b.Down
		p.Velocity[1] = math32.Abs(p.Velocity[1]) * WallDamping
	}
	return p
}

// FluidKernel is the soft backend implementation of the particle kernel.
func FluidKernel(bounds core.BoundingArea) soft.Kernel {
	return func(d *soft.Dispatch) error {
		in, out := d.Buffer(0, 0), d.Buffer(1, 1)
		if in == nil || out == nil {
			return fmt.Errorf("fluid kernel: particle buffers are not bound")
		}
		if len(d.Push) < core.ConfigSize {
			return fmt.Errorf("fluid kernel: missing config push constants")
		}
		cfg := core.ConfigFromBytes(d.Push)
		n := min(cfg.ParticleCount, d.Invocations())
		for i := uint32(0); i < n; i++ {
			off := core.RecordOffset(i)
			if off+core.ParticleStride > len(in) || off+core.ParticleStride > len(out) {
				return fmt.Errorf("fluid kernel: particle %d out of buffer range", i)
			}
			p := core.Record(in[off:])
			core.PutRecord(out[off:], Integrate(p, cfg.DeltaTime, bounds))
		}
		return nil
	}
}

// Kernels maps program names to soft kernels for a soft.Device.
func Kernels(bounds core.BoundingArea) map[string]soft.Kernel {
	return map[string]soft.Kernel{FluidProgramName: FluidKernel(bounds)}
}
