package core

import "github.com/go-gl/mathgl/mgl32"

// Isqrt returns floor(sqrt(n)) using the digit-by-digit binary method.
func Isqrt(n uint32) uint32 {
	var res uint32
	// highest power of four <= n
	bit := uint32(1) << 30
	for bit > n {
		bit >>= 2
	}
	for bit != 0 {
		if n >= res+bit {
			n -= res + bit
			res = (res >> 1) + bit
		} else {
			res >>= 1
		}
		bit >>= 2
	}
	return res
}

// LatticeEdge returns the row length and top-left cell index of an n-particle lattice.
func LatticeEdge(n uint32) (edge uint32, topleft int32) {
	edge = Isqrt(n)
	topleft = -int32(edge) / 2
	return edge, topleft
}

// LatticePosition is the position of particle i on a lattice with the given
// edge length, top-left cell and spacing. Particles are laid out row-major.
func LatticePosition(i, edge uint32, topleft int32, spacing float32) mgl32.Vec2 {
	col := topleft + int32(i%edge)
	row := topleft + int32(i/edge)
	return mgl32.Vec2{float32(col) * spacing, float32(row) * spacing}
}

// InitParticlesSquare allocates n particles placed on a square lattice,
// at rest and with unit mass.
func InitParticlesSquare(n uint32, spacing float32) []Particle {
	particles := make([]Particle, n)
	edge, topleft := LatticeEdge(n)
	for i := uint32(0); i < n; i++ {
		particles[i] = Particle{
			Pos:  LatticePosition(i, edge, topleft, spacing),
			Mass: 1,
		}
	}
	return particles
}

// SetParticlesSquare re-seeds an existing slice in place. Velocities are
// zeroed; masses are left as they are.
func SetParticlesSquare(particles []Particle, spacing float32) {
	edge, topleft := LatticeEdge(uint32(len(particles)))
	for i := range particles {
		particles[i].Pos = LatticePosition(uint32(i), edge, topleft, spacing)
		particles[i].Velocity = mgl32.Vec2{}
	}
}
