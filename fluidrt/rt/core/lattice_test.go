package core

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsqrt_Boundaries(t *testing.T) {
	tests := []struct {
		n    uint32
		want uint32
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 1},
		{4, 2},
		{15, 3},
		{16, 4},
		{2499, 49},
		{2500, 50},
		{2601, 51},
		{65535, 255},
		{65536, 256},
		{math.MaxUint32, 65535},
		{65535 * 65535, 65535},
		{65535*65535 - 1, 65534},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Isqrt(tt.n), "isqrt(%d)", tt.n)
	}
}

func TestIsqrt_MatchesFloorSqrt(t *testing.T) {
	check := func(n uint32) {
		want := uint32(math.Floor(math.Sqrt(float64(n))))
		require.Equal(t, want, Isqrt(n), "isqrt(%d)", n)
	}
	for n := uint32(0); n < 100000; n++ {
		check(n)
	}
	// sparse sweep over the rest of the range, plus squares and their neighbours
	for n := uint64(100000); n < math.MaxUint32; n += 104729 {
		check(uint32(n))
	}
	for r := uint64(300); r <= 65535; r += 97 {
		sq := r * r
		check(uint32(sq))
		check(uint32(sq - 1))
		if sq+1 <= math.MaxUint32 {
			check(uint32(sq + 1))
		}
	}
}

func TestLatticeEdge(t *testing.T) {
	edge, topleft := LatticeEdge(2500)
	assert.Equal(t, uint32(50), edge)
	assert.Equal(t, int32(-25), topleft)

	edge, topleft = LatticeEdge(16)
	assert.Equal(t, uint32(4), edge)
	assert.Equal(t, int32(-2), topleft)

	// odd edge truncates toward zero
	edge, topleft = LatticeEdge(9)
	assert.Equal(t, uint32(3), edge)
	assert.Equal(t, int32(-1), topleft)
}

func TestInitParticlesSquare_2500(t *testing.T) {
	ps := InitParticlesSquare(2500, 0.1)
	require.Len(t, ps, 2500)

	assert.InDelta(t, -2.5, ps[0].Pos.X(), 1e-6)
	assert.InDelta(t, -2.5, ps[0].Pos.Y(), 1e-6)

	last := ps[2499]
	assert.InDelta(t, 2.4, last.Pos.X(), 1e-5)
	assert.InDelta(t, 2.4, last.Pos.Y(), 1e-5)

	// row-major: index 50 starts the second row
	assert.InDelta(t, -2.5, ps[50].Pos.X(), 1e-6)
	assert.InDelta(t, -2.4, ps[50].Pos.Y(), 1e-5)
}

func TestInitParticlesSquare_16Grid(t *testing.T) {
	ps := InitParticlesSquare(16, 1)
	require.Len(t, ps, 16)

	i := 0
	for row := -2; row <= 1; row++ {
		for col := -2; col <= 1; col++ {
			p := ps[i]
			assert.Equal(t, mgl32.Vec2{float32(col), float32(row)}, p.Pos, "particle %d", i)
			assert.Equal(t, mgl32.Vec2{}, p.Velocity, "particle %d", i)
			assert.Equal(t, float32(1), p.Mass, "particle %d", i)
			i++
		}
	}
}

func TestInitParticlesSquare_NotPerfectSquare(t *testing.T) {
	// 10 particles: edge 3, the last particle wraps onto a fourth row
	ps := InitParticlesSquare(10, 1)
	assert.Equal(t, mgl32.Vec2{-1, -1}, ps[0].Pos)
	assert.Equal(t, mgl32.Vec2{1, 1}, ps[8].Pos)
	assert.Equal(t, mgl32.Vec2{-1, 2}, ps[9].Pos)
}

func TestInitParticlesSquare_Empty(t *testing.T) {
	assert.Empty(t, InitParticlesSquare(0, 1))
}

func TestSetParticlesSquare_InPlace(t *testing.T) {
	ps := InitParticlesSquare(16, 1)
	for i := range ps {
		ps[i].Pos = mgl32.Vec2{100, 100}
		ps[i].Velocity = mgl32.Vec2{3, 4}
		ps[i].Mass = 2
	}
	before := &ps[0]

	SetParticlesSquare(ps, 0.5)

	assert.Same(t, before, &ps[0])
	assert.Equal(t, mgl32.Vec2{-1, -1}, ps[0].Pos)
	assert.Equal(t, mgl32.Vec2{0.5, 0.5}, ps[15].Pos)
	for _, p := range ps {
		assert.Equal(t, mgl32.Vec2{}, p.Velocity)
		assert.Equal(t, float32(2), p.Mass)
	}
}
