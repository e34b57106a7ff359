package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Particle matches the kernel-side record layout (std430 / WGSL):
// struct Particle { vec2 pos; vec2 velocity; float mass; } -> 24 bytes (8-aligned)
type Particle struct {
	Pos      mgl32.Vec2
	Velocity mgl32.Vec2
	Mass     float32
}

const (
	ParticleStride = 24
	ConfigSize     = 8

	// WorkGroupSize is the local size the kernel is compiled with.
	WorkGroupSize = 256
	// RecordsPerParticle is the number of buffer records reserved per CPU particle.
	// The host only writes record 2*i; odd records belong to the kernel.
	RecordsPerParticle = 2
)

// Config is the inline parameter block pushed with every dispatch.
type Config struct {
	ParticleCount uint32
	DeltaTime     float32
}

// Bytes packs the config as { u32 particle_count; f32 delta_time; }.
func (c Config) Bytes() []byte {
	buf := make([]byte, ConfigSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.ParticleCount)
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(c.DeltaTime))
	return buf
}

// ConfigFromBytes is the inverse of Config.Bytes.
func ConfigFromBytes(b []byte) Config {
	return Config{
		ParticleCount: binary.LittleEndian.Uint32(b[0:4]),
		DeltaTime:     math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// BoundingArea is the static simulation boundary consumed by the kernel.
type BoundingArea struct {
	Right float32
	Up    float32
	Left  float32
	Down  float32
}

func DefaultBoundingArea() BoundingArea {
	return BoundingArea{Right: 10, Up: 10, Left: -10, Down: -10}
}

// BufferSize returns the byte size of a particle buffer able to hold
// RecordsPerParticle records for each of n particles.
func BufferSize(n uint32) uint64 {
	return uint64(n) * RecordsPerParticle * ParticleStride
}

// DispatchGroups returns ceil(count / WorkGroupSize).
func DispatchGroups(count uint32) uint32 {
	return uint32((uint64(count) + WorkGroupSize - 1) / WorkGroupSize)
}

// PutRecord writes p into dst[0:ParticleStride].
func PutRecord(dst []byte, p Particle) {
	_ = dst[ParticleStride-1]
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(p.Pos[0]))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(p.Pos[1]))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(p.Velocity[0]))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(p.Velocity[1]))
	binary.LittleEndian.PutUint32(dst[16:], math.Float32bits(p.Mass))
	binary.LittleEndian.PutUint32(dst[20:], 0)
}

// Record reads the particle stored in src[0:ParticleStride].
func Record(src []byte) Particle {
	_ = src[ParticleStride-1]
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(src[off:]))
	}
	return Particle{
		Pos:      mgl32.Vec2{f(0), f(4)},
		Velocity: mgl32.Vec2{f(8), f(12)},
		Mass:     f(16),
	}
}

// RecordOffset returns the byte offset of the host-owned record of particle i.
func RecordOffset(i uint32) int {
	return int(i) * RecordsPerParticle * ParticleStride
}
