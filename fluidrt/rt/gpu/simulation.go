package gpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

var (
	// ErrParticleCount is returned by Step when asked to simulate more
	// particles than the buffers were sized for.
	ErrParticleCount  = errors.New("gpu: particle count exceeds capacity")
	ErrNotInitialized = errors.New("gpu: simulation is not initialized")
)

// Profiler scope names used by Step.
const (
	ScopeFenceWait = "FenceWait"
	ScopeUpload    = "Upload"
	ScopeRecord    = "Record"
	ScopeSubmit    = "Submit"
)

type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type Profiler interface {
	BeginScope(name string)
	EndScope(name string)
}

type State int

const (
	Idle State = iota
	Recording
	Submitted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	// Capacity is the lattice size N. Buffers hold 2*N records.
	Capacity uint32
	Spacing  float32
	// Overlap is the number of frames in flight.
	Overlap int
	Bounds  core.BoundingArea
	Program hal.Program
	// FenceTimeout bounds every wait for a slot to be reclaimed.
	FenceTimeout time.Duration
	// Readback copies the output of the previous tick into the particle
	// array before each upload, so every tick integrates the last result.
	// Step then waits for the previous submission, which serialises the
	// CPU behind the GPU by one tick.
	Readback bool
	// PoolSets is the set count of the first descriptor pool of each slot.
	PoolSets uint32
	Metrics  *Metrics
	Profiler Profiler
}

func DefaultOptions() Options {
	return Options{
		Capacity:     2500,
		Spacing:      0.1,
		Overlap:      2,
		Bounds:       core.DefaultBoundingArea(),
		FenceTimeout: time.Second,
		PoolSets:     8,
	}
}

// Simulation owns the CPU particle array and the frame ring, and drives one
// compute dispatch per tick.
type Simulation struct {
	device hal.Device
	opts   Options
	log    Logger
	runID  uuid.UUID

	particles []core.Particle
	staging   []byte

	global       DeletionQueue
	inputLayout  hal.DescriptorSetLayout
	outputLayout hal.DescriptorSetLayout
	pipeline     hal.Pipeline
	ring         *FrameRing

	tick  uint64
	state State
}

// NewSimulation seeds the particle lattice. No device work happens until Init.
func NewSimulation(device hal.Device, opts Options, log Logger) *Simulation {
	def := DefaultOptions()
	if opts.Overlap <= 0 {
		opts.Overlap = def.Overlap
	}
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = def.FenceTimeout
	}
	if opts.PoolSets == 0 {
		opts.PoolSets = def.PoolSets
	}
	if opts.Bounds == (core.BoundingArea{}) {
		opts.Bounds = def.Bounds
	}
	s := &Simulation{
		device:    device,
		opts:      opts,
		log:       log,
		runID:     uuid.New(),
		particles: core.InitParticlesSquare(opts.Capacity, opts.Spacing),
	}
	s.global.metrics = opts.Metrics
	return s
}

// Init creates the layouts, the pipeline and the frame ring.
func (s *Simulation) Init() error {
	if s.ring != nil {
		return nil
	}
	label := "fluid-" + s.runID.String()[:8]

	in, out, err := ParticleLayouts(s.device)
	if err != nil {
		return err
	}
	s.inputLayout, s.outputLayout = in, out
	s.global.Push(in)
	s.global.Push(out)

	s.pipeline, err = NewComputePipeline(s.device, s.opts.Program, []hal.DescriptorSetLayout{in, out}, core.ConfigSize)
	if err != nil {
		s.global.Flush()
		return err
	}
	s.global.Push(s.pipeline)

	s.ring, err = NewFrameRing(s.device, FrameRingConfig{
		Label:    label,
		Overlap:  s.opts.Overlap,
		Capacity: s.opts.Capacity,
		PoolSets: s.opts.PoolSets,
		Ratios:   []PoolSizeRatio{{Type: hal.DescriptorStorageBuffer, Ratio: 1}},
		Metrics:  s.opts.Metrics,
	})
	if err != nil {
		s.global.Flush()
		return err
	}
	s.global.Push(s.ring)

	if s.opts.Readback {
		s.staging = make([]byte, core.BufferSize(max(s.opts.Capacity, 1)))
	}
	if s.log != nil {
		s.log.Infof("fluid %s: %d particles, %d frames in flight on %s", s.runID, s.opts.Capacity, s.opts.Overlap, s.device.Name())
	}
	return nil
}

// Step uploads the particle array into the current slot and submits one
// dispatch over count particles. It blocks only while the slot is still in
// use by the submission made Overlap ticks earlier. With Readback on it also
// waits for the previous tick, whose output becomes this tick's input.
func (s *Simulation) Step(count uint32, dt float32) error {
	if s.ring == nil {
		return ErrNotInitialized
	}
	if count > s.opts.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrParticleCount, count, s.opts.Capacity)
	}
	slot := s.ring.Current(s.tick)
	var prev *FrameSlot
	if s.opts.Readback && s.tick > 0 {
		prev = s.ring.Current(s.tick - 1)
	}

	s.begin(ScopeFenceWait)
	start := time.Now()
	err := s.reclaim(slot)
	if err == nil && prev != nil {
		err = s.reclaim(prev)
	}
	s.end(ScopeFenceWait)
	if err != nil {
		return fmt.Errorf("gpu: tick %d: %w", s.tick, err)
	}
	s.opts.Metrics.fenceWait(time.Since(start))

	if prev != nil && prev.submitted > 0 {
		if err := s.readback(prev); err != nil {
			return err
		}
	}
	slot.Deletions.Flush()
	if err := slot.Descriptors.ClearPools(); err != nil {
		return err
	}

	prior := s.state
	s.state = Recording
	if err := s.upload(slot, count); err != nil {
		s.state = prior
		return err
	}
	if err := s.record(slot, core.Config{ParticleCount: count, DeltaTime: dt}); err != nil {
		s.state = prior
		return err
	}

	// a slot whose submit fails is not in flight and is never waited on
	if err := s.device.ResetFence(slot.Fence); err != nil {
		s.state = prior
		return fmt.Errorf("gpu: reset fence of slot %d: %w", slot.Index, err)
	}
	s.begin(ScopeSubmit)
	err = s.device.Submit(slot.Command, slot.Semaphore, slot.Fence)
	s.end(ScopeSubmit)
	if err != nil {
		s.state = prior
		return fmt.Errorf("gpu: submit tick %d: %w", s.tick, err)
	}
	slot.inFlight = true
	slot.submitted = count
	s.state = Submitted
	s.tick++
	s.opts.Metrics.tick()
	return nil
}

// reclaim waits for the slot's last submission to complete.
func (s *Simulation) reclaim(slot *FrameSlot) error {
	if !slot.inFlight {
		return nil
	}
	if err := s.device.WaitForFence(slot.Fence, s.opts.FenceTimeout); err != nil {
		return fmt.Errorf("slot %d: %w", slot.Index, err)
	}
	slot.inFlight = false
	return nil
}

func (s *Simulation) upload(slot *FrameSlot, count uint32) error {
	s.begin(ScopeUpload)
	defer s.end(ScopeUpload)

	data, err := slot.Input.Map()
	if err != nil {
		return fmt.Errorf("gpu: map input of slot %d: %w", slot.Index, err)
	}
	for i := uint32(0); i < count; i++ {
		core.PutRecord(data[core.RecordOffset(i):], s.particles[i])
	}
	if err := slot.Input.Unmap(); err != nil {
		return fmt.Errorf("gpu: unmap input of slot %d: %w", slot.Index, err)
	}
	return nil
}

func (s *Simulation) record(slot *FrameSlot, cfg core.Config) error {
	s.begin(ScopeRecord)
	defer s.end(ScopeRecord)

	inSet, err := slot.Descriptors.Allocate(s.inputLayout)
	if err != nil {
		return err
	}
	if err := inSet.WriteBuffer(InputBinding, slot.Input); err != nil {
		return fmt.Errorf("gpu: bind input of slot %d: %w", slot.Index, err)
	}
	outSet, err := slot.Descriptors.Allocate(s.outputLayout)
	if err != nil {
		return err
	}
	if err := outSet.WriteBuffer(OutputBinding, slot.Output); err != nil {
		return fmt.Errorf("gpu: bind output of slot %d: %w", slot.Index, err)
	}

	cmd := slot.Command
	if err := cmd.Reset(); err != nil {
		return fmt.Errorf("gpu: reset command buffer of slot %d: %w", slot.Index, err)
	}
	if err := cmd.Begin(); err != nil {
		return fmt.Errorf("gpu: begin command buffer of slot %d: %w", slot.Index, err)
	}
	cmd.BindPipeline(s.pipeline)
	cmd.BindDescriptorSets(s.pipeline, InputSet, inSet, outSet)
	cmd.PushConstants(s.pipeline, cfg.Bytes())
	cmd.Dispatch(core.DispatchGroups(cfg.ParticleCount), 1, 1)
	if err := cmd.End(); err != nil {
		return fmt.Errorf("gpu: end command buffer of slot %d: %w", slot.Index, err)
	}
	return nil
}

func (s *Simulation) readback(slot *FrameSlot) error {
	if err := slot.Output.Read(s.staging); err != nil {
		return fmt.Errorf("gpu: read output of slot %d: %w", slot.Index, err)
	}
	for i := uint32(0); i < slot.submitted; i++ {
		s.particles[i] = core.Record(s.staging[core.RecordOffset(i):])
	}
	return nil
}

// Cleanup waits for the device to go idle and releases everything the
// simulation created. It is safe to call more than once.
func (s *Simulation) Cleanup() error {
	if s.ring == nil {
		return nil
	}
	err := s.device.WaitIdle()
	s.global.Flush()
	s.ring, s.pipeline = nil, nil
	s.inputLayout, s.outputLayout = nil, nil
	s.state = Idle
	if err != nil {
		return fmt.Errorf("gpu: wait idle: %w", err)
	}
	return nil
}

// Semaphore returns the semaphore signaled by the most recent submission,
// or that of slot 0 before the first tick.
func (s *Simulation) Semaphore() hal.Semaphore {
	if s.ring == nil {
		return nil
	}
	if s.tick == 0 {
		return s.ring.Slot(0).Semaphore
	}
	return s.ring.Current(s.tick - 1).Semaphore
}

func (s *Simulation) SlotSemaphore(i int) hal.Semaphore {
	if s.ring == nil || i < 0 || i >= s.ring.Len() {
		return nil
	}
	return s.ring.Slot(i).Semaphore
}

// Ring exposes the frame ring, nil before Init and after Cleanup.
func (s *Simulation) Ring() *FrameRing { return s.ring }

func (s *Simulation) State() State { return s.state }

// Tick is the number of submitted ticks.
func (s *Simulation) Tick() uint64 { return s.tick }

func (s *Simulation) Particles() []core.Particle { return s.particles }

// SetParticlesSquare reseeds the lattice in place.
func (s *Simulation) SetParticlesSquare(spacing float32) {
	s.opts.Spacing = spacing
	core.SetParticlesSquare(s.particles, spacing)
}

func (s *Simulation) Bounds() core.BoundingArea { return s.opts.Bounds }

func (s *Simulation) RunID() uuid.UUID { return s.runID }

func (s *Simulation) Capacity() uint32 { return s.opts.Capacity }

func (s *Simulation) begin(scope string) {
	if s.opts.Profiler != nil {
		s.opts.Profiler.BeginScope(scope)
	}
}

func (s *Simulation) end(scope string) {
	if s.opts.Profiler != nil {
		s.opts.Profiler.EndScope(scope)
	}
}
