package wgpuhal

import (
	"errors"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type opKind int

const (
	opBindPipeline opKind = iota
	opBindSets
	opPush
	opDispatch
)

type op struct {
	kind     opKind
	pipeline *Pipeline
	firstSet uint32
	sets     []*DescriptorSet
	push     []byte
	x, y, z  uint32
}

type cmdState int

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
)

// CommandBuffer records ops for replay at submit.
type CommandBuffer struct {
	dev   *Device
	label string
	state cmdState
	ops   []op
	err   error
}

func (d *Device) CreateCommandBuffer(label string) (hal.CommandBuffer, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	return &CommandBuffer{dev: d, label: label}, nil
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("wgpu: command buffer %q: %w", c.label, err)
	}
}

func (c *CommandBuffer) Reset() error {
	c.ops = c.ops[:0]
	c.err = nil
	c.state = cmdInitial
	return nil
}

func (c *CommandBuffer) Begin() error {
	c.ops = c.ops[:0]
	c.err = nil
	c.state = cmdRecording
	return nil
}

func (c *CommandBuffer) recording() bool {
	if c.state != cmdRecording {
		c.fail(hal.ErrNotRecording)
		return false
	}
	return true
}

func (c *CommandBuffer) BindPipeline(p hal.Pipeline) {
	if !c.recording() {
		return
	}
	pl, ok := p.(*Pipeline)
	if !ok || pl.dev != c.dev {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	c.ops = append(c.ops, op{kind: opBindPipeline, pipeline: pl})
}

func (c *CommandBuffer) BindDescriptorSets(p hal.Pipeline, firstSet uint32, sets ...hal.DescriptorSet) {
	if !c.recording() {
		return
	}
	pl, ok := p.(*Pipeline)
	if !ok || pl.dev != c.dev {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	ds := make([]*DescriptorSet, len(sets))
	for i, s := range sets {
		d, ok := s.(*DescriptorSet)
		if !ok || !d.valid() {
			c.fail(hal.ErrInvalidHandle)
			return
		}
		ds[i] = d
	}
	c.ops = append(c.ops, op{kind: opBindSets, pipeline: pl, firstSet: firstSet, sets: ds})
}

// PushConstants stores data for the pipeline's uniform block. WebGPU writes
// the block once per submit, so the last push of a command buffer wins.
func (c *CommandBuffer) PushConstants(p hal.Pipeline, data []byte) {
	if !c.recording() {
		return
	}
	pl, ok := p.(*Pipeline)
	if !ok || pl.dev != c.dev {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	if uint32(len(data)) > pl.pushSize {
		c.fail(fmt.Errorf("push of %d bytes exceeds the %d byte block", len(data), pl.pushSize))
		return
	}
	c.ops = append(c.ops, op{kind: opPush, pipeline: pl, push: append([]byte(nil), data...)})
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	if !c.recording() {
		return
	}
	c.ops = append(c.ops, op{kind: opDispatch, x: x, y: y, z: z})
}

func (c *CommandBuffer) End() error {
	if c.state != cmdRecording {
		return fmt.Errorf("wgpu: end of command buffer %q: %w", c.label, hal.ErrNotRecording)
	}
	c.state = cmdExecutable
	return c.err
}

// pushes returns the final push data per pipeline.
func (c *CommandBuffer) pushes() map[*Pipeline][]byte {
	out := make(map[*Pipeline][]byte)
	for _, o := range c.ops {
		if o.kind == opPush {
			out[o.pipeline] = o.push
		}
	}
	return out
}

var errNoPipeline = errors.New("dispatch without a bound pipeline")

// encode replays the recorded ops into one compute pass.
func (c *CommandBuffer) encode() (*wgpu.CommandBuffer, error) {
	if c.state != cmdExecutable {
		return nil, fmt.Errorf("wgpu: submit of command buffer %q: %w", c.label, hal.ErrNotRecording)
	}
	if c.err != nil {
		return nil, c.err
	}
	for pl, data := range c.pushes() {
		c.dev.queue.WriteBuffer(pl.push, 0, data)
	}

	encoder, err := c.dev.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("wgpu: command encoder %q: %w", c.label, err)
	}
	defer encoder.Release()

	pass := encoder.BeginComputePass(nil)
	var bound *Pipeline
	for _, o := range c.ops {
		switch o.kind {
		case opBindPipeline:
			bound = o.pipeline
			pass.SetPipeline(bound.pipeline)
			if bound.pushGroup != nil {
				pass.SetBindGroup(bound.pushIndex, bound.pushGroup, nil)
			}
		case opBindSets:
			for i, s := range o.sets {
				group, err := s.bindGroup()
				if err != nil {
					pass.End()
					return nil, err
				}
				pass.SetBindGroup(o.firstSet+uint32(i), group, nil)
			}
		case opDispatch:
			if bound == nil {
				pass.End()
				return nil, fmt.Errorf("wgpu: command buffer %q: %w", c.label, errNoPipeline)
			}
			if o.x == 0 || o.y == 0 || o.z == 0 {
				continue
			}
			pass.DispatchWorkgroups(o.x, o.y, o.z)
		}
	}
	if err := pass.End(); err != nil {
		return nil, fmt.Errorf("wgpu: compute pass %q: %w", c.label, err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("wgpu: finish %q: %w", c.label, err)
	}
	return cmd, nil
}

func (c *CommandBuffer) Release() {
	c.ops = nil
}
