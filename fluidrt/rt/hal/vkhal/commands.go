package vkhal

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type CommandBuffer struct {
	dev      *Device
	label    string
	cmd      vk.CommandBuffer
	err      error
	released bool
}

func (d *Device) CreateCommandBuffer(label string) (hal.CommandBuffer, error) {
	cmds := make([]vk.CommandBuffer, 1)
	res := vk.AllocateCommandBuffers(d.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.cmdPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if err := newError("allocate command buffer "+label, res); err != nil {
		return nil, err
	}
	return &CommandBuffer{dev: d, label: label, cmd: cmds[0]}, nil
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("vulkan: command buffer %q: %w", c.label, err)
	}
}

func (c *CommandBuffer) Reset() error {
	c.err = nil
	return newError("reset command buffer", vk.ResetCommandBuffer(c.cmd, 0))
}

func (c *CommandBuffer) Begin() error {
	c.err = nil
	return newError("begin command buffer", vk.BeginCommandBuffer(c.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}))
}

func (c *CommandBuffer) BindPipeline(p hal.Pipeline) {
	pl, ok := p.(*Pipeline)
	if !ok {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	vk.CmdBindPipeline(c.cmd, vk.PipelineBindPointCompute, pl.pipeline)
}

func (c *CommandBuffer) BindDescriptorSets(p hal.Pipeline, firstSet uint32, sets ...hal.DescriptorSet) {
	pl, ok := p.(*Pipeline)
	if !ok {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	vs := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		ds, ok := s.(*DescriptorSet)
		if !ok {
			c.fail(hal.ErrInvalidHandle)
			return
		}
		vs[i] = ds.set
	}
	vk.CmdBindDescriptorSets(c.cmd, vk.PipelineBindPointCompute, pl.layout, firstSet, uint32(len(vs)), vs, 0, nil)
}

func (c *CommandBuffer) PushConstants(p hal.Pipeline, data []byte) {
	pl, ok := p.(*Pipeline)
	if !ok {
		c.fail(hal.ErrInvalidHandle)
		return
	}
	if len(data) == 0 {
		return
	}
	if uint32(len(data)) > pl.pushSize {
		c.fail(fmt.Errorf("push constants of %d bytes exceed range of %d", len(data), pl.pushSize))
		return
	}
	vk.CmdPushConstants(c.cmd, pl.layout, computeStage, 0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(c.cmd, x, y, z)
}

func (c *CommandBuffer) End() error {
	if err := newError("end command buffer", vk.EndCommandBuffer(c.cmd)); err != nil {
		return err
	}
	return c.err
}

func (c *CommandBuffer) Release() {
	if !c.released {
		c.released = true
		vk.FreeCommandBuffers(c.dev.device, c.dev.cmdPool, 1, []vk.CommandBuffer{c.cmd})
	}
}
