package gpu

import (
	"fmt"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// Bindings of the particle kernel: the input records live at set 0 binding
// 0, the output records at set 1 binding 1.
const (
	InputSet      = 0
	InputBinding  = 0
	OutputSet     = 1
	OutputBinding = 1
)

// ParticleLayouts creates the input and output set layouts of the particle
// kernel.
func ParticleLayouts(device hal.Device) (in, out hal.DescriptorSetLayout, err error) {
	in, err = device.CreateDescriptorSetLayout("particles/in", []hal.LayoutBinding{
		{Binding: InputBinding, Type: hal.DescriptorStorageBuffer, ReadOnly: true},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gpu: input set layout: %w", err)
	}
	out, err = device.CreateDescriptorSetLayout("particles/out", []hal.LayoutBinding{
		{Binding: OutputBinding, Type: hal.DescriptorStorageBuffer},
	})
	if err != nil {
		in.Release()
		return nil, nil, fmt.Errorf("gpu: output set layout: %w", err)
	}
	return in, out, nil
}

// NewComputePipeline builds a pipeline for program. A program that cannot be
// loaded is an error, never a pipeline built from an invalid module.
func NewComputePipeline(device hal.Device, program hal.Program, layouts []hal.DescriptorSetLayout, pushSize uint32) (hal.Pipeline, error) {
	if program.Name == "" {
		return nil, fmt.Errorf("gpu: unnamed compute program: %w", hal.ErrProgramLoad)
	}
	if program.EntryPoint == "" {
		program.EntryPoint = "main"
	}
	p, err := device.CreateComputePipeline(hal.PipelineDesc{
		Label:          program.Name,
		Program:        program,
		SetLayouts:     layouts,
		PushConstSize:  pushSize,
		WorkGroupSizeX: core.WorkGroupSize,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: compute pipeline %q: %w", program.Name, err)
	}
	return p, nil
}
