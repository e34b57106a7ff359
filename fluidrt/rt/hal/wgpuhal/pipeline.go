package wgpuhal

import (
	"fmt"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// Pipeline is a compute pipeline plus the uniform block that stands in for
// push constants. The block is bound at group len(SetLayouts).
type Pipeline struct {
	dev       *Device
	label     string
	pipeline  *wgpu.ComputePipeline
	layout    *wgpu.PipelineLayout
	pushSize  uint32
	pushIndex uint32
	push      *wgpu.Buffer
	pushBGL   *wgpu.BindGroupLayout
	pushGroup *wgpu.BindGroup
}

// uniformBlockSize rounds a push range up to the 16 byte uniform alignment.
func uniformBlockSize(n uint32) uint64 {
	return uint64((n + 15) &^ 15)
}

func (d *Device) CreateComputePipeline(desc hal.PipelineDesc) (hal.Pipeline, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(desc.Program.WGSL) == "" {
		return nil, fmt.Errorf("wgpu: program %q has no WGSL source: %w", desc.Program.Name, hal.ErrProgramLoad)
	}
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Program.Name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: desc.Program.WGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: shader module %q: %w: %w", desc.Program.Name, hal.ErrProgramLoad, err)
	}
	defer module.Release()

	p := &Pipeline{
		dev:       d,
		label:     desc.Label,
		pushSize:  desc.PushConstSize,
		pushIndex: uint32(len(desc.SetLayouts)),
	}
	groups := make([]*wgpu.BindGroupLayout, 0, len(desc.SetLayouts)+1)
	for _, l := range desc.SetLayouts {
		sl, ok := l.(*DescriptorSetLayout)
		if !ok || sl.dev != d {
			return nil, hal.ErrInvalidHandle
		}
		groups = append(groups, sl.layout)
	}
	if desc.PushConstSize > 0 {
		if err := p.createPushBlock(); err != nil {
			p.Release()
			return nil, err
		}
		groups = append(groups, p.pushBGL)
	}

	p.layout, err = d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: groups,
	})
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("wgpu: pipeline layout %q: %w", desc.Label, err)
	}
	entry := desc.Program.EntryPoint
	if entry == "" {
		entry = "main"
	}
	p.pipeline, err = d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: p.layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("wgpu: compute pipeline %q: %w: %w", desc.Label, hal.ErrProgramLoad, err)
	}
	return p, nil
}

func (p *Pipeline) createPushBlock() error {
	d := p.dev
	var err error
	p.push, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: p.label + "/push",
		Size:  uniformBlockSize(p.pushSize),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: push block %q: %w", p.label, err)
	}
	p.pushBGL, err = d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: p.label + "/push",
		Entries: layoutEntries([]hal.LayoutBinding{
			{Binding: 0, Type: hal.DescriptorUniformBuffer},
		}),
	})
	if err != nil {
		return fmt.Errorf("wgpu: push block layout %q: %w", p.label, err)
	}
	p.pushGroup, err = d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  p.label + "/push",
		Layout: p.pushBGL,
		Entries: []wgpu.BindGroupEntry{{
			Binding: 0,
			Buffer:  p.push,
			Offset:  0,
			Size:    wgpu.WholeSize,
		}},
	})
	if err != nil {
		return fmt.Errorf("wgpu: push bind group %q: %w", p.label, err)
	}
	return nil
}

func (p *Pipeline) Release() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	if p.layout != nil {
		p.layout.Release()
		p.layout = nil
	}
	if p.pushGroup != nil {
		p.pushGroup.Release()
		p.pushGroup = nil
	}
	if p.pushBGL != nil {
		p.pushBGL.Release()
		p.pushBGL = nil
	}
	if p.push != nil {
		p.push.Release()
		p.push = nil
	}
}
