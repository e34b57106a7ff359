package vkhal

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

type Pipeline struct {
	dev      *Device
	pipeline vk.Pipeline
	layout   vk.PipelineLayout
	pushSize uint32
	released bool
}

// spirvWords reinterprets a SPIR-V module as the uint32 words Vulkan expects.
func spirvWords(code []byte) []uint32 {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words
}

// specialization packs float constants 0..n-1 for the compute stage.
func specialization(constants []float32) ([]vk.SpecializationInfo, []byte) {
	if len(constants) == 0 {
		return nil, nil
	}
	data := make([]byte, 4*len(constants))
	entries := make([]vk.SpecializationMapEntry, len(constants))
	for i, c := range constants {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(c))
		entries[i] = vk.SpecializationMapEntry{ConstantID: uint32(i), Offset: uint32(i * 4), Size: 4}
	}
	return []vk.SpecializationInfo{{
		MapEntryCount: uint32(len(entries)),
		PMapEntries:   entries,
		DataSize:      uint(len(data)),
		PData:         unsafe.Pointer(&data[0]),
	}}, data
}

func (d *Device) CreateComputePipeline(desc hal.PipelineDesc) (hal.Pipeline, error) {
	code := desc.Program.SPIRV
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("vulkan: program %q has no SPIR-V module: %w", desc.Program.Name, hal.ErrProgramLoad)
	}
	var module vk.ShaderModule
	res := vk.CreateShaderModule(d.device, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    spirvWords(code),
	}, nil, &module)
	if err := newError("create shader module "+desc.Program.Name, res); err != nil {
		return nil, fmt.Errorf("%w: %w", hal.ErrProgramLoad, err)
	}
	defer vk.DestroyShaderModule(d.device, module, nil)

	layouts := make([]vk.DescriptorSetLayout, len(desc.SetLayouts))
	for i, l := range desc.SetLayouts {
		vl, ok := l.(*DescriptorSetLayout)
		if !ok {
			return nil, hal.ErrInvalidHandle
		}
		layouts[i] = vl.layout
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(layouts)),
		PSetLayouts:    layouts,
	}
	if desc.PushConstSize > 0 {
		info.PushConstantRangeCount = 1
		info.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: computeStage,
			Offset:     0,
			Size:       desc.PushConstSize,
		}}
	}
	p := &Pipeline{dev: d, pushSize: desc.PushConstSize}
	if err := newError("create pipeline layout", vk.CreatePipelineLayout(d.device, &info, nil, &p.layout)); err != nil {
		return nil, err
	}

	entry := desc.Program.EntryPoint
	if entry == "" {
		entry = "main"
	}
	spec, specData := specialization(desc.Program.Constants)
	var cache vk.PipelineCache
	pipelines := make([]vk.Pipeline, 1)
	res = vk.CreateComputePipelines(d.device, cache, 1, []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:               vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:               vk.ShaderStageComputeBit,
			Module:              module,
			PName:               entry + "\x00",
			PSpecializationInfo: spec,
		},
		Layout: p.layout,
	}}, nil, pipelines)
	runtime.KeepAlive(specData)
	if err := newError("create compute pipeline "+desc.Label, res); err != nil {
		vk.DestroyPipelineLayout(d.device, p.layout, nil)
		return nil, err
	}
	p.pipeline = pipelines[0]
	return p, nil
}

func (p *Pipeline) Release() {
	if !p.released {
		p.released = true
		vk.DestroyPipeline(p.dev.device, p.pipeline, nil)
		vk.DestroyPipelineLayout(p.dev.device, p.layout, nil)
	}
}
