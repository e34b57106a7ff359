package shaders

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/gekko3d/fluid/fluidrt/rt/core"
	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// FluidProgramName is the program name every backend knows the particle
// kernel by.
const FluidProgramName = "fluid"

const (
	Gravity     float32 = -9.81
	WallDamping float32 = 0.8
)

//go:embed fluid.wgsl.tmpl
var fluidWGSLTemplate string

// FluidGLSL is the Vulkan flavour of the kernel. The bounding area is read
// from specialization constants 0..3 (right, up, left, down).
//
//go:embed fluid.comp
var FluidGLSL string

var fluidTmpl = template.Must(template.New("fluid.wgsl").Funcs(template.FuncMap{
	"f": wgslFloat,
}).Parse(fluidWGSLTemplate))

// wgslFloat prints v as a WGSL float literal.
func wgslFloat(v float32) string {
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// FluidWGSL renders the WebGPU kernel with the bounding area baked in.
func FluidWGSL(bounds core.BoundingArea) string {
	var sb strings.Builder
	err := fluidTmpl.Execute(&sb, struct {
		core.BoundingArea
		Gravity       float32
		WallDamping   float32
		WorkGroupSize int
	}{bounds, Gravity, WallDamping, core.WorkGroupSize})
	if err != nil {
		panic(err)
	}
	return sb.String()
}

const spirvMagic = 0x07230203

// LoadSPIRV reads a compiled SPIR-V module.
func LoadSPIRV(path string) ([]byte, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shaders: %w: %w", hal.ErrProgramLoad, err)
	}
	if len(code) < 20 || len(code)%4 != 0 {
		return nil, fmt.Errorf("shaders: %s: %w: truncated module (%d bytes)", path, hal.ErrProgramLoad, len(code))
	}
	if binary.LittleEndian.Uint32(code) != spirvMagic {
		return nil, fmt.Errorf("shaders: %s: %w: bad magic number", path, hal.ErrProgramLoad)
	}
	return code, nil
}

// FluidProgram returns the particle kernel in every form the backends
// consume. spirv may be nil when the Vulkan backend is not used.
func FluidProgram(bounds core.BoundingArea, spirv []byte) hal.Program {
	return hal.Program{
		Name:       FluidProgramName,
		EntryPoint: "main",
		SPIRV:      spirv,
		WGSL:       FluidWGSL(bounds),
		Constants:  []float32{bounds.Right, bounds.Up, bounds.Left, bounds.Down},
	}
}
