// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import "fmt"

// BufferID, TextureID, ProgramID and FenceID name driver-level objects.
// Zero is never a valid id.
type (
	BufferID  uint64
	TextureID uint64
	ProgramID uint64
	FenceID   uint64
)

// InvalidID is the zero id shared by all object kinds.
const InvalidID = 0

// Format is a texel format.
type Format uint8

// Texel formats.
const (
	FormatUndefined Format = iota
	FormatR8Unorm
	FormatRG8Unorm
	FormatRGBA8Unorm
	FormatBGRA8Unorm
	FormatR16Float
	FormatRGBA16Float
	FormatR32Float
	FormatRGBA32Float
	FormatR32Sint
	FormatRGBA32Sint
	FormatR32Uint
	FormatRGBA32Uint
	FormatDepth16Unorm
	FormatDepth32Float
	FormatDepth24PlusStencil8
)

var formatInfo = [...]struct {
	name     string
	bpp      uint32
	integral bool
	float    bool
	depth    bool
}{
	FormatUndefined:           {name: "Undefined"},
	FormatR8Unorm:             {name: "R8Unorm", bpp: 1},
	FormatRG8Unorm:            {name: "RG8Unorm", bpp: 2},
	FormatRGBA8Unorm:          {name: "RGBA8Unorm", bpp: 4},
	FormatBGRA8Unorm:          {name: "BGRA8Unorm", bpp: 4},
	FormatR16Float:            {name: "R16Float", bpp: 2, float: true},
	FormatRGBA16Float:         {name: "RGBA16Float", bpp: 8, float: true},
	FormatR32Float:            {name: "R32Float", bpp: 4, float: true},
	FormatRGBA32Float:         {name: "RGBA32Float", bpp: 16, float: true},
	FormatR32Sint:             {name: "R32Sint", bpp: 4, integral: true},
	FormatRGBA32Sint:          {name: "RGBA32Sint", bpp: 16, integral: true},
	FormatR32Uint:             {name: "R32Uint", bpp: 4, integral: true},
	FormatRGBA32Uint:          {name: "RGBA32Uint", bpp: 16, integral: true},
	FormatDepth16Unorm:        {name: "Depth16Unorm", bpp: 2, depth: true},
	FormatDepth32Float:        {name: "Depth32Float", bpp: 4, depth: true, float: true},
	FormatDepth24PlusStencil8: {name: "Depth24PlusStencil8", bpp: 4, depth: true},
}

// Valid reports whether f is a known, defined format.
func (f Format) Valid() bool {
	return f > FormatUndefined && int(f) < len(formatInfo)
}

// BytesPerPixel returns the size of one texel, or 0 for unknown formats.
func (f Format) BytesPerPixel() uint32 {
	if !f.Valid() {
		return 0
	}
	return formatInfo[f].bpp
}

// IsIntegral reports whether the format stores unnormalized integers.
// Integral textures must be sampled with integer samplers.
func (f Format) IsIntegral() bool { return f.Valid() && formatInfo[f].integral }

// IsFloat reports whether the format stores floating-point colour or depth.
func (f Format) IsFloat() bool { return f.Valid() && formatInfo[f].float }

// IsDepth reports whether the format has a depth aspect.
func (f Format) IsDepth() bool { return f.Valid() && formatInfo[f].depth }

func (f Format) String() string {
	if int(f) < len(formatInfo) {
		return formatInfo[f].name
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// VertexFormat is the type of one vertex attribute or transform feedback varying.
type VertexFormat uint8

// Vertex attribute formats.
const (
	VertexFormatInvalid VertexFormat = iota
	VertexFloat32
	VertexFloat32x2
	VertexFloat32x3
	VertexFloat32x4
	VertexSint32
	VertexSint32x2
	VertexSint32x4
	VertexUint32
	VertexUint32x2
	VertexUint32x4
	VertexUnorm8x4
)

var vertexFormatInfo = [...]struct {
	name     string
	size     uint32
	integral bool
}{
	VertexFormatInvalid: {name: "Invalid"},
	VertexFloat32:       {name: "Float32", size: 4},
	VertexFloat32x2:     {name: "Float32x2", size: 8},
	VertexFloat32x3:     {name: "Float32x3", size: 12},
	VertexFloat32x4:     {name: "Float32x4", size: 16},
	VertexSint32:        {name: "Sint32", size: 4, integral: true},
	VertexSint32x2:      {name: "Sint32x2", size: 8, integral: true},
	VertexSint32x4:      {name: "Sint32x4", size: 16, integral: true},
	VertexUint32:        {name: "Uint32", size: 4, integral: true},
	VertexUint32x2:      {name: "Uint32x2", size: 8, integral: true},
	VertexUint32x4:      {name: "Uint32x4", size: 16, integral: true},
	VertexUnorm8x4:      {name: "Unorm8x4", size: 4},
}

// Valid reports whether f is a known vertex format.
func (f VertexFormat) Valid() bool {
	return f > VertexFormatInvalid && int(f) < len(vertexFormatInfo)
}

// Size returns the size in bytes of one attribute of this format.
func (f VertexFormat) Size() uint32 {
	if !f.Valid() {
		return 0
	}
	return vertexFormatInfo[f].size
}

// IsIntegral reports whether the attribute is fed to the shader as integers.
func (f VertexFormat) IsIntegral() bool { return f.Valid() && vertexFormatInfo[f].integral }

func (f VertexFormat) String() string {
	if int(f) < len(vertexFormatInfo) {
		return vertexFormatInfo[f].name
	}
	return fmt.Sprintf("VertexFormat(%d)", uint8(f))
}

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

// Index formats.
const (
	IndexFormatInvalid IndexFormat = iota
	IndexUint8
	IndexUint16
	IndexUint32
)

// Size returns the size in bytes of one index.
func (f IndexFormat) Size() uint32 {
	switch f {
	case IndexUint8:
		return 1
	case IndexUint16:
		return 2
	case IndexUint32:
		return 4
	default:
		return 0
	}
}

func (f IndexFormat) String() string {
	switch f {
	case IndexUint8:
		return "Uint8"
	case IndexUint16:
		return "Uint16"
	case IndexUint32:
		return "Uint32"
	default:
		return fmt.Sprintf("IndexFormat(%d)", uint8(f))
	}
}

// Primitive is the topology a draw assembles vertices into.
type Primitive uint8

// Primitive topologies.
const (
	PrimitiveTriangles Primitive = iota
	PrimitiveTriangleStrip
	PrimitiveTriangleFan
	PrimitivePoints
	PrimitiveLines
	PrimitiveLineStrip
	PrimitivePatches
)

func (p Primitive) String() string {
	switch p {
	case PrimitiveTriangles:
		return "Triangles"
	case PrimitiveTriangleStrip:
		return "TriangleStrip"
	case PrimitiveTriangleFan:
		return "TriangleFan"
	case PrimitivePoints:
		return "Points"
	case PrimitiveLines:
		return "Lines"
	case PrimitiveLineStrip:
		return "LineStrip"
	case PrimitivePatches:
		return "Patches"
	default:
		return fmt.Sprintf("Primitive(%d)", uint8(p))
	}
}

// CompareFunc is a depth comparison. CompareIgnore disables the depth test.
type CompareFunc uint8

// Depth comparisons.
const (
	CompareIgnore CompareFunc = iota
	CompareNever
	CompareLess
	CompareLessEqual
	CompareEqual
	CompareGreaterEqual
	CompareGreater
	CompareNotEqual
	CompareAlways
)

// UniformType is the declared type of a program uniform slot.
type UniformType uint8

// Uniform types.
const (
	UniformInvalid UniformType = iota
	UniformFloat
	UniformVec2
	UniformVec3
	UniformVec4
	UniformInt
	UniformUint
	UniformMat2
	UniformMat3
	UniformMat4
	UniformSampler2D
	UniformIntSampler2D
	UniformUintSampler2D
	UniformBlock
)

var uniformTypeNames = [...]string{
	UniformInvalid:       "Invalid",
	UniformFloat:         "float",
	UniformVec2:          "vec2",
	UniformVec3:          "vec3",
	UniformVec4:          "vec4",
	UniformInt:           "int",
	UniformUint:          "uint",
	UniformMat2:          "mat2",
	UniformMat3:          "mat3",
	UniformMat4:          "mat4",
	UniformSampler2D:     "sampler2D",
	UniformIntSampler2D:  "isampler2D",
	UniformUintSampler2D: "usampler2D",
	UniformBlock:         "block",
}

// Components returns the number of float components carried by float,
// vector and matrix types, or 0 for the rest.
func (t UniformType) Components() int {
	switch t {
	case UniformFloat:
		return 1
	case UniformVec2:
		return 2
	case UniformVec3:
		return 3
	case UniformVec4, UniformMat2:
		return 4
	case UniformMat3:
		return 9
	case UniformMat4:
		return 16
	default:
		return 0
	}
}

// IsSampler reports whether the uniform binds a texture.
func (t UniformType) IsSampler() bool {
	return t == UniformSampler2D || t == UniformIntSampler2D || t == UniformUintSampler2D
}

func (t UniformType) String() string {
	if int(t) < len(uniformTypeNames) {
		return uniformTypeNames[t]
	}
	return fmt.Sprintf("UniformType(%d)", uint8(t))
}

// Stage is a bitmask of programmable pipeline stages.
type Stage uint8

// Pipeline stages.
const (
	StageVertex Stage = 1 << iota
	StageFragment
	StageTessControl
	StageTessEvaluation
	StageGeometry
)

// Has reports whether all stages in o are present.
func (s Stage) Has(o Stage) bool { return s&o == o }
