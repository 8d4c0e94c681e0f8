// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import "github.com/gogpu/gpusafe/driver"

// Vocabulary types shared with drivers.
type (
	Format          = driver.Format
	VertexFormat    = driver.VertexFormat
	IndexFormat     = driver.IndexFormat
	Primitive       = driver.Primitive
	CompareFunc     = driver.CompareFunc
	UniformType     = driver.UniformType
	Stage           = driver.Stage
	BindFlags       = driver.BufferBinding
	TextureUsage    = driver.TextureUsage
	VertexAttribute = driver.VertexAttribute
	Rect            = driver.Rect
)

// Texel formats.
const (
	FormatR8Unorm             = driver.FormatR8Unorm
	FormatRG8Unorm            = driver.FormatRG8Unorm
	FormatRGBA8Unorm          = driver.FormatRGBA8Unorm
	FormatBGRA8Unorm          = driver.FormatBGRA8Unorm
	FormatR16Float            = driver.FormatR16Float
	FormatRGBA16Float         = driver.FormatRGBA16Float
	FormatR32Float            = driver.FormatR32Float
	FormatRGBA32Float         = driver.FormatRGBA32Float
	FormatR32Sint             = driver.FormatR32Sint
	FormatRGBA32Sint          = driver.FormatRGBA32Sint
	FormatR32Uint             = driver.FormatR32Uint
	FormatRGBA32Uint          = driver.FormatRGBA32Uint
	FormatDepth16Unorm        = driver.FormatDepth16Unorm
	FormatDepth32Float        = driver.FormatDepth32Float
	FormatDepth24PlusStencil8 = driver.FormatDepth24PlusStencil8
)

// Vertex formats.
const (
	VertexFloat32   = driver.VertexFloat32
	VertexFloat32x2 = driver.VertexFloat32x2
	VertexFloat32x3 = driver.VertexFloat32x3
	VertexFloat32x4 = driver.VertexFloat32x4
	VertexSint32    = driver.VertexSint32
	VertexSint32x2  = driver.VertexSint32x2
	VertexSint32x4  = driver.VertexSint32x4
	VertexUint32    = driver.VertexUint32
	VertexUint32x2  = driver.VertexUint32x2
	VertexUint32x4  = driver.VertexUint32x4
	VertexUnorm8x4  = driver.VertexUnorm8x4
)

// Index formats.
const (
	IndexUint8  = driver.IndexUint8
	IndexUint16 = driver.IndexUint16
	IndexUint32 = driver.IndexUint32
)

// Primitives.
const (
	PrimitiveTriangles     = driver.PrimitiveTriangles
	PrimitiveTriangleStrip = driver.PrimitiveTriangleStrip
	PrimitiveTriangleFan   = driver.PrimitiveTriangleFan
	PrimitivePoints        = driver.PrimitivePoints
	PrimitiveLines         = driver.PrimitiveLines
	PrimitiveLineStrip     = driver.PrimitiveLineStrip
	PrimitivePatches       = driver.PrimitivePatches
)

// Depth comparisons.
const (
	CompareIgnore       = driver.CompareIgnore
	CompareNever        = driver.CompareNever
	CompareLess         = driver.CompareLess
	CompareLessEqual    = driver.CompareLessEqual
	CompareEqual        = driver.CompareEqual
	CompareGreaterEqual = driver.CompareGreaterEqual
	CompareGreater      = driver.CompareGreater
	CompareNotEqual     = driver.CompareNotEqual
	CompareAlways       = driver.CompareAlways
)

// Uniform types.
const (
	UniformFloat         = driver.UniformFloat
	UniformVec2          = driver.UniformVec2
	UniformVec3          = driver.UniformVec3
	UniformVec4          = driver.UniformVec4
	UniformInt           = driver.UniformInt
	UniformUint          = driver.UniformUint
	UniformMat2          = driver.UniformMat2
	UniformMat3          = driver.UniformMat3
	UniformMat4          = driver.UniformMat4
	UniformSampler2D     = driver.UniformSampler2D
	UniformIntSampler2D  = driver.UniformIntSampler2D
	UniformUintSampler2D = driver.UniformUintSampler2D
	UniformBlock         = driver.UniformBlock
)

// Stages.
const (
	StageVertex         = driver.StageVertex
	StageFragment       = driver.StageFragment
	StageTessControl    = driver.StageTessControl
	StageTessEvaluation = driver.StageTessEvaluation
	StageGeometry       = driver.StageGeometry
)

// Buffer bind points.
const (
	BindVertex            = driver.BindVertex
	BindIndex             = driver.BindIndex
	BindUniform           = driver.BindUniform
	BindTransformFeedback = driver.BindTransformFeedback
	BindCopySrc           = driver.BindCopySrc
	BindCopyDst           = driver.BindCopyDst
)

// Texture usages.
const (
	TextureSampled      = driver.TextureSampled
	TextureRenderTarget = driver.TextureRenderTarget
	TextureCopySrc      = driver.TextureCopySrc
	TextureCopyDst      = driver.TextureCopyDst
)

// formatCapability returns the capability a texture format needs, if any.
func formatCapability(f Format) (Capability, bool) {
	switch {
	case f.IsDepth():
		return CapDepthTextures, true
	case f.IsIntegral():
		return CapIntegralTextures, true
	case f.IsFloat():
		return CapFloatTextures, true
	default:
		return 0, false
	}
}
