// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package haldriver

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusafe/driver"
)

func textureFormat(f driver.Format) (gputypes.TextureFormat, bool) {
	switch f {
	case driver.FormatR8Unorm:
		return gputypes.TextureFormatR8Unorm, true
	case driver.FormatRG8Unorm:
		return gputypes.TextureFormatRG8Unorm, true
	case driver.FormatRGBA8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, true
	case driver.FormatBGRA8Unorm:
		return gputypes.TextureFormatBGRA8Unorm, true
	case driver.FormatR16Float:
		return gputypes.TextureFormatR16Float, true
	case driver.FormatRGBA16Float:
		return gputypes.TextureFormatRGBA16Float, true
	case driver.FormatR32Float:
		return gputypes.TextureFormatR32Float, true
	case driver.FormatRGBA32Float:
		return gputypes.TextureFormatRGBA32Float, true
	case driver.FormatR32Sint:
		return gputypes.TextureFormatR32Sint, true
	case driver.FormatRGBA32Sint:
		return gputypes.TextureFormatRGBA32Sint, true
	case driver.FormatR32Uint:
		return gputypes.TextureFormatR32Uint, true
	case driver.FormatRGBA32Uint:
		return gputypes.TextureFormatRGBA32Uint, true
	case driver.FormatDepth16Unorm:
		return gputypes.TextureFormatDepth16Unorm, true
	case driver.FormatDepth32Float:
		return gputypes.TextureFormatDepth32Float, true
	case driver.FormatDepth24PlusStencil8:
		return gputypes.TextureFormatDepth24PlusStencil8, true
	default:
		return gputypes.TextureFormatUndefined, false
	}
}

func vertexFormat(f driver.VertexFormat) gputypes.VertexFormat {
	switch f {
	case driver.VertexFloat32:
		return gputypes.VertexFormatFloat32
	case driver.VertexFloat32x2:
		return gputypes.VertexFormatFloat32x2
	case driver.VertexFloat32x3:
		return gputypes.VertexFormatFloat32x3
	case driver.VertexFloat32x4:
		return gputypes.VertexFormatFloat32x4
	case driver.VertexSint32:
		return gputypes.VertexFormatSint32
	case driver.VertexSint32x2:
		return gputypes.VertexFormatSint32x2
	case driver.VertexSint32x4:
		return gputypes.VertexFormatSint32x4
	case driver.VertexUint32:
		return gputypes.VertexFormatUint32
	case driver.VertexUint32x2:
		return gputypes.VertexFormatUint32x2
	case driver.VertexUint32x4:
		return gputypes.VertexFormatUint32x4
	default:
		return gputypes.VertexFormatUnorm8x4
	}
}

// primitiveTopology maps the topologies a HAL can draw. Fans and patches
// have no equivalent.
func primitiveTopology(p driver.Primitive) (gputypes.PrimitiveTopology, bool) {
	switch p {
	case driver.PrimitiveTriangles:
		return gputypes.PrimitiveTopologyTriangleList, true
	case driver.PrimitiveTriangleStrip:
		return gputypes.PrimitiveTopologyTriangleStrip, true
	case driver.PrimitivePoints:
		return gputypes.PrimitiveTopologyPointList, true
	case driver.PrimitiveLines:
		return gputypes.PrimitiveTopologyLineList, true
	case driver.PrimitiveLineStrip:
		return gputypes.PrimitiveTopologyLineStrip, true
	default:
		return gputypes.PrimitiveTopologyTriangleList, false
	}
}

// compareFunction maps a depth test. CompareIgnore always passes.
func compareFunction(c driver.CompareFunc) gputypes.CompareFunction {
	switch c {
	case driver.CompareNever:
		return gputypes.CompareFunctionNever
	case driver.CompareLess:
		return gputypes.CompareFunctionLess
	case driver.CompareLessEqual:
		return gputypes.CompareFunctionLessEqual
	case driver.CompareEqual:
		return gputypes.CompareFunctionEqual
	case driver.CompareGreaterEqual:
		return gputypes.CompareFunctionGreaterEqual
	case driver.CompareGreater:
		return gputypes.CompareFunctionGreater
	case driver.CompareNotEqual:
		return gputypes.CompareFunctionNotEqual
	default:
		return gputypes.CompareFunctionAlways
	}
}

func indexFormat(f driver.IndexFormat) gputypes.IndexFormat {
	if f == driver.IndexUint32 {
		return gputypes.IndexFormatUint32
	}
	return gputypes.IndexFormatUint16
}
