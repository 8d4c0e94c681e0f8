// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package driver defines the native graphics surface that gpusafe sits on.
//
// A Driver is a thin, stateful, error-prone API: it allocates buffers and
// textures, maps buffer memory, records draws and copies into an
// asynchronous queue and hands out fences marking points in that queue.
// It performs no validation of its own beyond what the underlying
// implementation happens to do. gpusafe never calls a mapping, copy or
// draw entry point without having validated and tracked the request first.
//
// Implementations:
//   - driver/sim: in-memory driver with a controllable queue, for tests
//   - driver/haldriver: gogpu/wgpu HAL devices (Vulkan, Metal, DX12, GLES, noop)
package driver

import "time"

// Info is the raw identity a driver reports once at context creation.
type Info struct {
	// Version is the raw version string, in GL_VERSION form:
	// "4.6.0 NVIDIA 535.54" or "OpenGL ES 3.2 Mesa 23.1".
	Version string

	// Renderer names the device, for logs.
	Renderer string

	// Extensions lists every extension string the driver advertises.
	Extensions []string

	Limits Limits
}

// Limits are the numeric limits of a driver.
type Limits struct {
	MaxTextureSize      uint32 `toml:"max_texture_size"`
	MaxViewportWidth    uint32 `toml:"max_viewport_width"`
	MaxViewportHeight   uint32 `toml:"max_viewport_height"`
	MaxVertexAttribs    uint32 `toml:"max_vertex_attribs"`
	MaxColorAttachments uint32 `toml:"max_color_attachments"`
}

// DefaultLimits returns the limits guaranteed by a GL 2.0 / ES 2.0 driver.
func DefaultLimits() Limits {
	return Limits{
		MaxTextureSize:      2048,
		MaxViewportWidth:    2048,
		MaxViewportHeight:   2048,
		MaxVertexAttribs:    8,
		MaxColorAttachments: 1,
	}
}

// BufferBinding is a bitmask of the pipeline points a buffer may be bound to.
type BufferBinding uint32

// Buffer bindings.
const (
	BindVertex BufferBinding = 1 << iota
	BindIndex
	BindUniform
	BindTransformFeedback
	BindCopySrc
	BindCopyDst
)

// Has reports whether all bindings in o are present.
func (b BufferBinding) Has(o BufferBinding) bool { return b&o == o }

// StorageMode selects how buffer storage is allocated.
type StorageMode uint8

// Storage modes.
const (
	// StorageMutable allocates storage once with glBufferData semantics.
	StorageMutable StorageMode = iota
	// StorageImmutable allocates fixed storage (buffer storage semantics).
	StorageImmutable
	// StoragePersistent allocates fixed storage that can stay mapped
	// while the GPU uses it. CPU writes become visible to the GPU after
	// FlushMappedRange; GPU writes become visible to the CPU after
	// InvalidateMappedRange.
	StoragePersistent
)

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	Label   string
	Size    uint64
	Binding BufferBinding
	Storage StorageMode
	// Mappable requests CPU map access for non-persistent storage.
	Mappable bool
	// Data, when non-nil, is the initial content. len(Data) <= Size.
	Data []byte
}

// MapAccess is the direction of a mapping.
type MapAccess uint8

// Map access bits.
const (
	MapRead MapAccess = 1 << iota
	MapWrite
)

// MapRequest describes a call to MapBuffer.
type MapRequest struct {
	Offset uint64
	Size   uint64
	Access MapAccess
	// Invalidate orphans the previous contents of the range. Commands
	// already queued keep reading the old storage.
	Invalidate bool
	// Persistent maps the whole buffer for its lifetime. Only valid for
	// StoragePersistent buffers; such mappings are never unmapped.
	Persistent bool
}

// BufferCopy copies Size bytes between two buffers.
type BufferCopy struct {
	Src       BufferID
	SrcOffset uint64
	Dst       BufferID
	DstOffset uint64
	Size      uint64
}

// TextureDesc describes a 2D texture allocation.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    Format
	Usage     TextureUsage
}

// TextureUsage is a bitmask of texture usages.
type TextureUsage uint32

// Texture usages.
const (
	TextureSampled TextureUsage = 1 << iota
	TextureRenderTarget
	TextureCopySrc
	TextureCopyDst
)

// Has reports whether all usages in o are present.
func (u TextureUsage) Has(o TextureUsage) bool { return u&o == o }

// TextureCopy copies one mip level into a buffer, rows tightly packed.
type TextureCopy struct {
	Src       TextureID
	Level     uint32
	Dst       BufferID
	DstOffset uint64
}

// ShaderSource carries program code. WGSL is compiled to SPIR-V before the
// program reaches the driver; drivers that consume SPIR-V use that field.
type ShaderSource struct {
	WGSL  string
	SPIRV []uint32
}

// ProgramAttribute is one vertex input of a program.
type ProgramAttribute struct {
	Name     string
	Location uint32
	Format   VertexFormat
}

// ProgramUniform is one uniform slot of a program.
type ProgramUniform struct {
	Name    string
	Type    UniformType
	Binding uint32
}

// Varying is one transform feedback output of a program.
type Varying struct {
	Name   string
	Format VertexFormat
}

// ProgramDesc describes a linked program and its reflected interface.
type ProgramDesc struct {
	Label      string
	Source     ShaderSource
	Stages     Stage
	Attributes []ProgramAttribute
	Uniforms   []ProgramUniform
	Varyings   []Varying
}

// VertexAttribute places one attribute inside a vertex buffer element.
type VertexAttribute struct {
	Name   string
	Offset uint32
	Format VertexFormat
}

// VertexBinding binds a vertex buffer range to a draw.
type VertexBinding struct {
	Buffer      BufferID
	Offset      uint64
	Stride      uint32
	Attributes  []VertexAttribute
	PerInstance bool
}

// IndexBinding binds an index buffer range to a draw.
type IndexBinding struct {
	Buffer BufferID
	Format IndexFormat
	Offset uint64
	Count  uint32
}

// UniformValue is the raw value of one uniform.
type UniformValue struct {
	Type    UniformType
	Floats  [16]float32
	Int     int32
	Uint    uint32
	Texture TextureID
	Buffer  BufferID
	Offset  uint64
	Size    uint64
}

// UniformBinding assigns a value to a named uniform slot. Uniform values
// persist in the program between draws; a draw carries only the slots
// that changed.
type UniformBinding struct {
	Name  string
	Value UniformValue
}

// Rect is a viewport rectangle in pixels.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// FeedbackBinding captures transform feedback output into a buffer range.
type FeedbackBinding struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// DrawCall is one fully resolved draw.
type DrawCall struct {
	Program       ProgramID
	Primitive     Primitive
	PatchVertices uint32
	Vertices      []VertexBinding
	FirstVertex   uint32
	VertexCount   uint32
	Indices       *IndexBinding
	BaseVertex    int32
	Instances     uint32
	Uniforms      []UniformBinding
	Color         []TextureID
	Depth         TextureID
	DepthTest     CompareFunc
	DepthWrite    bool
	Viewport      Rect
	Feedback      *FeedbackBinding
}

// Driver is the native surface consumed by gpusafe. Every method may fail.
//
// Calls are issued from the single goroutine owning the gpusafe Context,
// except ClientWaitFence and FenceSignaled which may be called
// concurrently with each other.
type Driver interface {
	// Info is called exactly once, before any other method.
	Info() (Info, error)

	CreateBuffer(desc *BufferDesc) (BufferID, error)
	DestroyBuffer(id BufferID)
	MapBuffer(id BufferID, req MapRequest) ([]byte, error)
	UnmapBuffer(id BufferID) error
	FlushMappedRange(id BufferID, offset, size uint64) error
	InvalidateMappedRange(id BufferID, offset, size uint64) error
	CopyBuffer(c *BufferCopy) error

	CreateTexture(desc *TextureDesc) (TextureID, error)
	DestroyTexture(id TextureID)
	WriteTexture(id TextureID, level uint32, data []byte) error
	CopyTextureToBuffer(c *TextureCopy) error

	CreateProgram(desc *ProgramDesc) (ProgramID, error)
	DestroyProgram(id ProgramID)

	Draw(call *DrawCall) error

	// InsertFence places a fence after every command issued so far.
	InsertFence() (FenceID, error)
	// ClientWaitFence blocks until the fence signals or timeout elapses.
	// It reports whether the fence signaled.
	ClientWaitFence(id FenceID, timeout time.Duration) (bool, error)
	// FenceSignaled polls a fence without blocking.
	FenceSignaled(id FenceID) (bool, error)
	DeleteFence(id FenceID)
}
