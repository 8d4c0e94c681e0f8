// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package haldriver

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusafe"
	"github.com/gogpu/gpusafe/driver"
)

// openNoop opens a device and queue on the noop HAL backend.
func openNoop(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Skip("noop backend has no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		open.Device.Destroy()
		instance.Destroy()
	})
	return open.Device, open.Queue
}

// newNoopDriver opens the noop HAL backend.
func newNoopDriver(t *testing.T, opts ...Option) *Driver {
	t.Helper()
	return newDriverOn(t, openNoop, opts...)
}

func newDriverOn(t *testing.T, open func(*testing.T) (hal.Device, hal.Queue), opts ...Option) *Driver {
	t.Helper()
	device, queue := open(t)
	d, err := New(device, queue, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Destroy() })
	return d
}

// heldQueue reports completion only up to the index a test releases.
type heldQueue struct {
	hal.Queue
	completed atomic.Uint64
}

func (q *heldQueue) PollCompleted() uint64 { return q.completed.Load() }

func TestNewRequiresDevice(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil, nil) succeeded")
	}
	if _, err := FromProvider(nil); err == nil {
		t.Error("FromProvider(nil) succeeded")
	}
}

func TestInfoNegotiation(t *testing.T) {
	d := newNoopDriver(t, WithRenderer("test device"))
	info, err := d.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Renderer != "test device" {
		t.Errorf("Renderer = %q", info.Renderer)
	}
	if info.Limits.MaxTextureSize != gputypes.DefaultLimits().MaxTextureDimension2D {
		t.Errorf("MaxTextureSize = %d", info.Limits.MaxTextureSize)
	}

	caps, err := gpusafe.Negotiate(info)
	if err != nil {
		t.Fatalf("Negotiate = %v", err)
	}
	for _, c := range []gpusafe.Capability{
		gpusafe.CapExplicitSync,
		gpusafe.CapPersistentMapping,
		gpusafe.CapMapBufferRange,
		gpusafe.CapIndexUint32,
		gpusafe.CapInstancing,
		gpusafe.CapDrawBaseVertex,
	} {
		if !caps.Supports(c) {
			t.Errorf("%s not negotiated", c)
		}
	}
	for _, c := range []gpusafe.Capability{
		gpusafe.CapTriangleFans,
		gpusafe.CapIndexUint8,
		gpusafe.CapTransformFeedback,
		gpusafe.CapTessellation,
		gpusafe.CapGeometryShaders,
	} {
		if caps.Supports(c) {
			t.Errorf("%s negotiated on a HAL device", c)
		}
	}
}

func TestUnsupportedRequests(t *testing.T) {
	d := newNoopDriver(t)
	if _, err := d.CreateBuffer(&driver.BufferDesc{Size: 16, Binding: driver.BindTransformFeedback}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("feedback buffer = %v, want ErrUnsupported", err)
	}
	tests := []struct {
		name string
		desc driver.ProgramDesc
	}{
		{"varyings", driver.ProgramDesc{Stages: driver.StageVertex, Varyings: []driver.Varying{{Name: "out", Format: driver.VertexFloat32}}}},
		{"geometry", driver.ProgramDesc{Stages: driver.StageVertex | driver.StageGeometry}},
		{"sampler", driver.ProgramDesc{Stages: driver.StageVertex, Uniforms: []driver.ProgramUniform{{Name: "tex", Type: driver.UniformSampler2D}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateProgram(&tt.desc); !errors.Is(err, ErrUnsupported) {
				t.Errorf("CreateProgram = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestWriteMapping(t *testing.T) {
	d := newNoopDriver(t)
	id, err := d.CreateBuffer(&driver.BufferDesc{Label: "vb", Size: 10, Binding: driver.BindVertex, Mappable: true})
	if err != nil {
		t.Fatal(err)
	}
	req := driver.MapRequest{Offset: 0, Size: 8, Access: driver.MapWrite, Invalidate: true}
	m, err := d.MapBuffer(id, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 8 || cap(m) != 8 {
		t.Errorf("mapping len %d cap %d, want 8", len(m), cap(m))
	}
	copy(m, pattern8)
	if _, err := d.MapBuffer(id, req); err == nil {
		t.Error("second map succeeded")
	}
	if _, err := d.MapBuffer(id, driver.MapRequest{Offset: 4, Size: 8, Access: driver.MapWrite}); err == nil {
		t.Error("map past the end succeeded")
	}
	if err := d.UnmapBuffer(id); err != nil {
		t.Fatal(err)
	}
	if err := d.UnmapBuffer(id); err == nil {
		t.Error("second unmap succeeded")
	}
	if err := d.FlushMappedRange(id, 0, 4); err == nil {
		t.Error("flush without persistent mapping succeeded")
	}
	if _, err := d.MapBuffer(id, driver.MapRequest{Persistent: true}); err == nil {
		t.Error("persistent map of mutable storage succeeded")
	}
	d.DestroyBuffer(id)
	if _, err := d.MapBuffer(id, req); err == nil {
		t.Error("map of destroyed buffer succeeded")
	}
}

var pattern8 = []byte{1, 2, 3, 4, 5, 6, 7, 8}

func TestEncodeUniform(t *testing.T) {
	f32 := func(fs ...float32) []byte {
		var out []byte
		for _, f := range fs {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
		return out
	}
	mat3 := driver.UniformValue{Type: driver.UniformMat3}
	copy(mat3.Floats[:], []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	vec2 := driver.UniformValue{Type: driver.UniformVec2}
	vec2.Floats[0], vec2.Floats[1], vec2.Floats[2] = 0.5, -1, 99

	tests := []struct {
		name string
		v    driver.UniformValue
		want []byte
	}{
		{"int", driver.UniformValue{Type: driver.UniformInt, Int: -1}, []byte{0xff, 0xff, 0xff, 0xff}},
		{"uint", driver.UniformValue{Type: driver.UniformUint, Uint: 258}, []byte{2, 1, 0, 0}},
		{"vec2", vec2, f32(0.5, -1)},
		{"mat3 padded", mat3, f32(1, 2, 3, 0, 4, 5, 6, 0, 7, 8, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeUniform(tt.v); !bytes.Equal(got, tt.want) {
				t.Errorf("encodeUniform = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestPipelineKey(t *testing.T) {
	base := func() *driver.DrawCall {
		return &driver.DrawCall{
			Program:   3,
			Primitive: driver.PrimitiveTriangles,
			Vertices: []driver.VertexBinding{{
				Stride:     12,
				Attributes: []driver.VertexAttribute{{Name: "position", Format: driver.VertexFloat32x3}},
			}},
		}
	}
	rgba := []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm}
	key := pipelineKey(base(), rgba, gputypes.TextureFormatUndefined)
	if key != pipelineKey(base(), rgba, gputypes.TextureFormatUndefined) {
		t.Fatal("pipelineKey is not deterministic")
	}

	variants := map[string]func() string{
		"program": func() string {
			c := base()
			c.Program = 4
			return pipelineKey(c, rgba, gputypes.TextureFormatUndefined)
		},
		"stride": func() string {
			c := base()
			c.Vertices[0].Stride = 16
			return pipelineKey(c, rgba, gputypes.TextureFormatUndefined)
		},
		"instancing": func() string {
			c := base()
			c.Vertices[0].PerInstance = true
			return pipelineKey(c, rgba, gputypes.TextureFormatUndefined)
		},
		"colour format": func() string {
			return pipelineKey(base(), []gputypes.TextureFormat{gputypes.TextureFormatBGRA8Unorm}, gputypes.TextureFormatUndefined)
		},
		"depth test": func() string {
			c := base()
			c.DepthTest = driver.CompareLess
			return pipelineKey(c, rgba, gputypes.TextureFormatDepth32Float)
		},
	}
	for name, f := range variants {
		if f() == key {
			t.Errorf("%s does not change the key", name)
		}
	}

	// Vertex counts and uniforms do not select pipelines.
	c := base()
	c.VertexCount = 99
	c.Uniforms = []driver.UniformBinding{{Name: "x"}}
	if pipelineKey(c, rgba, gputypes.TextureFormatUndefined) != key {
		t.Error("per-draw state changed the key")
	}
}

const solidWGSL = `
struct Params { color: vec4<f32> }
@group(0) @binding(0) var<uniform> params: Params;

@vertex
fn vs_main(@location(0) position: vec3<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(position, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return params.color;
}
`

func TestContextOnHAL(t *testing.T) {
	d := newNoopDriver(t, WithPipelineCacheSize(4))
	c, err := gpusafe.NewContext(d, gpusafe.WithShaderCheck(false))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	prog, err := c.NewProgram(gpusafe.ProgramDescriptor{
		Label:      "solid",
		WGSL:       solidWGSL,
		Stages:     gpusafe.StageVertex | gpusafe.StageFragment,
		Attributes: []gpusafe.ProgramAttribute{{Name: "position", Location: 0, Format: gpusafe.VertexFloat32x3}},
		Uniforms:   []gpusafe.ProgramUniform{{Name: "color", Type: gpusafe.UniformVec4, Binding: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	vb, err := c.NewBuffer(gpusafe.BufferDescriptor{Label: "triangle", Size: 36, Usage: gpusafe.Static, Bind: gpusafe.BindVertex, Data: make([]byte, 36)})
	if err != nil {
		t.Fatal(err)
	}
	targets := make(map[gpusafe.Format]*gpusafe.Texture)
	for _, f := range []gpusafe.Format{gpusafe.FormatRGBA8Unorm, gpusafe.FormatBGRA8Unorm} {
		tex, err := c.NewTexture(gpusafe.TextureDescriptor{Label: f.String(), Width: 4, Height: 4, Format: f, Usage: gpusafe.TextureRenderTarget})
		if err != nil {
			t.Fatal(err)
		}
		targets[f] = tex
	}
	src, err := vb.Vertices(gpusafe.VertexLayout{
		Stride:     12,
		Attributes: []gpusafe.VertexAttribute{{Name: "position", Format: gpusafe.VertexFloat32x3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	draw := func(target *gpusafe.Texture, color gpusafe.UniformValue) {
		t.Helper()
		_, err := c.Draw(&gpusafe.DrawRequest{
			Program:  prog,
			Vertices: []gpusafe.VertexSource{src},
			Uniforms: gpusafe.Uniforms{"color": color},
			Params:   gpusafe.DrawParams{Primitive: gpusafe.PrimitiveTriangles},
			Target:   gpusafe.NewTarget(target),
		})
		if err != nil {
			t.Fatalf("Draw = %v", err)
		}
	}

	draw(targets[gpusafe.FormatRGBA8Unorm], gpusafe.Vec4(1, 0, 0, 1))
	draw(targets[gpusafe.FormatRGBA8Unorm], gpusafe.Vec4(0, 1, 0, 1))
	if n := d.pipeline.Len(); n != 1 {
		t.Errorf("%d pipelines after two identical draws, want 1", n)
	}
	draw(targets[gpusafe.FormatBGRA8Unorm], gpusafe.Vec4(0, 1, 0, 1))
	if n := d.pipeline.Len(); n != 2 {
		t.Errorf("%d pipelines after a new target format, want 2", n)
	}

	// A fenced copy; waiting on it frees everything submitted before.
	dst, err := c.NewBuffer(gpusafe.BufferDescriptor{Label: "dst", Size: 36, Usage: gpusafe.Dynamic, Bind: gpusafe.BindCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	staging, err := c.NewBuffer(gpusafe.BufferDescriptor{Label: "src", Size: 36, Usage: gpusafe.Static, Bind: gpusafe.BindCopySrc, Data: make([]byte, 36)})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := c.CopyBuffer(staging, 0, dst, 0, 36)
	if err != nil {
		t.Fatal(err)
	}
	if tok == nil {
		t.Fatal("GPU write into a Dynamic buffer was not fenced")
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Fences().Wait(wctx, tok); err != nil {
		t.Fatal(err)
	}
	if n := d.RetiredCount(); n != 0 {
		t.Errorf("%d objects still retired after the fence signaled", n)
	}

	if err := prog.Release(); err != nil {
		t.Fatal(err)
	}
	if n := d.pipeline.Len(); n != 0 {
		t.Errorf("%d pipelines cached after the program was destroyed", n)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestDrawWithoutAttachmentsUnsupported(t *testing.T) {
	d := newNoopDriver(t)
	id, err := d.CreateProgram(&driver.ProgramDesc{Label: "p", Source: driver.ShaderSource{WGSL: solidWGSL}, Stages: driver.StageVertex})
	if err != nil {
		t.Fatal(err)
	}
	err = d.Draw(&driver.DrawCall{Program: id, Primitive: driver.PrimitiveTriangles, VertexCount: 3, Instances: 1})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Draw = %v, want ErrUnsupported", err)
	}
}

func TestFencesFollowSubmissionIndex(t *testing.T) {
	q := new(heldQueue)
	d := newDriverOn(t, func(t *testing.T) (hal.Device, hal.Queue) {
		device, queue := openNoop(t)
		q.Queue = queue
		return device, q
	})

	early, err := d.InsertFence()
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := d.FenceSignaled(early); err != nil || !ok {
		t.Errorf("fence before any submission: signaled %v, %v", ok, err)
	}

	src, err := d.CreateBuffer(&driver.BufferDesc{Label: "src", Size: 16, Binding: driver.BindCopySrc, Data: make([]byte, 16)})
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.CreateBuffer(&driver.BufferDesc{Label: "dst", Size: 16, Binding: driver.BindCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.CopyBuffer(&driver.BufferCopy{Src: src, Dst: dst, Size: 16}); err != nil {
		t.Fatal(err)
	}
	f, err := d.InsertFence()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		completed uint64
		timeout   time.Duration
		want      bool
		retired   bool
	}{
		{"pending", 0, 0, false, true},
		{"pending with timeout", 0, 2 * time.Millisecond, false, true},
		{"completed", math.MaxUint64, time.Second, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q.completed.Store(tt.completed)
			ok, err := d.ClientWaitFence(f, tt.timeout)
			if err != nil {
				t.Fatal(err)
			}
			if ok != tt.want {
				t.Errorf("ClientWaitFence = %v, want %v", ok, tt.want)
			}
			if ok, _ := d.FenceSignaled(f); ok != tt.want {
				t.Errorf("FenceSignaled = %v, want %v", ok, tt.want)
			}
			if got := d.RetiredCount() > 0; got != tt.retired {
				t.Errorf("retired objects held = %v, want %v", got, tt.retired)
			}
		})
	}

	d.DeleteFence(f)
	if _, err := d.FenceSignaled(f); err == nil {
		t.Error("FenceSignaled on a deleted fence succeeded")
	}
	if _, err := d.ClientWaitFence(f, 0); err == nil {
		t.Error("ClientWaitFence on a deleted fence succeeded")
	}
}

func TestReadMappingThroughStaging(t *testing.T) {
	d := newNoopDriver(t)
	id, err := d.CreateBuffer(&driver.BufferDesc{Label: "rb", Size: 8, Binding: driver.BindCopySrc, Mappable: true, Data: pattern8})
	if err != nil {
		t.Fatal(err)
	}
	m, err := d.MapBuffer(id, driver.MapRequest{Offset: 2, Size: 4, Access: driver.MapRead})
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 4 {
		t.Errorf("read mapping len %d, want 4", len(m))
	}
	if err := d.UnmapBuffer(id); err != nil {
		t.Fatal(err)
	}
	if n := d.RetiredCount(); n != 0 {
		t.Errorf("%d objects retired after a waited readback", n)
	}
}
