// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

func TestBuiltinProfiles(t *testing.T) {
	names := BuiltinNames()
	want := []string{"es20", "es32", "gl14", "gl21-storage", "gl33", "gl46"}
	if !slices.Equal(names, want) {
		t.Fatalf("BuiltinNames() = %v, want %v", names, want)
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			p, err := Builtin(name)
			if err != nil {
				t.Fatal(err)
			}
			if p.Name != name {
				t.Errorf("Name = %q", p.Name)
			}
			if p.Version == "" || p.Limits.MaxTextureSize == 0 {
				t.Errorf("profile %+v is incomplete", p)
			}
		})
	}
	if _, err := Builtin("gl99"); err == nil {
		t.Error("Builtin(gl99) succeeded")
	}
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
version = "3.3.0 Test"
extensions = ["GL_ARB_sync"]

[limits]
max_texture_size = 8192
`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Limits.MaxTextureSize != 8192 {
		t.Errorf("MaxTextureSize = %d", p.Limits.MaxTextureSize)
	}
	if p.Limits.MaxVertexAttribs != driver.DefaultLimits().MaxVertexAttribs {
		t.Errorf("omitted limit = %d, want the default", p.Limits.MaxVertexAttribs)
	}

	info := p.Info()
	info.Extensions[0] = "changed"
	if p.Extensions[0] != "GL_ARB_sync" {
		t.Error("Info shares the extension slice")
	}

	for name, doc := range map[string]string{
		"no version": `name = "x"`,
		"not toml":   `version = `,
	} {
		if _, err := ParseProfile([]byte(doc)); err == nil {
			t.Errorf("%s: ParseProfile succeeded", name)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	if err := os.WriteFile(path, []byte(`version = "OpenGL ES 3.0 Custom"`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != "OpenGL ES 3.0 Custom" {
		t.Errorf("Version = %q", p.Version)
	}
	if _, err := LoadProfile(path + ".missing"); err == nil {
		t.Error("LoadProfile of a missing file succeeded")
	}
}

func newBuffer(t *testing.T, d *Driver, desc driver.BufferDesc) driver.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(&desc)
	if err != nil {
		t.Fatalf("CreateBuffer = %v", err)
	}
	return id
}

func copyFixture(t *testing.T, mode Mode) (d *Driver, src, dst driver.BufferID) {
	t.Helper()
	d = New(MustBuiltin("gl46"), WithMode(mode))
	src = newBuffer(t, d, driver.BufferDesc{Size: 4, Mappable: true, Data: []byte{1, 2, 3, 4}})
	dst = newBuffer(t, d, driver.BufferDesc{Size: 4, Mappable: true})
	if err := d.CopyBuffer(&driver.BufferCopy{Src: src, Dst: dst, Size: 4}); err != nil {
		t.Fatal(err)
	}
	return d, src, dst
}

func contents(t *testing.T, d *Driver, id driver.BufferID) []byte {
	t.Helper()
	b, ok := d.Contents(id)
	if !ok {
		t.Fatalf("buffer %d does not exist", id)
	}
	return b
}

func TestModes(t *testing.T) {
	copied := []byte{1, 2, 3, 4}
	tests := []struct {
		name         string
		mode         Mode
		afterCopy    bool
		afterPoll    bool
		signaledPoll bool
	}{
		{"immediate", ModeImmediate, true, true, true},
		{"on wait", ModeOnWait, false, false, false},
		{"manual", ModeManual, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, dst := copyFixture(t, tt.mode)
			if got := bytes.Equal(contents(t, d, dst), copied); got != tt.afterCopy {
				t.Errorf("copied after issue = %v, want %v", got, tt.afterCopy)
			}
			f, err := d.InsertFence()
			if err != nil {
				t.Fatal(err)
			}
			signaled, err := d.FenceSignaled(f)
			if err != nil {
				t.Fatal(err)
			}
			if signaled != tt.signaledPoll {
				t.Errorf("FenceSignaled = %v, want %v", signaled, tt.signaledPoll)
			}
			if got := bytes.Equal(contents(t, d, dst), copied); got != tt.afterPoll {
				t.Errorf("copied after poll = %v, want %v", got, tt.afterPoll)
			}
			d.Flush()
			if !bytes.Equal(contents(t, d, dst), copied) {
				t.Error("Flush did not run the copy")
			}
			if ok, _ := d.ClientWaitFence(f, 0); !ok {
				t.Error("fence not signaled after Flush")
			}
		})
	}
}

func TestClientWaitFence(t *testing.T) {
	d, _, _ := copyFixture(t, ModeManual)
	f, err := d.InsertFence()
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := d.ClientWaitFence(f, time.Millisecond); ok || err != nil {
		t.Fatalf("ClientWaitFence in manual mode = %v, %v", ok, err)
	}

	done := make(chan bool)
	go func() {
		ok, _ := d.ClientWaitFence(f, 5*time.Second)
		done <- ok
	}()
	for d.Count(OpClientWaitFence) < 2 {
		time.Sleep(time.Millisecond)
	}
	d.Flush()
	if !<-done {
		t.Error("blocked wait did not observe the signal")
	}

	d.DeleteFence(f)
	if _, err := d.ClientWaitFence(f, 0); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("wait on deleted fence = %v, want ErrInvalidValue", err)
	}
	if d.LiveFences() != 0 {
		t.Errorf("LiveFences = %d", d.LiveFences())
	}
}

func TestAdvance(t *testing.T) {
	d, src, dst := copyFixture(t, ModeManual)
	for range 2 {
		if err := d.CopyBuffer(&driver.BufferCopy{Src: src, Dst: dst, Size: 4}); err != nil {
			t.Fatal(err)
		}
	}
	if n := d.Pending(); n != 3 {
		t.Fatalf("Pending = %d, want 3", n)
	}
	if n := d.Advance(2); n != 2 {
		t.Errorf("Advance(2) = %d", n)
	}
	if n := d.Advance(5); n != 1 {
		t.Errorf("Advance(5) = %d, want 1", n)
	}
	if n := d.Pending(); n != 0 {
		t.Errorf("Pending = %d after draining", n)
	}
}

func TestMapBufferErrors(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	fixed := newBuffer(t, d, driver.BufferDesc{Size: 16})
	mappable := newBuffer(t, d, driver.BufferDesc{Size: 16, Mappable: true})
	persistent := newBuffer(t, d, driver.BufferDesc{Size: 16, Storage: driver.StoragePersistent})

	tests := []struct {
		name string
		id   driver.BufferID
		req  driver.MapRequest
		want error
	}{
		{"not mappable", fixed, driver.MapRequest{Size: 16, Access: driver.MapRead}, ErrInvalidOperation},
		{"unknown buffer", 999, driver.MapRequest{Size: 16, Access: driver.MapRead}, ErrInvalidValue},
		{"zero size", mappable, driver.MapRequest{Access: driver.MapRead}, ErrInvalidValue},
		{"past end", mappable, driver.MapRequest{Offset: 8, Size: 16, Access: driver.MapRead}, ErrInvalidValue},
		{"persistent without storage", mappable, driver.MapRequest{Persistent: true}, ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.MapBuffer(tt.id, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("MapBuffer = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := d.MapBuffer(mappable, driver.MapRequest{Size: 16, Access: driver.MapWrite}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.MapBuffer(mappable, driver.MapRequest{Size: 16, Access: driver.MapWrite}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("double map = %v, want ErrInvalidOperation", err)
	}
	if err := d.UnmapBuffer(mappable); err != nil {
		t.Fatal(err)
	}
	if err := d.UnmapBuffer(mappable); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("double unmap = %v, want ErrInvalidOperation", err)
	}

	if _, err := d.MapBuffer(persistent, driver.MapRequest{Persistent: true}); err != nil {
		t.Fatal(err)
	}
	if err := d.FlushMappedRange(persistent, 0, 16); err != nil {
		t.Errorf("FlushMappedRange = %v", err)
	}
	if err := d.FlushMappedRange(persistent, 8, 16); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("FlushMappedRange past end = %v, want ErrInvalidValue", err)
	}
	if err := d.InvalidateMappedRange(mappable, 0, 4); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("InvalidateMappedRange without persistent mapping = %v", err)
	}
}

func TestMapSynchronizesQueuedWrites(t *testing.T) {
	d, _, dst := copyFixture(t, ModeManual)
	m, err := d.MapBuffer(dst, driver.MapRequest{Size: 4, Access: driver.MapRead})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m, []byte{1, 2, 3, 4}) {
		t.Errorf("mapped = %v, want the copied bytes", m)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d after map", d.Pending())
	}
}

func TestInvalidateOrphansStorage(t *testing.T) {
	d, _, dst := copyFixture(t, ModeManual)
	m, err := d.MapBuffer(dst, driver.MapRequest{Size: 4, Access: driver.MapWrite, Invalidate: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Pending() != 1 {
		t.Fatalf("invalidating map waited for the queue")
	}
	copy(m, []byte{9, 9, 9, 9})
	d.Flush()
	if err := d.UnmapBuffer(dst); err != nil {
		t.Fatal(err)
	}
	if got := contents(t, d, dst); !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Errorf("contents = %v, want the CPU write; the queued copy targets orphaned storage", got)
	}
}

func TestCommandsRejectMappedBuffers(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	src := newBuffer(t, d, driver.BufferDesc{Size: 4, Mappable: true})
	dst := newBuffer(t, d, driver.BufferDesc{Size: 4})
	if _, err := d.MapBuffer(src, driver.MapRequest{Size: 4, Access: driver.MapWrite}); err != nil {
		t.Fatal(err)
	}
	if err := d.CopyBuffer(&driver.BufferCopy{Src: src, Dst: dst, Size: 4}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("copy from mapped buffer = %v, want ErrInvalidOperation", err)
	}

	prog, err := d.CreateProgram(&driver.ProgramDesc{Stages: driver.StageVertex})
	if err != nil {
		t.Fatal(err)
	}
	err = d.Draw(&driver.DrawCall{
		Program:     prog,
		Primitive:   driver.PrimitiveTriangles,
		Vertices:    []driver.VertexBinding{{Buffer: src, Stride: 4}},
		VertexCount: 1,
		Instances:   1,
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("draw from mapped buffer = %v, want ErrInvalidOperation", err)
	}
	if err := d.CopyBuffer(&driver.BufferCopy{Src: dst, Dst: dst, DstOffset: 2, Size: 4}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("copy past end = %v, want ErrInvalidValue", err)
	}
}

func TestDrawExecution(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	prog, err := d.CreateProgram(&driver.ProgramDesc{Stages: driver.StageVertex | driver.StageFragment})
	if err != nil {
		t.Fatal(err)
	}
	rgba, _ := d.CreateTexture(&driver.TextureDesc{Width: 1, Height: 1, MipLevels: 1, Format: driver.FormatRGBA8Unorm, Usage: driver.TextureRenderTarget})
	bgra, _ := d.CreateTexture(&driver.TextureDesc{Width: 1, Height: 1, MipLevels: 1, Format: driver.FormatBGRA8Unorm, Usage: driver.TextureRenderTarget})
	vb := newBuffer(t, d, driver.BufferDesc{Size: 8, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	fb := newBuffer(t, d, driver.BufferDesc{Size: 8})

	color := driver.UniformValue{Type: driver.UniformVec4}
	color.Floats = [16]float32{1, 0.5, 0, 1}
	call := &driver.DrawCall{
		Program:     prog,
		Primitive:   driver.PrimitivePoints,
		Vertices:    []driver.VertexBinding{{Buffer: vb, Stride: 8}},
		VertexCount: 1,
		Instances:   1,
		Uniforms:    []driver.UniformBinding{{Name: "color", Value: color}},
		Color:       []driver.TextureID{rgba, bgra},
		Feedback:    &driver.FeedbackBinding{Buffer: fb, Size: 8},
	}
	if err := d.Draw(call); err != nil {
		t.Fatal(err)
	}
	if len(d.Draws()) != 0 {
		t.Fatal("draw executed before the queue ran")
	}
	d.Flush()

	if got, _ := d.TextureLevel(rgba, 0); !bytes.Equal(got, []byte{0xff, 0x80, 0, 0xff}) {
		t.Errorf("rgba attachment = %x", got)
	}
	if got, _ := d.TextureLevel(bgra, 0); !bytes.Equal(got, []byte{0, 0x80, 0xff, 0xff}) {
		t.Errorf("bgra attachment = %x", got)
	}
	if got := contents(t, d, fb); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("feedback = %v", got)
	}
	draws := d.Draws()
	if len(draws) != 1 || draws[0].Program != prog || draws[0].Indexed {
		t.Fatalf("Draws() = %+v", draws)
	}
	if _, ok := draws[0].Uniforms["color"]; !ok {
		t.Error("draw record lacks the color uniform")
	}

	// Uniform values persist in the program between draws.
	call.Uniforms = nil
	call.Feedback = nil
	if err := d.Draw(call); err != nil {
		t.Fatal(err)
	}
	d.Flush()
	if draws := d.Draws(); len(draws[1].Uniforms) != 1 {
		t.Errorf("second draw uniforms = %v", draws[1].Uniforms)
	}
}

func TestDrawErrors(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	if _, err := d.CreateProgram(&driver.ProgramDesc{Stages: driver.StageFragment}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("fragment-only program = %v, want ErrInvalidOperation", err)
	}
	prog, _ := d.CreateProgram(&driver.ProgramDesc{Stages: driver.StageVertex})

	tests := []struct {
		name string
		call driver.DrawCall
	}{
		{"unknown program", driver.DrawCall{Program: 999}},
		{"depth test without attachment", driver.DrawCall{Program: prog, DepthTest: driver.CompareLess}},
		{"unknown colour attachment", driver.DrawCall{Program: prog, Color: []driver.TextureID{999}}},
		{"unknown sampled texture", driver.DrawCall{Program: prog, Uniforms: []driver.UniformBinding{
			{Name: "tex", Value: driver.UniformValue{Type: driver.UniformSampler2D, Texture: 999}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Draw(&tt.call); !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("Draw = %v, want ErrInvalidOperation", err)
			}
		})
	}
	if d.Pending() != 0 {
		t.Errorf("rejected draws were queued")
	}
}

func TestFailNext(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	d.FailNext(OpCreateBuffer, ErrOutOfMemory)
	if _, err := d.CreateBuffer(&driver.BufferDesc{Size: 4}); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("CreateBuffer = %v, want ErrOutOfMemory", err)
	}
	if _, err := d.CreateBuffer(&driver.BufferDesc{Size: 4}); err != nil {
		t.Errorf("failure was not one-shot: %v", err)
	}
}

func TestCallLogAndLive(t *testing.T) {
	d := New(MustBuiltin("gl46"))
	b := newBuffer(t, d, driver.BufferDesc{Size: 4})
	tex, _ := d.CreateTexture(&driver.TextureDesc{Width: 2, Height: 2, MipLevels: 2, Format: driver.FormatR8Unorm, Usage: driver.TextureSampled})
	if bufs, texs, progs := d.Live(); bufs != 1 || texs != 1 || progs != 0 {
		t.Errorf("Live() = %d, %d, %d", bufs, texs, progs)
	}
	if lvl, ok := d.TextureLevel(tex, 1); !ok || len(lvl) != 1 {
		t.Errorf("level 1 = %v, %v", lvl, ok)
	}
	if _, ok := d.TextureLevel(tex, 2); ok {
		t.Error("TextureLevel past the chain succeeded")
	}
	d.DestroyBuffer(b)
	d.DestroyTexture(tex)

	var ops []string
	for _, c := range d.Calls() {
		ops = append(ops, c.String())
	}
	want := []string{"CreateBuffer", "CreateTexture", "DestroyBuffer(1)", "DestroyTexture(2)"}
	if !slices.Equal(ops, want) {
		t.Errorf("Calls() = %v, want %v", ops, want)
	}
	d.ResetCalls()
	if len(d.Calls()) != 0 || d.Count(OpCreateBuffer) != 0 {
		t.Error("ResetCalls kept entries")
	}
	if bufs, texs, _ := d.Live(); bufs+texs != 0 {
		t.Error("destroyed objects are still live")
	}
}
