// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"context"
	"testing"
	"time"

	"github.com/gogpu/gpusafe/driver/sim"
)

// testSPIRV is a placeholder module; the sim driver does not compile shaders.
var testSPIRV = []uint32{0x07230203, 0x00010000, 0, 1, 0}

func newTestContext(t testing.TB, profile string, opts ...ContextOption) (*Context, *sim.Driver) {
	t.Helper()
	return newTestContextMode(t, profile, sim.ModeOnWait, opts...)
}

func newTestContextMode(t testing.TB, profile string, mode sim.Mode, opts ...ContextOption) (*Context, *sim.Driver) {
	t.Helper()
	drv := sim.New(sim.MustBuiltin(profile), sim.WithMode(mode))
	c, err := NewContext(drv, opts...)
	if err != nil {
		t.Fatalf("NewContext(%s) = %v", profile, err)
	}
	t.Cleanup(func() {
		drv.Flush()
		_ = c.Close(context.Background())
	})
	return c, drv
}

func mustBuffer(t testing.TB, c *Context, desc BufferDescriptor) *Buffer {
	t.Helper()
	b, err := c.NewBuffer(desc)
	if err != nil {
		t.Fatalf("NewBuffer(%q) = %v", desc.Label, err)
	}
	return b
}

func mustTexture(t testing.TB, c *Context, desc TextureDescriptor) *Texture {
	t.Helper()
	tex, err := c.NewTexture(desc)
	if err != nil {
		t.Fatalf("NewTexture(%q) = %v", desc.Label, err)
	}
	return tex
}

func mustProgram(t testing.TB, c *Context, desc ProgramDescriptor) *Program {
	t.Helper()
	if desc.SPIRV == nil && desc.WGSL == "" {
		desc.SPIRV = testSPIRV
	}
	if desc.Stages == 0 {
		desc.Stages = StageVertex | StageFragment
	}
	p, err := c.NewProgram(desc)
	if err != nil {
		t.Fatalf("NewProgram(%q) = %v", desc.Label, err)
	}
	return p
}

func renderTarget(t testing.TB, c *Context, w, h uint32) *Texture {
	t.Helper()
	return mustTexture(t, c, TextureDescriptor{
		Label:  "target",
		Width:  w,
		Height: h,
		Format: FormatRGBA8Unorm,
		Usage:  TextureRenderTarget | TextureCopySrc,
	})
}

// positionLayout is one vec3 position per 12-byte vertex.
var positionLayout = VertexLayout{
	Stride:     12,
	Attributes: []VertexAttribute{{Name: "position", Format: VertexFloat32x3, Offset: 0}},
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}
