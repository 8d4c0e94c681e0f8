// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver/sim"
)

func TestMaxMipLevels(t *testing.T) {
	tests := []struct {
		w, h uint32
		want uint32
	}{
		{1, 1, 1},
		{2, 1, 2},
		{4, 4, 3},
		{5, 3, 3},
		{256, 16, 9},
		{1024, 1024, 11},
	}
	for _, tt := range tests {
		if got := maxMipLevels(tt.w, tt.h); got != tt.want {
			t.Errorf("maxMipLevels(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestNewTextureValidation(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		desc    TextureDescriptor
		want    error
	}{
		{
			name:    "zero width",
			profile: "gl46",
			desc:    TextureDescriptor{Height: 4, Format: FormatRGBA8Unorm, Usage: TextureSampled},
			want:    ErrInvalidDescriptor,
		},
		{
			name:    "too large",
			profile: "es20",
			desc:    TextureDescriptor{Width: 4096, Height: 4, Format: FormatRGBA8Unorm, Usage: TextureSampled},
			want:    ErrInvalidDescriptor,
		},
		{
			name:    "too many levels",
			profile: "gl46",
			desc:    TextureDescriptor{Width: 4, Height: 4, MipLevels: 4, Format: FormatRGBA8Unorm, Usage: TextureSampled},
			want:    ErrInvalidDescriptor,
		},
		{
			name:    "undefined format",
			profile: "gl46",
			desc:    TextureDescriptor{Width: 4, Height: 4, Usage: TextureSampled},
			want:    ErrInvalidDescriptor,
		},
		{
			name:    "no usage",
			profile: "gl46",
			desc:    TextureDescriptor{Width: 4, Height: 4, Format: FormatRGBA8Unorm},
			want:    ErrInvalidDescriptor,
		},
		{
			name:    "float texture on es20",
			profile: "es20",
			desc:    TextureDescriptor{Width: 4, Height: 4, Format: FormatRGBA32Float, Usage: TextureSampled},
			want:    ErrCapabilityMissing,
		},
		{
			name:    "integer texture on es20",
			profile: "es20",
			desc:    TextureDescriptor{Width: 4, Height: 4, Format: FormatR32Uint, Usage: TextureSampled},
			want:    ErrCapabilityMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drv := newTestContext(t, tt.profile)
			tt.desc.Label = tt.name
			_, err := c.NewTexture(tt.desc)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewTexture = %v, want %v", err, tt.want)
			}
			if n := drv.Count(sim.OpCreateTexture); n != 0 {
				t.Errorf("driver saw %d CreateTexture calls", n)
			}
		})
	}
}

func TestDepthAttachmentWithoutDepthTextures(t *testing.T) {
	p, err := sim.ParseProfile([]byte(`version = "OpenGL ES 2.0 bare"`))
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewContext(sim.New(p))
	if err != nil {
		t.Fatal(err)
	}
	if c.Supports(CapDepthTextures) {
		t.Fatal("bare ES 2.0 profile reports depth textures")
	}

	attach := TextureDescriptor{Label: "depth", Width: 4, Height: 4, Format: FormatDepth16Unorm, Usage: TextureRenderTarget}
	d, err := c.NewTexture(attach)
	if err != nil {
		t.Fatalf("render-only depth texture: %v", err)
	}
	_ = d.Release()

	attach.Usage |= TextureSampled
	if _, err := c.NewTexture(attach); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("sampled depth texture = %v, want ErrCapabilityMissing", err)
	}
}

func TestTextureLevels(t *testing.T) {
	c, _ := newTestContext(t, "gl46")
	tex := mustTexture(t, c, TextureDescriptor{
		Label: "mips", Width: 8, Height: 2, MipLevels: 4, Format: FormatRGBA8Unorm, Usage: TextureSampled,
	})
	tests := []struct {
		level uint32
		w, h  uint32
		bytes uint64
	}{
		{0, 8, 2, 64},
		{1, 4, 1, 16},
		{2, 2, 1, 8},
		{3, 1, 1, 4},
	}
	for _, tt := range tests {
		w, h := tex.LevelSize(tt.level)
		if w != tt.w || h != tt.h {
			t.Errorf("LevelSize(%d) = %dx%d, want %dx%d", tt.level, w, h, tt.w, tt.h)
		}
		if got := tex.LevelBytes(tt.level); got != tt.bytes {
			t.Errorf("LevelBytes(%d) = %d, want %d", tt.level, got, tt.bytes)
		}
	}
}

func TestWriteTexture(t *testing.T) {
	c, drv := newTestContext(t, "gl46")
	tex := mustTexture(t, c, TextureDescriptor{
		Label: "upload", Width: 2, Height: 2, Format: FormatRGBA8Unorm, Usage: TextureSampled | TextureCopyDst,
	})
	data := pattern(16)
	if err := c.WriteTexture(tex, 0, data); err != nil {
		t.Fatal(err)
	}
	data[0] = 0xAA // WriteTexture copied the pixels
	drv.Flush()
	got, _ := drv.TextureLevel(tex.ID(), 0)
	if !bytes.Equal(got, pattern(16)) {
		t.Errorf("level 0 = %x, want %x", got, pattern(16))
	}

	t.Run("size mismatch", func(t *testing.T) {
		if err := c.WriteTexture(tex, 0, make([]byte, 12)); !errors.Is(err, ErrFormatMismatch) {
			t.Errorf("WriteTexture = %v, want ErrFormatMismatch", err)
		}
	})
	t.Run("level out of range", func(t *testing.T) {
		if err := c.WriteTexture(tex, 1, make([]byte, 4)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("WriteTexture = %v, want ErrOutOfRange", err)
		}
	})
	t.Run("missing copy dst", func(t *testing.T) {
		ro := mustTexture(t, c, TextureDescriptor{
			Label: "ro", Width: 2, Height: 2, Format: FormatRGBA8Unorm, Usage: TextureSampled,
		})
		if err := c.WriteTexture(ro, 0, data); !errors.Is(err, ErrIncompatibleBinding) {
			t.Errorf("WriteTexture = %v, want ErrIncompatibleBinding", err)
		}
	})
	t.Run("released", func(t *testing.T) {
		gone := mustTexture(t, c, TextureDescriptor{
			Label: "gone", Width: 2, Height: 2, Format: FormatRGBA8Unorm, Usage: TextureCopyDst,
		})
		if err := gone.Release(); err != nil {
			t.Fatal(err)
		}
		if err := c.WriteTexture(gone, 0, data); !errors.Is(err, ErrReleased) {
			t.Errorf("WriteTexture = %v, want ErrReleased", err)
		}
		if err := gone.Release(); !errors.Is(err, ErrReleased) {
			t.Errorf("second Release = %v, want ErrReleased", err)
		}
	})
}

func checkerboard(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.NRGBA{R: 255, A: 255})
			} else {
				img.Set(x, y, color.NRGBA{B: 255, A: 255})
			}
		}
	}
	return img
}

func TestNewTextureFromImage(t *testing.T) {
	c, drv := newTestContext(t, "gl46")

	t.Run("single level", func(t *testing.T) {
		tex, err := c.NewTextureFromImage(checkerboard(2, 2), ImageOptions{Label: "board"})
		if err != nil {
			t.Fatal(err)
		}
		if tex.MipLevels() != 1 || tex.Format() != FormatRGBA8Unorm {
			t.Errorf("texture = %v with %d levels", tex, tex.MipLevels())
		}
		drv.Flush()
		got, _ := drv.TextureLevel(tex.ID(), 0)
		if !bytes.Equal(got[:4], []byte{255, 0, 0, 255}) || !bytes.Equal(got[4:8], []byte{0, 0, 255, 255}) {
			t.Errorf("pixels = %x", got)
		}
	})

	t.Run("bgra", func(t *testing.T) {
		tex, err := c.NewTextureFromImage(checkerboard(2, 2), ImageOptions{Label: "bgra", Format: FormatBGRA8Unorm})
		if err != nil {
			t.Fatal(err)
		}
		drv.Flush()
		got, _ := drv.TextureLevel(tex.ID(), 0)
		if !bytes.Equal(got[:4], []byte{0, 0, 255, 255}) {
			t.Errorf("first pixel = %x, want blue channel first", got[:4])
		}
	})

	t.Run("mipmaps", func(t *testing.T) {
		img := checkerboard(8, 4)
		sub := img.SubImage(image.Rect(0, 0, 8, 4))
		tex, err := c.NewTextureFromImage(sub, ImageOptions{Label: "mipped", Mipmaps: true, Usage: TextureCopySrc})
		if err != nil {
			t.Fatal(err)
		}
		if tex.MipLevels() != 4 {
			t.Errorf("MipLevels = %d, want 4", tex.MipLevels())
		}
		if !tex.Usage().Has(TextureSampled | TextureCopyDst | TextureCopySrc) {
			t.Errorf("Usage = %v", tex.Usage())
		}
		drv.Flush()
		last, _ := drv.TextureLevel(tex.ID(), 3)
		if len(last) != 4 || last[3] != 255 {
			t.Errorf("last level = %x", last)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := c.NewTextureFromImage(image.NewRGBA(image.Rectangle{}), ImageOptions{Label: "empty"})
		if !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("NewTextureFromImage = %v, want ErrInvalidDescriptor", err)
		}
	})

	t.Run("float format", func(t *testing.T) {
		_, err := c.NewTextureFromImage(checkerboard(2, 2), ImageOptions{Label: "f", Format: FormatRGBA32Float})
		if !errors.Is(err, ErrFormatMismatch) {
			t.Errorf("NewTextureFromImage = %v, want ErrFormatMismatch", err)
		}
	})
}
