// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"
	"image"
	"log/slog"
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"

	"github.com/gogpu/gpusafe/driver"
)

// TextureDescriptor describes a 2D texture to create.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	// MipLevels defaults to 1 when zero.
	MipLevels uint32
	Format    Format
	Usage     TextureUsage
}

// Texture is a driver texture owned by the caller. Release it exactly once.
//
// Textures are never mapped, so they never accrue fences; reading one
// back goes through CopyTextureToBuffer and a mapped buffer.
type Texture struct {
	ctx    *Context
	id     driver.TextureID
	label  string
	width  uint32
	height uint32
	mips   uint32
	format Format
	usage  TextureUsage

	released atomic.Bool
	cleanup  runtime.Cleanup
}

// maxMipLevels returns the length of a full mip chain.
func maxMipLevels(w, h uint32) uint32 {
	return uint32(bits.Len32(max(w, h)))
}

// NewTexture validates desc and allocates a texture.
func (c *Context) NewTexture(desc TextureDescriptor) (*Texture, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if err := c.validateTexture(&desc); err != nil {
		return nil, err
	}
	id, err := c.drv.CreateTexture(&driver.TextureDesc{
		Label:     desc.Label,
		Width:     desc.Width,
		Height:    desc.Height,
		MipLevels: desc.MipLevels,
		Format:    desc.Format,
		Usage:     desc.Usage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gpusafe: create texture %q", desc.Label)
	}
	t := &Texture{
		ctx:    c,
		id:     id,
		label:  desc.Label,
		width:  desc.Width,
		height: desc.Height,
		mips:   desc.MipLevels,
		format: desc.Format,
		usage:  desc.Usage,
	}
	c.register(resourceTexture, uint64(id), desc.Label)
	if c.opts.leakCollection {
		t.cleanup = runtime.AddCleanup(t, c.leaked, leakedResource{kind: resourceTexture, id: uint64(id), label: desc.Label})
	}
	c.log.Debug("gpusafe: texture created", slog.String("texture", desc.Label),
		slog.Int("width", int(desc.Width)), slog.Int("height", int(desc.Height)), slog.String("format", desc.Format.String()))
	return t, nil
}

func (c *Context) validateTexture(desc *TextureDescriptor) error {
	limit := c.caps.Limits().MaxTextureSize
	switch {
	case desc.Width == 0 || desc.Height == 0:
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q has zero size %dx%d", desc.Label, desc.Width, desc.Height)
	case desc.Width > limit || desc.Height > limit:
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q size %dx%d exceeds driver maximum %d", desc.Label, desc.Width, desc.Height, limit)
	case !desc.Format.Valid():
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q has unsupported format %s", desc.Label, desc.Format)
	case desc.MipLevels > maxMipLevels(desc.Width, desc.Height):
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q: %d mip levels for %dx%d", desc.Label, desc.MipLevels, desc.Width, desc.Height)
	case desc.Usage == 0:
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q has no usage", desc.Label)
	}
	if cp, ok := formatCapability(desc.Format); ok {
		// Depth attachments work everywhere; sampling or copying depth needs depth textures.
		if cp != CapDepthTextures || desc.Usage&(TextureSampled|TextureCopySrc) != 0 {
			if err := c.caps.Require(fmt.Sprintf("texture %q format %s", desc.Label, desc.Format), cp); err != nil {
				return err
			}
		}
	}
	return nil
}

// ID returns the driver id.
func (t *Texture) ID() driver.TextureID { return t.id }

// Label returns the debug label.
func (t *Texture) Label() string { return t.label }

// Width returns the width of level 0.
func (t *Texture) Width() uint32 { return t.width }

// Height returns the height of level 0.
func (t *Texture) Height() uint32 { return t.height }

// MipLevels returns the number of mip levels.
func (t *Texture) MipLevels() uint32 { return t.mips }

// Format returns the texel format.
func (t *Texture) Format() Format { return t.format }

// Usage returns the usage flags.
func (t *Texture) Usage() TextureUsage { return t.usage }

// Released reports whether Release was called.
func (t *Texture) Released() bool { return t != nil && t.released.Load() }

// LevelSize returns the dimensions of a mip level.
func (t *Texture) LevelSize(level uint32) (w, h uint32) {
	return max(t.width>>level, 1), max(t.height>>level, 1)
}

// LevelBytes returns the tightly packed size of a mip level.
func (t *Texture) LevelBytes(level uint32) uint64 {
	w, h := t.LevelSize(level)
	return uint64(w) * uint64(h) * uint64(t.format.BytesPerPixel())
}

func (t *Texture) owner() *Context {
	if t == nil {
		return nil
	}
	return t.ctx
}

func (t *Texture) describe() string {
	if t == nil {
		return "texture"
	}
	return fmt.Sprintf("texture %q", t.label)
}

func (t *Texture) String() string {
	return fmt.Sprintf("Texture(%q, %dx%d, %s)", t.label, t.width, t.height, t.format)
}

// Release destroys the texture. A second call fails with ErrReleased.
func (t *Texture) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrReleased, "texture %q released twice", t.label)
	}
	t.cleanup.Stop()
	if !t.ctx.unregister(resourceTexture, uint64(t.id)) {
		return errors.Wrapf(ErrContextClosed, "release texture %q", t.label)
	}
	t.ctx.drv.DestroyTexture(t.id)
	return nil
}

// WriteTexture uploads the tightly packed pixels of one mip level. The
// data is copied before WriteTexture returns.
func (c *Context) WriteTexture(t *Texture, level uint32, data []byte) error {
	if err := c.enter(); err != nil {
		return err
	}
	if err := c.owns(t); err != nil {
		return err
	}
	if !t.usage.Has(TextureCopyDst) {
		return errors.Wrapf(ErrIncompatibleBinding, "texture %q was not created with TextureCopyDst", t.label)
	}
	if level >= t.mips {
		return errors.Wrapf(ErrOutOfRange, "texture %q has %d levels, wrote level %d", t.label, t.mips, level)
	}
	if want := t.LevelBytes(level); uint64(len(data)) != want {
		return errors.Wrapf(ErrFormatMismatch, "texture %q level %d wants %d bytes of %s, got %d",
			t.label, level, want, t.format, len(data))
	}
	if err := c.drv.WriteTexture(t.id, level, data); err != nil {
		return c.reject(err, "WriteTexture")
	}
	return nil
}

// ImageOptions control NewTextureFromImage.
type ImageOptions struct {
	Label string
	// Format is FormatRGBA8Unorm (default) or FormatBGRA8Unorm.
	Format Format
	// Mipmaps builds a full mip chain with bilinear downsampling.
	Mipmaps bool
	// Usage is added to TextureSampled|TextureCopyDst.
	Usage TextureUsage
}

// NewTextureFromImage creates a texture from already decoded pixels.
func (c *Context) NewTextureFromImage(img image.Image, opts ImageOptions) (*Texture, error) {
	if opts.Format == driver.FormatUndefined {
		opts.Format = FormatRGBA8Unorm
	}
	if opts.Format != FormatRGBA8Unorm && opts.Format != FormatBGRA8Unorm {
		return nil, errors.Wrapf(ErrFormatMismatch, "image texture %q: unsupported format %s", opts.Label, opts.Format)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "image texture %q is empty", opts.Label)
	}
	levels := []*image.RGBA{toRGBA(img)}
	if opts.Mipmaps {
		for prev := levels[0]; prev.Rect.Dx() > 1 || prev.Rect.Dy() > 1; prev = levels[len(levels)-1] {
			w, h := max(prev.Rect.Dx()/2, 1), max(prev.Rect.Dy()/2, 1)
			next := image.NewRGBA(image.Rect(0, 0, w, h))
			draw.BiLinear.Scale(next, next.Rect, prev, prev.Rect, draw.Src, nil)
			levels = append(levels, next)
		}
	}

	t, err := c.NewTexture(TextureDescriptor{
		Label:     opts.Label,
		Width:     uint32(b.Dx()),
		Height:    uint32(b.Dy()),
		MipLevels: uint32(len(levels)),
		Format:    opts.Format,
		Usage:     TextureSampled | TextureCopyDst | opts.Usage,
	})
	if err != nil {
		return nil, err
	}
	for i, lvl := range levels {
		pix := packRows(lvl)
		if opts.Format == FormatBGRA8Unorm {
			swapRB(pix)
		}
		if err := c.WriteTexture(t, uint32(i), pix); err != nil {
			_ = t.Release()
			return nil, err
		}
	}
	return t, nil
}

// toRGBA converts any image to RGBA with its origin at (0,0).
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// packRows returns the pixels without row padding.
func packRows(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Stride == w*4 {
		return append([]byte(nil), img.Pix[:w*h*4]...)
	}
	out := make([]byte, 0, w*h*4)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		out = append(out, row...)
	}
	return out
}

func swapRB(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}
