// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"github.com/cockroachdb/errors"
)

// Target is the framebuffer a draw renders into. A draw may use a nil
// *Target only when it captures transform feedback.
type Target struct {
	Color []*Texture
	// Depth is optional. Depth testing or writing without it fails with
	// ErrNoDepthBuffer.
	Depth *Texture
}

// NewTarget returns a target with the given colour attachments.
func NewTarget(color ...*Texture) *Target {
	return &Target{Color: color}
}

// WithDepth returns a copy of t with a depth attachment.
func (t *Target) WithDepth(depth *Texture) *Target {
	n := *t
	n.Depth = depth
	return &n
}

// attachments returns every attached texture.
func (t *Target) attachments() []*Texture {
	if t == nil {
		return nil
	}
	all := append([]*Texture(nil), t.Color...)
	if t.Depth != nil {
		all = append(all, t.Depth)
	}
	return all
}

// size returns the common attachment size, or zero without attachments.
func (t *Target) size() (w, h uint32) {
	for _, a := range t.attachments() {
		return a.width, a.height
	}
	return 0, 0
}

// validate checks the attachments against each other and the driver.
func (t *Target) validate(v *validation) error {
	if t == nil {
		return nil
	}
	if limit := v.caps.Limits().MaxColorAttachments; uint32(len(t.Color)) > limit {
		return errors.Wrapf(ErrIncompatibleBinding, "%d colour attachments, driver allows %d", len(t.Color), limit)
	}
	for _, a := range t.attachments() {
		if err := v.handle(a); err != nil {
			return err
		}
	}
	w, h := t.size()
	for i, c := range t.Color {
		switch {
		case !c.usage.Has(TextureRenderTarget):
			return errors.Wrapf(ErrIncompatibleBinding, "colour attachment %d: %s lacks TextureRenderTarget", i, c.describe())
		case c.format.IsDepth():
			return errors.Wrapf(ErrFormatMismatch, "colour attachment %d: %s has depth format %s", i, c.describe(), c.format)
		}
	}
	if d := t.Depth; d != nil {
		switch {
		case !d.usage.Has(TextureRenderTarget):
			return errors.Wrapf(ErrIncompatibleBinding, "depth attachment %s lacks TextureRenderTarget", d.describe())
		case !d.format.IsDepth():
			return errors.Wrapf(ErrFormatMismatch, "depth attachment %s has colour format %s", d.describe(), d.format)
		}
	}
	for _, a := range t.attachments() {
		if a.width != w || a.height != h {
			return errors.Wrapf(ErrIncompatibleBinding, "attachment %s is %dx%d, target is %dx%d", a.describe(), a.width, a.height, w, h)
		}
	}
	return nil
}
