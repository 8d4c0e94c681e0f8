// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

// SubmissionPipeline executes validated draws and copies: it pins every
// referenced buffer range for GPU use, issues the driver call, and fences
// the ranges whose usage class needs it.
//
// A driver error at this point means validation missed something; it is
// handled by the context's RejectPolicy.
type SubmissionPipeline struct {
	ctx *Context

	draws         atomic.Uint64
	copies        atomic.Uint64
	uniformsSent  atomic.Uint64
	uniformsCache atomic.Uint64
}

func newSubmissionPipeline(c *Context) *SubmissionPipeline {
	return &SubmissionPipeline{ctx: c}
}

// PipelineStats contains submission counters.
type PipelineStats struct {
	Draws  uint64
	Copies uint64
	// UniformUploads counts uniform values sent to the driver.
	UniformUploads uint64
	// UniformCacheHits counts uploads skipped because the program
	// already held the value.
	UniformCacheHits uint64
}

// Stats returns a snapshot of the counters.
func (p *SubmissionPipeline) Stats() PipelineStats {
	return PipelineStats{
		Draws:            p.draws.Load(),
		Copies:           p.copies.Load(),
		UniformUploads:   p.uniformsSent.Load(),
		UniformCacheHits: p.uniformsCache.Load(),
	}
}

// pin acquires GpuUse on every use. On failure nothing stays pinned.
func (p *SubmissionPipeline) pin(uses []bufferUse) (release func(), err error) {
	guards := make([]*AccessGuard, 0, len(uses))
	release = func() {
		for _, g := range guards {
			_ = g.Release()
		}
	}
	for _, u := range uses {
		g, err := p.ctx.tracker.acquireGPU(u.buf, u.region, u.write)
		if err != nil {
			release()
			return nil, err
		}
		guards = append(guards, g)
	}
	return release, nil
}

// fence inserts one fence guarding every use whose usage class is fenced.
// It returns nil when no use needs a fence.
func (p *SubmissionPipeline) fence(uses []bufferUse) (*FenceToken, error) {
	var fenced []bufferUse
	var regions []GuardedRegion
	for _, u := range uses {
		if !u.buf.usage.fenced(u.write) {
			continue
		}
		fenced = append(fenced, u)
		regions = append(regions, GuardedRegion{Buffer: u.buf.id, Label: u.buf.label, Region: u.region, Write: u.write})
	}
	if len(fenced) == 0 {
		return nil, nil
	}
	tok, err := p.ctx.fences.Insert(regions)
	if err != nil {
		return nil, err
	}
	p.ctx.tracker.track(tok, fenced)
	return tok, nil
}

func (p *SubmissionPipeline) recheck(handles []ownedHandle) error {
	for _, h := range handles {
		if err := p.ctx.owns(h); err != nil {
			return err
		}
	}
	return nil
}

// Submit issues a validated draw. It never waits for the GPU. The returned
// token is nil when no referenced buffer needs a fence.
//
// Submit fails with ErrAccessConflict when a referenced range is mapped,
// and with ErrReleased when a handle was released after validation.
func (p *SubmissionPipeline) Submit(vr *ValidatedRequest) (*FenceToken, error) {
	c := p.ctx
	if err := c.enter(); err != nil {
		return nil, err
	}
	if vr.ctx != c {
		return nil, errors.Wrapf(ErrWrongContext, "request validated for context %s", vr.ctx.id)
	}
	if err := p.recheck(vr.handles); err != nil {
		return nil, err
	}
	release, err := p.pin(vr.uses)
	if err != nil {
		return nil, err
	}
	defer release()

	prog := vr.program
	prog.mu.Lock()
	call := vr.call
	var skipped int
	call.Uniforms, skipped = prog.cache.changed(vr.uniforms)
	if err := c.drv.Draw(&call); err != nil {
		prog.mu.Unlock()
		return nil, c.reject(err, "Draw")
	}
	prog.cache.store(call.Uniforms)
	prog.mu.Unlock()

	p.draws.Add(1)
	p.uniformsSent.Add(uint64(len(call.Uniforms)))
	p.uniformsCache.Add(uint64(skipped))

	tok, err := p.fence(vr.uses)
	if err != nil {
		return nil, err
	}
	c.log.Debug("gpusafe: draw submitted",
		slog.String("program", prog.label),
		slog.Int("vertices", int(call.VertexCount)),
		slog.Int("instances", int(call.Instances)),
		slog.Int("uniforms", len(call.Uniforms)),
		slog.Int("uniformsCached", skipped),
		slog.Bool("fenced", tok != nil))
	return tok, nil
}

// Draw validates and submits a draw in one call.
func (c *Context) Draw(req *DrawRequest) (*FenceToken, error) {
	vr, err := c.Validate(req)
	if err != nil {
		return nil, err
	}
	return c.pipeline.Submit(vr)
}

// CopyBuffer copies size bytes from src at srcOffset to dst at dstOffset
// on the GPU. src needs BindCopySrc and dst BindCopyDst; overlapping
// copies within one buffer are rejected.
func (c *Context) CopyBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) (*FenceToken, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	v := &validation{caps: c.caps, ctx: c}
	for _, b := range []*Buffer{src, dst} {
		if err := v.handle(b); err != nil {
			return nil, err
		}
	}
	if size == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "zero-size buffer copy")
	}
	if !src.bind.Has(BindCopySrc) {
		return nil, errors.Wrapf(ErrIncompatibleBinding, "%s lacks BindCopySrc", src.describe())
	}
	if !dst.bind.Has(BindCopyDst) {
		return nil, errors.Wrapf(ErrIncompatibleBinding, "%s lacks BindCopyDst", dst.describe())
	}
	if err := v.use(src, Region{srcOffset, size}, false); err != nil {
		return nil, err
	}
	if err := v.use(dst, Region{dstOffset, size}, true); err != nil {
		return nil, err
	}
	if err := v.aliasing(); err != nil {
		return nil, err
	}
	return c.pipeline.copy(v.uses, "CopyBuffer", func() error {
		return c.drv.CopyBuffer(&driver.BufferCopy{
			Src:       src.id,
			SrcOffset: srcOffset,
			Dst:       dst.id,
			DstOffset: dstOffset,
			Size:      size,
		})
	})
}

// CopyTextureToBuffer copies one mip level of t into dst at dstOffset,
// rows tightly packed. t needs TextureCopySrc and dst BindCopyDst.
func (c *Context) CopyTextureToBuffer(t *Texture, level uint32, dst *Buffer, dstOffset uint64) (*FenceToken, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	v := &validation{caps: c.caps, ctx: c}
	if err := v.handle(t); err != nil {
		return nil, err
	}
	if err := v.handle(dst); err != nil {
		return nil, err
	}
	switch {
	case !t.usage.Has(TextureCopySrc):
		return nil, errors.Wrapf(ErrIncompatibleBinding, "%s lacks TextureCopySrc", t.describe())
	case level >= t.mips:
		return nil, errors.Wrapf(ErrOutOfRange, "level %d of %s with %d levels", level, t.describe(), t.mips)
	case !dst.bind.Has(BindCopyDst):
		return nil, errors.Wrapf(ErrIncompatibleBinding, "%s lacks BindCopyDst", dst.describe())
	}
	if err := v.use(dst, Region{dstOffset, t.LevelBytes(level)}, true); err != nil {
		return nil, err
	}
	return c.pipeline.copy(v.uses, "CopyTextureToBuffer", func() error {
		return c.drv.CopyTextureToBuffer(&driver.TextureCopy{
			Src:       t.id,
			Level:     level,
			Dst:       dst.id,
			DstOffset: dstOffset,
		})
	})
}

// copy runs a validated copy: pin, issue, fence.
func (p *SubmissionPipeline) copy(uses []bufferUse, op string, issue func() error) (*FenceToken, error) {
	release, err := p.pin(uses)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := issue(); err != nil {
		return nil, p.ctx.reject(err, op)
	}
	p.copies.Add(1)
	tok, err := p.fence(uses)
	if err != nil {
		return nil, err
	}
	p.ctx.log.Debug("gpusafe: copy submitted", slog.String("op", op), slog.Bool("fenced", tok != nil))
	return tok, nil
}
