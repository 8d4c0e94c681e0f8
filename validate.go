// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gogpu/gpusafe/driver"
)

// DrawParams are the fixed-function parameters of a draw.
type DrawParams struct {
	Primitive Primitive
	// PatchVertices is the patch size for PrimitivePatches.
	PatchVertices uint32
	// VertexCount is the number of vertices for draws without per-vertex
	// sources. It is ignored otherwise.
	VertexCount uint32
	// Instances defaults to the length of the per-instance sources, or 1.
	Instances uint32
	// BaseVertex is added to every index. Needs CapDrawBaseVertex.
	BaseVertex int32
	DepthTest  CompareFunc
	DepthWrite bool
	// Viewport defaults to the whole target.
	Viewport *Rect
}

// DrawRequest is everything one draw needs. It is built by the caller,
// validated, submitted and discarded.
type DrawRequest struct {
	Program  *Program
	Vertices []VertexSource
	// Indices is nil for non-indexed draws.
	Indices  *IndexSource
	Uniforms Uniforms
	Params   DrawParams
	Target   *Target
	// Feedback captures the program's varyings. Its layout lists them in
	// order at increasing offsets.
	Feedback *VertexSource
}

// bufferUse is one buffer range a submission reads or writes.
type bufferUse struct {
	buf    *Buffer
	region Region
	write  bool
}

func (u bufferUse) String() string {
	rw := "read"
	if u.write {
		rw = "write"
	}
	return fmt.Sprintf("%s %s %s", rw, u.buf.describe(), u.region)
}

// ValidatedRequest is a DrawRequest that passed Validate. Only
// SubmissionPipeline.Submit consumes it.
type ValidatedRequest struct {
	ctx      *Context
	program  *Program
	call     driver.DrawCall
	uniforms Uniforms
	uses     []bufferUse
	handles  []ownedHandle
}

// Program returns the program the request draws with.
func (r *ValidatedRequest) Program() *Program { return r.program }

// VertexCount returns the number of vertices (or indices) drawn per instance.
func (r *ValidatedRequest) VertexCount() uint32 { return r.call.VertexCount }

// Instances returns the number of instances drawn.
func (r *ValidatedRequest) Instances() uint32 { return r.call.Instances }

// Writes reports whether the draw writes any buffer.
func (r *ValidatedRequest) Writes() bool {
	for _, u := range r.uses {
		if u.write {
			return true
		}
	}
	return false
}

// validation accumulates the result of one Validate call.
type validation struct {
	caps    *CapabilityTable
	ctx     *Context
	uses    []bufferUse
	handles []ownedHandle
}

// handle checks that h is live and belongs to the same context as every
// other handle of the request.
func (v *validation) handle(h ownedHandle) error {
	o := h.owner()
	switch {
	case o == nil:
		return errors.Wrapf(ErrInvalidDescriptor, "nil %s", h.describe())
	case h.Released():
		return errors.Wrapf(ErrReleased, "%s", h.describe())
	case v.ctx == nil:
		v.ctx = o
	case o != v.ctx:
		return errors.Wrapf(ErrWrongContext, "%s from context %s mixed with context %s", h.describe(), o.id, v.ctx.id)
	}
	v.handles = append(v.handles, h)
	return nil
}

func (v *validation) use(b *Buffer, r Region, write bool) error {
	if r.End() > b.size || r.End() < r.Offset {
		return errors.Wrapf(ErrOutOfRange, "%s of %s (%d bytes)", r, b.describe(), b.size)
	}
	v.uses = append(v.uses, bufferUse{buf: b, region: r, write: write})
	return nil
}

// Validate checks a draw against the program's interface and the driver's
// capabilities. It has no side effects; every failure is a typed error
// (ErrIncompatibleBinding, ErrCapabilityMissing, ErrFormatMismatch and
// their refinements) and no driver call is made.
func Validate(req *DrawRequest, caps *CapabilityTable) (*ValidatedRequest, error) {
	v := &validation{caps: caps}
	p := req.Program
	if err := v.handle(p); err != nil {
		return nil, err
	}
	call := driver.DrawCall{
		Program:    p.id,
		Primitive:  req.Params.Primitive,
		BaseVertex: req.Params.BaseVertex,
		DepthTest:  req.Params.DepthTest,
		DepthWrite: req.Params.DepthWrite,
	}
	if err := v.primitive(p, &req.Params, &call); err != nil {
		return nil, err
	}
	if err := v.vertices(p, req, &call); err != nil {
		return nil, err
	}
	if err := v.indices(req, &call); err != nil {
		return nil, err
	}
	uniforms, err := v.uniforms(p, req.Uniforms)
	if err != nil {
		return nil, err
	}
	if err := v.framebuffer(req, uniforms, &call); err != nil {
		return nil, err
	}
	if err := v.feedback(p, req.Feedback, &call); err != nil {
		return nil, err
	}
	if len(req.Target.attachments()) == 0 && req.Feedback == nil {
		return nil, errors.Wrapf(ErrIncompatibleBinding, "draw with %s has no attachments and no feedback", p.describe())
	}
	if err := v.aliasing(); err != nil {
		return nil, err
	}
	return &ValidatedRequest{
		ctx:      v.ctx,
		program:  p,
		call:     call,
		uniforms: uniforms,
		uses:     v.uses,
		handles:  v.handles,
	}, nil
}

func (v *validation) primitive(p *Program, params *DrawParams, call *driver.DrawCall) error {
	tess := p.stages&(StageTessControl|StageTessEvaluation) != 0
	switch params.Primitive {
	case PrimitiveTriangles, PrimitiveTriangleStrip, PrimitivePoints, PrimitiveLines, PrimitiveLineStrip:
	case PrimitiveTriangleFan:
		if err := v.caps.Require("triangle fan draw", CapTriangleFans); err != nil {
			return err
		}
	case PrimitivePatches:
		if err := v.caps.Require("patch draw", CapTessellation); err != nil {
			return err
		}
		if !tess {
			return errors.Wrapf(ErrIncompatibleBinding, "patches drawn with %s, which has no tessellation stage", p.describe())
		}
		if params.PatchVertices == 0 {
			return errors.Wrap(ErrIncompatibleBinding, "patch draw with zero patch vertices")
		}
		call.PatchVertices = params.PatchVertices
		return nil
	default:
		return errors.Wrapf(ErrInvalidDescriptor, "unknown primitive %s", params.Primitive)
	}
	if tess {
		return errors.Wrapf(ErrIncompatibleBinding, "%s has tessellation stages and must draw patches, not %s", p.describe(), params.Primitive)
	}
	return nil
}

func (v *validation) vertices(p *Program, req *DrawRequest, call *driver.DrawCall) error {
	var (
		perVertex, perInstance = -1, -1
		bound                  = make(map[string]VertexAttribute)
	)
	for i := range req.Vertices {
		src := &req.Vertices[i]
		if err := v.handle(src.buf); err != nil {
			return err
		}
		if !src.buf.bind.Has(BindVertex) {
			return errors.Wrapf(ErrIncompatibleBinding, "vertex source %d: %s not bindable as vertex data", i, src.buf.describe())
		}
		n := int(src.count)
		if src.perInstance {
			if err := v.caps.Require("per-instance vertex source", CapInstancing); err != nil {
				return err
			}
			if perInstance >= 0 && perInstance != n {
				return errors.Wrapf(ErrIncompatibleBinding, "per-instance sources disagree: %d and %d instances", perInstance, n)
			}
			perInstance = n
		} else {
			if perVertex >= 0 && perVertex != n {
				return errors.Wrapf(ErrIncompatibleBinding, "vertex sources disagree: %d and %d vertices", perVertex, n)
			}
			perVertex = n
		}
		for _, a := range src.layout.Attributes {
			if _, dup := bound[a.Name]; dup {
				return errors.Wrapf(ErrIncompatibleBinding, "attribute %q supplied by more than one vertex source", a.Name)
			}
			bound[a.Name] = a
		}
		if err := v.use(src.buf, src.region(), false); err != nil {
			return err
		}
		call.Vertices = append(call.Vertices, driver.VertexBinding{
			Buffer:      src.buf.id,
			Offset:      src.offset,
			Stride:      src.layout.Stride,
			Attributes:  src.layout.Attributes,
			PerInstance: src.perInstance,
		})
	}

	for _, want := range p.attrs {
		got, ok := bound[want.Name]
		if !ok {
			return errors.Wrapf(ErrIncompatibleBinding, "%s needs attribute %q, no vertex source supplies it", p.describe(), want.Name)
		}
		if got.Format != want.Format {
			return errors.Wrapf(ErrFormatMismatch, "attribute %q is %s, %s expects %s", want.Name, got.Format, p.describe(), want.Format)
		}
	}

	call.VertexCount = req.Params.VertexCount
	if perVertex >= 0 {
		call.VertexCount = uint32(perVertex)
	}
	call.Instances = req.Params.Instances
	switch {
	case perInstance >= 0 && call.Instances == 0:
		call.Instances = uint32(perInstance)
	case perInstance >= 0 && call.Instances > uint32(perInstance):
		return errors.Wrapf(ErrOutOfRange, "%d instances drawn from %d per-instance elements", call.Instances, perInstance)
	case call.Instances == 0:
		call.Instances = 1
	}
	if call.Instances > 1 {
		if err := v.caps.Require("instanced draw", CapInstancing); err != nil {
			return err
		}
	}
	return nil
}

func (v *validation) indices(req *DrawRequest, call *driver.DrawCall) error {
	ix := req.Indices
	if ix == nil {
		if req.Params.BaseVertex != 0 {
			return errors.Wrap(ErrIncompatibleBinding, "base vertex set on a draw without indices")
		}
		return nil
	}
	if err := v.handle(ix.buf); err != nil {
		return err
	}
	switch ix.format {
	case IndexUint8:
		if err := v.caps.Require("8-bit indices", CapIndexUint8); err != nil {
			return err
		}
	case IndexUint32:
		if err := v.caps.Require("32-bit indices", CapIndexUint32); err != nil {
			return err
		}
	}
	if req.Params.BaseVertex != 0 {
		if err := v.caps.Require("base vertex", CapDrawBaseVertex); err != nil {
			return err
		}
	}
	if !ix.buf.bind.Has(BindIndex) {
		return errors.Wrapf(ErrIncompatibleBinding, "%s not bindable as index data", ix.buf.describe())
	}
	if err := v.use(ix.buf, ix.region(), false); err != nil {
		return err
	}
	call.Indices = &driver.IndexBinding{
		Buffer: ix.buf.id,
		Format: ix.format,
		Offset: ix.offset,
		Count:  ix.count,
	}
	call.VertexCount = ix.count
	return nil
}

// uniforms checks every slot of p and returns the bound values for the
// program's slots only.
func (v *validation) uniforms(p *Program, bound Uniforms) (Uniforms, error) {
	out := make(Uniforms, len(p.uniforms))
	for _, slot := range p.uniforms {
		val, ok := bound[slot.Name]
		if !ok {
			return nil, errors.Wrapf(ErrIncompatibleBinding, "%s needs uniform %q (%s), none bound", p.describe(), slot.Name, slot.Type)
		}
		if val.raw.Type != slot.Type {
			return nil, errors.Wrapf(ErrFormatMismatch, "uniform %q is %s, bound %s", slot.Name, slot.Type, val.raw.Type)
		}
		switch {
		case slot.Type.IsSampler():
			if err := v.sampler(slot.Name, val); err != nil {
				return nil, err
			}
		case slot.Type == UniformBlock:
			b := val.buf
			if err := v.handle(b); err != nil {
				return nil, err
			}
			if !b.bind.Has(BindUniform) {
				return nil, errors.Wrapf(ErrIncompatibleBinding, "uniform block %q: %s not bindable as uniform data", slot.Name, b.describe())
			}
			r := Region{Offset: val.raw.Offset, Size: val.raw.Size}
			if r.Size == 0 {
				return nil, errors.Wrapf(ErrOutOfRange, "uniform block %q: empty range of %s", slot.Name, b.describe())
			}
			if err := v.use(b, r, false); err != nil {
				return nil, err
			}
		}
		out[slot.Name] = val
	}
	return out, nil
}

func (v *validation) sampler(name string, val UniformValue) error {
	t := val.tex
	if err := v.handle(t); err != nil {
		return err
	}
	if !t.usage.Has(TextureSampled) {
		return errors.Wrapf(ErrIncompatibleBinding, "uniform %q: %s lacks TextureSampled", name, t.describe())
	}
	var ok bool
	switch val.raw.Type {
	case UniformSampler2D:
		ok = !t.format.IsIntegral()
	case UniformIntSampler2D:
		ok = t.format == FormatR32Sint || t.format == FormatRGBA32Sint
	case UniformUintSampler2D:
		ok = t.format == FormatR32Uint || t.format == FormatRGBA32Uint
	}
	if !ok {
		return errors.Wrapf(ErrFormatMismatch, "uniform %q: %s cannot sample %s texture", name, val.raw.Type, t.format)
	}
	return nil
}

func (v *validation) framebuffer(req *DrawRequest, uniforms Uniforms, call *driver.DrawCall) error {
	t := req.Target
	if err := t.validate(v); err != nil {
		return err
	}
	params := &req.Params
	if (params.DepthTest != CompareIgnore || params.DepthWrite) && (t == nil || t.Depth == nil) {
		return errors.Wrapf(ErrNoDepthBuffer, "depth test %d, depth write %t", params.DepthTest, params.DepthWrite)
	}
	if params.DepthTest > CompareAlways {
		return errors.Wrapf(ErrInvalidDescriptor, "unknown depth comparison %d", params.DepthTest)
	}

	w, h := t.size()
	call.Viewport = Rect{Width: w, Height: h}
	if vp := params.Viewport; vp != nil {
		limits := v.caps.Limits()
		if vp.Width > limits.MaxViewportWidth || vp.Height > limits.MaxViewportHeight {
			return errors.Wrapf(ErrViewportTooLarge, "viewport %dx%d, driver allows %dx%d",
				vp.Width, vp.Height, limits.MaxViewportWidth, limits.MaxViewportHeight)
		}
		call.Viewport = *vp
	}

	if t == nil {
		return nil
	}
	attached := mapset.NewThreadUnsafeSet[*Texture](t.attachments()...)
	for name, val := range uniforms {
		if val.tex != nil && attached.Contains(val.tex) {
			return errors.Wrapf(ErrIncompatibleBinding, "uniform %q samples %s, which is also attached to the target", name, val.tex.describe())
		}
	}
	for _, c := range t.Color {
		call.Color = append(call.Color, c.id)
	}
	if t.Depth != nil {
		call.Depth = t.Depth.id
	}
	return nil
}

func (v *validation) feedback(p *Program, fb *VertexSource, call *driver.DrawCall) error {
	if fb == nil {
		return nil
	}
	if err := v.caps.Require("transform feedback", CapTransformFeedback); err != nil {
		return err
	}
	if len(p.varyings) == 0 {
		return errors.Wrapf(ErrIncompatibleBinding, "feedback requested but %s has no varyings", p.describe())
	}
	if err := v.handle(fb.buf); err != nil {
		return err
	}
	if !fb.buf.bind.Has(BindTransformFeedback) {
		return errors.Wrapf(ErrIncompatibleBinding, "%s not bindable as transform feedback", fb.buf.describe())
	}
	attrs := fb.layout.Attributes
	if len(attrs) != len(p.varyings) {
		return errors.Wrapf(ErrFormatMismatch, "feedback layout has %d attributes, %s outputs %d varyings",
			len(attrs), p.describe(), len(p.varyings))
	}
	for i, want := range p.varyings {
		got := attrs[i]
		switch {
		case got.Name != want.Name:
			return errors.Wrapf(ErrFormatMismatch, "feedback attribute %d is %q, varying is %q", i, got.Name, want.Name)
		case got.Format != want.Format:
			return errors.Wrapf(ErrFormatMismatch, "feedback attribute %q is %s, varying is %s", got.Name, got.Format, want.Format)
		case i > 0 && got.Offset <= attrs[i-1].Offset:
			return errors.Wrapf(ErrFormatMismatch, "feedback attribute %q is not after %q", got.Name, attrs[i-1].Name)
		}
	}
	captured := uint64(call.VertexCount) * uint64(call.Instances)
	if captured > uint64(fb.count) {
		return errors.Wrapf(ErrOutOfRange, "feedback of %d vertices into %d elements", captured, fb.count)
	}
	r := Region{Offset: fb.offset, Size: captured * uint64(fb.layout.Stride)}
	if err := v.use(fb.buf, r, true); err != nil {
		return err
	}
	call.Feedback = &driver.FeedbackBinding{Buffer: fb.buf.id, Offset: r.Offset, Size: r.Size}
	return nil
}

// aliasing rejects draws that read and write overlapping buffer ranges.
func (v *validation) aliasing() error {
	for _, w := range v.uses {
		if !w.write {
			continue
		}
		for _, r := range v.uses {
			if r.write || r.buf != w.buf || !r.region.Overlaps(w.region) {
				continue
			}
			return errors.Wrapf(ErrIncompatibleBinding, "%s overlaps %s in the same draw", w, r)
		}
	}
	return nil
}

// Validate validates req for this context; see the package-level Validate.
func (c *Context) Validate(req *DrawRequest) (*ValidatedRequest, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	vr, err := Validate(req, c.caps)
	if err != nil {
		return nil, err
	}
	if vr.ctx != c {
		return nil, errors.Wrapf(ErrWrongContext, "request built from context %s submitted to %s", vr.ctx.id, c.id)
	}
	return vr, nil
}
