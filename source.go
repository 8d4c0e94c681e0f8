// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// VertexLayout describes one element of a vertex buffer.
type VertexLayout struct {
	Stride     uint32
	Attributes []VertexAttribute
}

func (l VertexLayout) validate(what string) error {
	if l.Stride == 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "%s: zero stride", what)
	}
	names := mapset.NewThreadUnsafeSet[string]()
	for _, a := range l.Attributes {
		switch {
		case !a.Format.Valid():
			return errors.Wrapf(ErrInvalidDescriptor, "%s: attribute %q has no format", what, a.Name)
		case a.Offset+a.Format.Size() > l.Stride:
			return errors.Wrapf(ErrInvalidDescriptor, "%s: attribute %q at %d overruns stride %d", what, a.Name, a.Offset, l.Stride)
		case !names.Add(a.Name):
			return errors.Wrapf(ErrInvalidDescriptor, "%s: attribute %q declared twice", what, a.Name)
		}
	}
	return nil
}

// attribute returns the attribute with the given name.
func (l VertexLayout) attribute(name string) (VertexAttribute, bool) {
	for _, a := range l.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return VertexAttribute{}, false
}

// VertexSource is a range of vertices in a buffer, read per vertex or
// per instance.
type VertexSource struct {
	buf         *Buffer
	layout      VertexLayout
	offset      uint64
	count       uint32
	perInstance bool
}

// Vertices interprets the whole buffer as an array of layout elements.
// Trailing bytes that do not fill an element are ignored.
func (b *Buffer) Vertices(layout VertexLayout) (VertexSource, error) {
	what := fmt.Sprintf("vertices of buffer %q", b.label)
	if err := layout.validate(what); err != nil {
		return VertexSource{}, err
	}
	if !b.bind.Has(BindVertex) && !b.bind.Has(BindTransformFeedback) {
		return VertexSource{}, errors.Wrapf(ErrIncompatibleBinding, "%s: buffer not bindable as vertex or feedback data", what)
	}
	return VertexSource{buf: b, layout: layout, count: uint32(b.size / uint64(layout.Stride))}, nil
}

// Slice returns vertices [start, end) of the source.
func (v VertexSource) Slice(start, end uint32) (VertexSource, error) {
	if start > end || end > v.count {
		return VertexSource{}, errors.Wrapf(ErrOutOfRange, "vertex slice [%d,%d) of %d vertices", start, end, v.count)
	}
	v.offset += uint64(start) * uint64(v.layout.Stride)
	v.count = end - start
	return v, nil
}

// PerInstance returns the source advanced once per instance instead of
// once per vertex. Drawing it needs CapInstancing.
func (v VertexSource) PerInstance() VertexSource {
	v.perInstance = true
	return v
}

// Buffer returns the source buffer.
func (v VertexSource) Buffer() *Buffer { return v.buf }

// Layout returns the element layout.
func (v VertexSource) Layout() VertexLayout { return v.layout }

// Len returns the number of elements.
func (v VertexSource) Len() uint32 { return v.count }

// IsPerInstance reports whether the source advances per instance.
func (v VertexSource) IsPerInstance() bool { return v.perInstance }

func (v VertexSource) region() Region {
	return Region{Offset: v.offset, Size: uint64(v.count) * uint64(v.layout.Stride)}
}

// IndexSource is a range of indices in a buffer. A draw without an
// IndexSource uses its vertices in order.
type IndexSource struct {
	buf    *Buffer
	format IndexFormat
	offset uint64
	count  uint32
}

// Indices interprets the whole buffer as indices of the given format.
func (b *Buffer) Indices(f IndexFormat) (IndexSource, error) {
	if f.Size() == 0 {
		return IndexSource{}, errors.Wrapf(ErrInvalidDescriptor, "indices of buffer %q: invalid format %s", b.label, f)
	}
	if !b.bind.Has(BindIndex) {
		return IndexSource{}, errors.Wrapf(ErrIncompatibleBinding, "buffer %q not bindable as index data", b.label)
	}
	return IndexSource{buf: b, format: f, count: uint32(b.size / uint64(f.Size()))}, nil
}

// Slice returns indices [start, end) of the source.
func (s IndexSource) Slice(start, end uint32) (IndexSource, error) {
	if start > end || end > s.count {
		return IndexSource{}, errors.Wrapf(ErrOutOfRange, "index slice [%d,%d) of %d indices", start, end, s.count)
	}
	s.offset += uint64(start) * uint64(s.format.Size())
	s.count = end - start
	return s, nil
}

// Buffer returns the source buffer.
func (s IndexSource) Buffer() *Buffer { return s.buf }

// Format returns the index format.
func (s IndexSource) Format() IndexFormat { return s.format }

// Len returns the number of indices.
func (s IndexSource) Len() uint32 { return s.count }

func (s IndexSource) region() Region {
	return Region{Offset: s.offset, Size: uint64(s.count) * uint64(s.format.Size())}
}
