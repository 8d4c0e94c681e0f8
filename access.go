// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

// Region is a byte range of a buffer.
type Region struct {
	Offset uint64
	Size   uint64
}

// End returns the first byte past the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// Overlaps reports whether two regions share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// AccessMode is what an AccessGuard grants.
type AccessMode uint8

// Access modes.
const (
	// MapWrite grants a writable CPU view of the region.
	MapWrite AccessMode = iota
	// MapRead grants a readable CPU view of the region.
	MapRead
	// GpuUse pins the region for a GPU submission.
	GpuUse
)

func (m AccessMode) String() string {
	switch m {
	case MapWrite:
		return "MapWrite"
	case MapRead:
		return "MapRead"
	case GpuUse:
		return "GpuUse"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// MappingState is the CPU mapping state of a buffer.
type MappingState uint8

// Mapping states.
const (
	Unmapped MappingState = iota
	MappedForWrite
	MappedForRead
)

func (s MappingState) String() string {
	switch s {
	case Unmapped:
		return "Unmapped"
	case MappedForWrite:
		return "MappedForWrite"
	case MappedForRead:
		return "MappedForRead"
	default:
		return fmt.Sprintf("MappingState(%d)", uint8(s))
	}
}

type fenceRef struct {
	tok    *FenceToken
	region Region
	write  bool
}

type gpuHold struct {
	region Region
	write  bool
}

// accessState is the per-buffer state. Guarded by AccessTracker.mu.
type accessState struct {
	mapping   MappingState
	mapRegion Region
	gpu       []*gpuHold
	fences    []fenceRef
}

// prune drops references to signaled fences.
func (s *accessState) prune() {
	s.fences = slices.DeleteFunc(s.fences, func(r fenceRef) bool { return r.tok.Signaled() })
}

// AccessTracker enforces exclusivity between CPU mappings and GPU use of
// buffers. A buffer has at most one live mapping. Acquiring a mapping
// waits, through the FenceManager, for every fence guarding the mapped
// region; releasing the AccessGuard is the only way back to Unmapped.
//
// AccessTracker is safe for concurrent use.
type AccessTracker struct {
	mu     sync.Mutex
	ctx    *Context
	fences *FenceManager
	log    *slog.Logger
}

func newAccessTracker(c *Context, fences *FenceManager, log *slog.Logger) *AccessTracker {
	return &AccessTracker{ctx: c, fences: fences, log: log}
}

// Acquire grants access to a region of b. A zero size extends the region
// to the end of the buffer.
//
// MapWrite and MapRead block until the fences guarding the region have
// signaled, or until ctx ends, in which case the error matches ErrTimeout
// and the buffer stays Unmapped. They fail with ErrAlreadyMapped when a
// mapping is live, with ErrNotMappable for Static buffers and with
// ErrCapabilityMissing for partial ranges on drivers without
// MapBufferRange.
//
// GpuUse never blocks. It fails with ErrAccessConflict when the region is
// mapped.
func (t *AccessTracker) Acquire(ctx context.Context, b *Buffer, mode AccessMode, r Region) (*AccessGuard, error) {
	if err := t.ctx.owns(b); err != nil {
		return nil, err
	}
	if r.Size == 0 && r.Offset < b.size {
		r.Size = b.size - r.Offset
	}
	if r.Size == 0 || r.End() > b.size || r.End() < r.Offset {
		return nil, errors.Wrapf(ErrOutOfRange, "%s %s of buffer %q (%d bytes)", mode, r, b.label, b.size)
	}
	switch mode {
	case GpuUse:
		return t.acquireGPU(b, r, false)
	case MapWrite, MapRead:
		return t.acquireMap(ctx, b, mode, r)
	default:
		return nil, errors.Newf("gpusafe: unknown access mode %d", mode)
	}
}

// acquireGPU pins a region for a submission.
func (t *AccessTracker) acquireGPU(b *Buffer, r Region, write bool) (*AccessGuard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &b.access
	if b.released.Load() {
		return nil, errors.Wrapf(ErrReleased, "%s", b.describe())
	}
	if st.mapping != Unmapped && (b.usage != PersistentMapped || st.mapRegion.Overlaps(r)) {
		return nil, errors.Wrapf(ErrAccessConflict, "buffer %q is %s over %s", b.label, st.mapping, st.mapRegion)
	}
	hold := &gpuHold{region: r, write: write}
	st.gpu = append(st.gpu, hold)
	return &AccessGuard{t: t, buf: b, mode: GpuUse, region: r, hold: hold}, nil
}

func (t *AccessTracker) acquireMap(ctx context.Context, b *Buffer, mode AccessMode, r Region) (*AccessGuard, error) {
	if !b.usage.Mappable() {
		return nil, errors.Wrapf(ErrNotMappable, "buffer %q has usage %s", b.label, b.usage)
	}
	if r != b.whole() && b.usage != PersistentMapped {
		if err := t.ctx.caps.Require("partial buffer mapping", CapMapBufferRange); err != nil {
			return nil, err
		}
	}

	// Reserve the mapping slot so concurrent acquires fail fast, then
	// wait on fences without holding the lock.
	t.mu.Lock()
	st := &b.access
	if b.released.Load() {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrReleased, "%s", b.describe())
	}
	if st.mapping != Unmapped {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyMapped, "buffer %q is %s", b.label, st.mapping)
	}
	for _, h := range st.gpu {
		if b.usage != PersistentMapped || h.region.Overlaps(r) {
			t.mu.Unlock()
			return nil, errors.Wrapf(ErrAccessConflict, "buffer %q is pinned for GPU use over %s", b.label, h.region)
		}
	}
	st.mapping = MappedForWrite
	if mode == MapRead {
		st.mapping = MappedForRead
	}
	st.mapRegion = r
	// Only a whole-buffer write may orphan: a partial range keeps the
	// bytes outside it, and the fences guarding them.
	orphan := b.usage == Stream && mode == MapWrite && r == b.whole()
	var waits []*FenceToken
	if orphan {
		// The driver hands out fresh storage; fences keep guarding the old one.
		st.fences = nil
	} else {
		st.prune()
		for _, ref := range st.fences {
			if ref.region.Overlaps(r) && (mode == MapWrite || ref.write) {
				waits = append(waits, ref.tok)
			}
		}
	}
	t.mu.Unlock()

	unreserve := func() {
		t.mu.Lock()
		st.mapping = Unmapped
		st.mapRegion = Region{}
		t.mu.Unlock()
	}

	for _, tok := range waits {
		if err := t.fences.Wait(ctx, tok); err != nil {
			unreserve()
			return nil, errors.Wrapf(err, "acquire %s on buffer %q", mode, b.label)
		}
	}
	if len(waits) > 0 {
		t.mu.Lock()
		st.prune()
		t.mu.Unlock()
	}

	data, err := t.mapMemory(b, mode, r, orphan)
	if err != nil {
		unreserve()
		return nil, err
	}
	t.log.Debug("gpusafe: buffer mapped",
		slog.String("buffer", b.label), slog.String("mode", mode.String()),
		slog.String("region", r.String()), slog.Int("waited", len(waits)))
	return &AccessGuard{t: t, buf: b, mode: mode, region: r, data: data}, nil
}

func (t *AccessTracker) mapMemory(b *Buffer, mode AccessMode, r Region, orphan bool) ([]byte, error) {
	drv := t.ctx.drv
	if b.usage == PersistentMapped {
		if mode == MapRead {
			if err := drv.InvalidateMappedRange(b.id, r.Offset, r.Size); err != nil {
				return nil, t.ctx.reject(err, "InvalidateMappedRange")
			}
		}
		return b.persistent[r.Offset:r.End():r.End()], nil
	}
	access := driver.MapWrite
	if mode == MapRead {
		access = driver.MapRead
	}
	data, err := drv.MapBuffer(b.id, driver.MapRequest{
		Offset:     r.Offset,
		Size:       r.Size,
		Access:     access,
		Invalidate: orphan,
	})
	if err != nil {
		return nil, t.ctx.reject(err, "MapBuffer")
	}
	return data, nil
}

// track records tok as guarding the given uses.
func (t *AccessTracker) track(tok *FenceToken, uses []bufferUse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range uses {
		st := &u.buf.access
		st.prune()
		st.fences = append(st.fences, fenceRef{tok: tok, region: u.region, write: u.write})
	}
}

// Guarding returns the fences guarding b that are not known to have signaled.
func (t *AccessTracker) Guarding(b *Buffer) []*FenceToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	var toks []*FenceToken
	for _, ref := range b.access.fences {
		if !ref.tok.Signaled() && !slices.Contains(toks, ref.tok) {
			toks = append(toks, ref.tok)
		}
	}
	return toks
}

// State returns b's mapping state.
func (t *AccessTracker) State(b *Buffer) MappingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return b.access.mapping
}

// AccessGuard is the only handle through which mapped memory is reached.
// Release it on every path, typically with defer; Release is idempotent.
type AccessGuard struct {
	t        *AccessTracker
	buf      *Buffer
	mode     AccessMode
	region   Region
	hold     *gpuHold
	released atomic.Bool

	// viewMu guards data. Release takes it exclusively, so no copy into
	// or out of the view overlaps the unmap.
	viewMu sync.RWMutex
	data   []byte
}

// Mode returns the granted access mode.
func (g *AccessGuard) Mode() AccessMode { return g.mode }

// Region returns the guarded region.
func (g *AccessGuard) Region() Region { return g.region }

// Buffer returns the guarded buffer.
func (g *AccessGuard) Buffer() *Buffer { return g.buf }

// Released reports whether Release was called.
func (g *AccessGuard) Released() bool { return g.released.Load() }

// Release ends the access. For mappings it flushes or unmaps the memory
// and returns the buffer to Unmapped; views obtained from the guard must
// not be used afterwards.
func (g *AccessGuard) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	t, b := g.t, g.buf
	if g.mode == GpuUse {
		t.mu.Lock()
		b.access.gpu = slices.DeleteFunc(b.access.gpu, func(h *gpuHold) bool { return h == g.hold })
		t.mu.Unlock()
		return nil
	}

	g.viewMu.Lock()
	g.data = nil
	g.viewMu.Unlock()

	var err error
	var op string
	switch {
	case b.usage != PersistentMapped:
		op = "UnmapBuffer"
		err = t.ctx.drv.UnmapBuffer(b.id)
	case g.mode == MapWrite:
		op = "FlushMappedRange"
		err = t.ctx.drv.FlushMappedRange(b.id, g.region.Offset, g.region.Size)
	}
	t.mu.Lock()
	b.access.mapping = Unmapped
	b.access.mapRegion = Region{}
	t.mu.Unlock()
	if err != nil {
		return t.ctx.reject(err, op)
	}
	return nil
}

// WriteMapping is a writable view of a buffer region.
type WriteMapping struct {
	*AccessGuard
}

var _ io.WriterAt = WriteMapping{}

// Bytes returns the mapped memory. It is valid until Release, and must not
// be used concurrently with it; WriteAt may.
func (m WriteMapping) Bytes() []byte {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.data
}

// Len returns the size of the mapped region.
func (m WriteMapping) Len() int { return int(m.region.Size) }

// WriteAt copies p into the mapping at off.
func (m WriteMapping) WriteAt(p []byte, off int64) (int, error) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	if m.data == nil {
		return 0, errors.Wrap(ErrReleased, "write to released mapping")
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.Wrapf(ErrOutOfRange, "write [%d,+%d) into %d byte mapping", off, len(p), len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// ReadMapping is a readable view of a buffer region.
type ReadMapping struct {
	*AccessGuard
}

var _ io.ReaderAt = ReadMapping{}

// Len returns the size of the mapped region.
func (m ReadMapping) Len() int { return int(m.region.Size) }

// ReadAt copies mapped bytes at off into p.
func (m ReadMapping) ReadAt(p []byte, off int64) (int, error) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	if m.data == nil {
		return 0, errors.Wrap(ErrReleased, "read from released mapping")
	}
	if off < 0 || off > int64(len(m.data)) {
		return 0, errors.Wrapf(ErrOutOfRange, "read at %d from %d byte mapping", off, len(m.data))
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns a copy of the mapped region, or nil after Release.
func (m ReadMapping) Bytes() []byte {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return slices.Clone(m.data)
}
