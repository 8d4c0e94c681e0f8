// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

// UsageClass describes how a buffer's contents are updated.
type UsageClass uint8

const (
	// Static buffers are filled at creation and never mapped. They never
	// accrue fences.
	Static UsageClass = iota
	// Dynamic buffers are mapped occasionally; each mapping synchronizes
	// with GPU writes.
	Dynamic
	// PersistentMapped buffers stay mapped in the driver for their whole
	// lifetime; every GPU use is fenced. Needs CapPersistentMapping.
	PersistentMapped
	// Stream buffers are rewritten every frame; MapWrite orphans the old
	// storage instead of waiting for the GPU.
	Stream
)

func (u UsageClass) String() string {
	switch u {
	case Static:
		return "Static"
	case Dynamic:
		return "Dynamic"
	case PersistentMapped:
		return "PersistentMapped"
	case Stream:
		return "Stream"
	default:
		return fmt.Sprintf("UsageClass(%d)", uint8(u))
	}
}

// Mappable reports whether buffers of this class can be mapped by the CPU.
func (u UsageClass) Mappable() bool {
	return u == Dynamic || u == PersistentMapped || u == Stream
}

// fenced reports whether a GPU access of this kind must be fenced.
func (u UsageClass) fenced(write bool) bool {
	switch u {
	case PersistentMapped:
		return true
	case Dynamic, Stream:
		return write
	default:
		return false
	}
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage UsageClass
	Bind  BindFlags
	// Data is the initial content, at most Size bytes. Static buffers
	// can only be filled this way.
	Data []byte
}

// Buffer is a driver buffer owned by the caller. Release it exactly once.
type Buffer struct {
	ctx        *Context
	id         driver.BufferID
	label      string
	size       uint64
	usage      UsageClass
	bind       BindFlags
	persistent []byte
	access     accessState

	released atomic.Bool
	cleanup  runtime.Cleanup
}

// NewBuffer validates desc and allocates a buffer. Validation happens
// before any driver call and fails with ErrInvalidDescriptor or
// ErrCapabilityMissing. Buffers cannot be resized; create a new one and
// copy.
func (c *Context) NewBuffer(desc BufferDescriptor) (*Buffer, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	if err := c.validateBuffer(&desc); err != nil {
		return nil, err
	}

	storage := driver.StorageMutable
	switch {
	case desc.Usage == PersistentMapped:
		storage = driver.StoragePersistent
	case c.caps.Supports(CapImmutableStorage):
		storage = driver.StorageImmutable
	}
	id, err := c.drv.CreateBuffer(&driver.BufferDesc{
		Label:    desc.Label,
		Size:     desc.Size,
		Binding:  desc.Bind,
		Storage:  storage,
		Mappable: desc.Usage.Mappable(),
		Data:     desc.Data,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gpusafe: create buffer %q", desc.Label)
	}

	b := &Buffer{
		ctx:   c,
		id:    id,
		label: desc.Label,
		size:  desc.Size,
		usage: desc.Usage,
		bind:  desc.Bind,
	}
	if desc.Usage == PersistentMapped {
		mem, err := c.drv.MapBuffer(id, driver.MapRequest{
			Size:       desc.Size,
			Access:     driver.MapRead | driver.MapWrite,
			Persistent: true,
		})
		if err != nil {
			c.drv.DestroyBuffer(id)
			return nil, errors.Wrapf(err, "gpusafe: persistently map buffer %q", desc.Label)
		}
		b.persistent = mem
	}
	c.register(resourceBuffer, uint64(id), desc.Label)
	if c.opts.leakCollection {
		b.cleanup = runtime.AddCleanup(b, c.leaked, leakedResource{kind: resourceBuffer, id: uint64(id), label: desc.Label})
	}
	c.log.Debug("gpusafe: buffer created",
		slog.String("buffer", desc.Label), slog.Uint64("size", desc.Size), slog.String("usage", desc.Usage.String()))
	return b, nil
}

func (c *Context) validateBuffer(desc *BufferDescriptor) error {
	switch {
	case desc.Size == 0:
		return errors.Wrapf(ErrInvalidDescriptor, "buffer %q has zero size", desc.Label)
	case uint64(len(desc.Data)) > desc.Size:
		return errors.Wrapf(ErrInvalidDescriptor, "buffer %q: %d bytes of data for %d byte buffer", desc.Label, len(desc.Data), desc.Size)
	case desc.Usage > Stream:
		return errors.Wrapf(ErrInvalidDescriptor, "buffer %q: unknown usage class %d", desc.Label, desc.Usage)
	case desc.Bind == 0:
		return errors.Wrapf(ErrInvalidDescriptor, "buffer %q has no bind points", desc.Label)
	}
	what := fmt.Sprintf("buffer %q", desc.Label)
	if desc.Usage == PersistentMapped {
		if err := c.caps.Require(what, CapPersistentMapping); err != nil {
			return err
		}
	}
	if desc.Bind.Has(BindTransformFeedback) {
		if err := c.caps.Require(what, CapTransformFeedback); err != nil {
			return err
		}
	}
	if desc.Bind.Has(BindUniform) {
		if err := c.caps.Require(what, CapUniformBlocks); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the driver id.
func (b *Buffer) ID() driver.BufferID { return b.id }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the usage class.
func (b *Buffer) Usage() UsageClass { return b.usage }

// Bind returns the bind points the buffer was created for.
func (b *Buffer) Bind() BindFlags { return b.bind }

// Context returns the owning context.
func (b *Buffer) Context() *Context { return b.ctx }

// Released reports whether Release was called.
func (b *Buffer) Released() bool { return b != nil && b.released.Load() }

// MappingState returns the current mapping state.
func (b *Buffer) MappingState() MappingState { return b.ctx.tracker.State(b) }

// PendingFences returns the number of fences guarding the buffer that are
// not known to have signaled.
func (b *Buffer) PendingFences() int { return len(b.ctx.tracker.Guarding(b)) }

func (b *Buffer) whole() Region { return Region{Size: b.size} }

func (b *Buffer) owner() *Context {
	if b == nil {
		return nil
	}
	return b.ctx
}

func (b *Buffer) describe() string {
	if b == nil {
		return "buffer"
	}
	return fmt.Sprintf("buffer %q", b.label)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%q, %d bytes, %s)", b.label, b.size, b.usage)
}

// Release destroys the buffer. It fails with ErrAlreadyMapped while a
// mapping is live and with ErrReleased on a second call.
func (b *Buffer) Release() error {
	c := b.ctx
	// The mapping check and the release flag share tracker.mu with
	// acquireMap, so a buffer is never destroyed while mapped.
	c.tracker.mu.Lock()
	switch {
	case b.released.Load():
		c.tracker.mu.Unlock()
		return errors.Wrapf(ErrReleased, "buffer %q released twice", b.label)
	case b.access.mapping != Unmapped:
		c.tracker.mu.Unlock()
		return errors.Wrapf(ErrAlreadyMapped, "release buffer %q: mapping still live", b.label)
	}
	b.released.Store(true)
	c.tracker.mu.Unlock()
	b.cleanup.Stop()
	b.persistent = nil
	if !c.unregister(resourceBuffer, uint64(b.id)) {
		return errors.Wrapf(ErrContextClosed, "release buffer %q", b.label)
	}
	c.drv.DestroyBuffer(b.id)
	return nil
}

// MapWrite maps the whole buffer for writing. See AccessTracker.Acquire.
func (c *Context) MapWrite(ctx context.Context, b *Buffer) (WriteMapping, error) {
	return c.MapWriteRange(ctx, b, 0, 0)
}

// MapWriteRange maps size bytes at offset for writing. A zero size maps
// to the end of the buffer.
func (c *Context) MapWriteRange(ctx context.Context, b *Buffer, offset, size uint64) (WriteMapping, error) {
	if err := c.enter(); err != nil {
		return WriteMapping{}, err
	}
	g, err := c.tracker.Acquire(ctx, b, MapWrite, Region{Offset: offset, Size: size})
	if err != nil {
		return WriteMapping{}, err
	}
	return WriteMapping{g}, nil
}

// MapRead maps the whole buffer for reading. See AccessTracker.Acquire.
func (c *Context) MapRead(ctx context.Context, b *Buffer) (ReadMapping, error) {
	return c.MapReadRange(ctx, b, 0, 0)
}

// MapReadRange maps size bytes at offset for reading. A zero size maps
// to the end of the buffer.
func (c *Context) MapReadRange(ctx context.Context, b *Buffer, offset, size uint64) (ReadMapping, error) {
	if err := c.enter(); err != nil {
		return ReadMapping{}, err
	}
	g, err := c.tracker.Acquire(ctx, b, MapRead, Region{Offset: offset, Size: size})
	if err != nil {
		return ReadMapping{}, err
	}
	return ReadMapping{g}, nil
}

// Upload writes data at offset through a temporary mapping.
func (c *Context) Upload(ctx context.Context, b *Buffer, offset uint64, data []byte) error {
	m, err := c.MapWriteRange(ctx, b, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(m.Bytes(), data)
	return m.Release()
}

// Download reads size bytes at offset through a temporary mapping.
func (c *Context) Download(ctx context.Context, b *Buffer, offset, size uint64) ([]byte, error) {
	m, err := c.MapReadRange(ctx, b, offset, size)
	if err != nil {
		return nil, err
	}
	out := m.Bytes()
	return out, m.Release()
}
