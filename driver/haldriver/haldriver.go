// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package haldriver implements driver.Driver on a gogpu/wgpu HAL device.
//
// HAL devices are explicit APIs: no mapped memory shared with the GPU, no
// triangle fans, no 8-bit indices, no transform feedback. The driver
// emulates GL mapping semantics with CPU shadow copies:
//
//   - a write mapping is uploaded with Queue.WriteBuffer on unmap or flush
//   - a read mapping copies the range to a staging buffer, waits for that
//     submission and maps the staging buffer
//
// Fences are submission indices: a fence covers every command submitted
// before it and signals once Queue.PollCompleted reaches its index.
//
// Everything the HAL cannot express is left out of the advertised
// extensions, so gpusafe rejects it during validation.
//
// Shader modules use the entry points "vs_main" and "fs_main" unless
// configured otherwise. Uniforms live in bind group 0: each plain uniform
// has its own 256-byte slot in a per-program uniform buffer bound at the
// uniform's binding, and uniform blocks bind the caller's buffer range.
// Sampler uniforms are not supported.
package haldriver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/gpusafe/driver"
)

// ErrUnsupported is returned for requests the HAL cannot express.
var ErrUnsupported = errors.New("haldriver: unsupported")

const (
	// uniformSlot is the stride of plain uniforms in a program's uniform
	// buffer, the minimum uniform buffer offset alignment.
	uniformSlot = 256

	// rowAlignment is the bytes-per-row alignment of texture copies.
	rowAlignment = 256

	// maxRetired bounds deferred destructions before the driver drains
	// the queue on its own.
	maxRetired = 1024

	// pollInterval is the sleep between PollCompleted checks of a wait.
	pollInterval = 50 * time.Microsecond
)

// Option configures a Driver.
type Option func(*options)

type options struct {
	limits       gputypes.Limits
	vertexEntry  string
	fragEntry    string
	pipelines    int
	timeout      time.Duration
	logger       *slog.Logger
	rendererName string
}

func defaultOptions() options {
	return options{
		limits:       gputypes.DefaultLimits(),
		vertexEntry:  "vs_main",
		fragEntry:    "fs_main",
		pipelines:    64,
		timeout:      5 * time.Second,
		logger:       slog.New(slog.DiscardHandler),
		rendererName: "gogpu/wgpu HAL",
	}
}

// WithLimits sets the device limits reported to gpusafe. Defaults to
// gputypes.DefaultLimits.
func WithLimits(l gputypes.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithEntryPoints sets the vertex and fragment shader entry points.
func WithEntryPoints(vertex, fragment string) Option {
	return func(o *options) {
		o.vertexEntry = vertex
		o.fragEntry = fragment
	}
}

// WithPipelineCacheSize sets how many render pipelines are kept.
func WithPipelineCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pipelines = n
		}
	}
}

// WithTimeout bounds the internal waits of read mappings and copies.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger for pipeline creation and queue drains.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRenderer sets the renderer name reported in Info.
func WithRenderer(name string) Option {
	return func(o *options) { o.rendererName = name }
}

type buffer struct {
	buf     hal.Buffer
	label   string
	size    uint64
	alloc   uint64
	storage driver.StorageMode

	// shadow is the CPU copy backing mapped views.
	shadow     []byte
	mapped     bool
	mapWrite   bool
	mapLo      uint64
	mapHi      uint64
	persistent bool
}

type texture struct {
	tex    hal.Texture
	view   hal.TextureView
	desc   driver.TextureDesc
	format gputypes.TextureFormat
	state  gputypes.TextureUsage
}

type program struct {
	label    string
	module   hal.ShaderModule
	fragment bool
	attrs    map[string]uint32
	uniforms []driver.ProgramUniform
	slots    map[string]uint64
	blocks   map[string]driver.UniformValue
	ubuf     hal.Buffer
	bgl      hal.BindGroupLayout
	layout   hal.PipelineLayout
}

type fence struct {
	// index is the last submission the fence covers.
	index    uint64
	signaled bool
}

type retired struct {
	index uint64
	free  func()
}

// Driver implements driver.Driver on a HAL device and queue.
//
// Thread Safety: ClientWaitFence and FenceSignaled may run concurrently with
// each other and with the owning goroutine; every other method is called
// from the goroutine that owns the gpusafe context.
type Driver struct {
	device hal.Device
	queue  hal.Queue
	opts   options
	log    *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	buffers  map[driver.BufferID]*buffer
	textures map[driver.TextureID]*texture
	programs map[driver.ProgramID]*program
	fences   map[driver.FenceID]*fence

	// submitted is the index of the last queue submission. Retired
	// objects are freed once PollCompleted passes the submission they
	// were last used in.
	submitted uint64
	retired   []retired
	pipeline *lru.Cache[string, hal.RenderPipeline]
}

var _ driver.Driver = (*Driver)(nil)

// New wraps a HAL device and queue.
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Driver, error) {
	if device == nil || queue == nil {
		return nil, errors.New("haldriver: nil device or queue")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Driver{
		device:   device,
		queue:    queue,
		opts:     o,
		log:      o.logger,
		buffers:  make(map[driver.BufferID]*buffer),
		textures: make(map[driver.TextureID]*texture),
		programs: make(map[driver.ProgramID]*program),
		fences:   make(map[driver.FenceID]*fence),
	}
	// The eviction callback runs inside cache calls, all made with d.mu held.
	cache, err := lru.NewWithEvict(o.pipelines, func(key string, p hal.RenderPipeline) {
		d.retireLocked(func() { d.device.DestroyRenderPipeline(p) })
	})
	if err != nil {
		return nil, errors.Wrap(err, "haldriver: pipeline cache")
	}
	d.pipeline = cache
	return d, nil
}

// FromProvider wraps the HAL device of a gpucontext.DeviceProvider. The
// provider must expose HalDevice() and HalQueue().
func FromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Driver, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.New("haldriver: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, errors.New("haldriver: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, errors.New("haldriver: provider HalQueue is not hal.Queue")
	}
	return New(device, queue, opts...)
}

// Info reports the HAL device as an OpenGL ES 2.0 implementation with the
// extensions the HAL can honour.
func (d *Driver) Info() (driver.Info, error) {
	l := d.opts.limits
	return driver.Info{
		Version:  "OpenGL ES 2.0 " + d.opts.rendererName,
		Renderer: d.opts.rendererName,
		Extensions: []string{
			"GL_EXT_buffer_storage",
			"GL_APPLE_sync",
			"GL_EXT_map_buffer_range",
			"GL_OES_element_index_uint",
			"GL_ANGLE_instanced_arrays",
			"GL_OES_texture_float",
			"GL_OES_depth_texture",
			"GL_EXT_draw_elements_base_vertex",
			"GL_GOGPU_portability_subset",
		},
		Limits: driver.Limits{
			MaxTextureSize:      l.MaxTextureDimension2D,
			MaxViewportWidth:    l.MaxTextureDimension2D,
			MaxViewportHeight:   l.MaxTextureDimension2D,
			MaxVertexAttribs:    l.MaxVertexAttributes,
			MaxColorAttachments: l.MaxColorAttachments,
		},
	}, nil
}

func (d *Driver) newID() uint64 {
	d.nextID++
	return d.nextID
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

func alignUp(n, a uint64) uint64 { return (n + a - 1) / a * a }

// CreateBuffer allocates a HAL buffer. Every buffer is a copy source and
// destination so mappings can be emulated.
func (d *Driver) CreateBuffer(desc *driver.BufferDesc) (driver.BufferID, error) {
	if desc.Size == 0 || uint64(len(desc.Data)) > desc.Size {
		return driver.InvalidID, errors.Newf("haldriver: bad buffer size %d", desc.Size)
	}
	if desc.Binding&driver.BindTransformFeedback != 0 {
		return driver.InvalidID, errors.Wrap(ErrUnsupported, "transform feedback buffer")
	}
	alloc := align4(desc.Size)
	hb, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  alloc,
		Usage: bufferUsage(desc.Binding),
	})
	if err != nil {
		return driver.InvalidID, errors.Wrapf(err, "haldriver: create buffer %q", desc.Label)
	}
	b := &buffer{buf: hb, label: desc.Label, size: desc.Size, alloc: alloc, storage: desc.Storage}
	if desc.Storage == driver.StoragePersistent || len(desc.Data) > 0 {
		b.shadow = make([]byte, alloc)
		copy(b.shadow, desc.Data)
	}
	if len(desc.Data) > 0 {
		if err := d.queue.WriteBuffer(hb, 0, b.shadow[:align4(uint64(len(desc.Data)))]); err != nil {
			d.device.DestroyBuffer(hb)
			return driver.InvalidID, errors.Wrapf(err, "haldriver: initial data of %q", desc.Label)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := driver.BufferID(d.newID())
	d.buffers[id] = b
	return id, nil
}

func bufferUsage(b driver.BufferBinding) gputypes.BufferUsage {
	u := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if b.Has(driver.BindVertex) {
		u |= gputypes.BufferUsageVertex
	}
	if b.Has(driver.BindIndex) {
		u |= gputypes.BufferUsageIndex
	}
	if b.Has(driver.BindUniform) {
		u |= gputypes.BufferUsageUniform
	}
	return u
}

// DestroyBuffer frees the buffer once queued work no longer uses it.
func (d *Driver) DestroyBuffer(id driver.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.retireLocked(func() { d.device.DestroyBuffer(b.buf) })
}

func (d *Driver) lookupBuffer(id driver.BufferID) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, errors.Newf("haldriver: unknown buffer %d", id)
	}
	return b, nil
}

// MapBuffer returns a view into the buffer's CPU shadow. Read mappings and
// partial write mappings fetch the range from the GPU first.
func (d *Driver) MapBuffer(id driver.BufferID, req driver.MapRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return nil, err
	}
	if req.Persistent {
		if b.storage != driver.StoragePersistent {
			return nil, errors.Newf("haldriver: persistent map of non-persistent buffer %q", b.label)
		}
		if !b.persistent {
			if err := d.readbackLocked(b, 0, b.alloc, b.shadow); err != nil {
				return nil, err
			}
			b.persistent = true
		}
		return b.shadow[:b.size:b.size], nil
	}
	if b.mapped {
		return nil, errors.Newf("haldriver: buffer %q already mapped", b.label)
	}
	end := req.Offset + req.Size
	if req.Size == 0 || end > b.size {
		return nil, errors.Newf("haldriver: map [%d,%d) of buffer %q with %d bytes", req.Offset, end, b.label, b.size)
	}
	if b.shadow == nil {
		b.shadow = make([]byte, b.alloc)
	}
	lo, hi := req.Offset&^3, align4(end)
	partial := lo != req.Offset || hi != end
	if req.Access&driver.MapRead != 0 || !req.Invalidate || partial {
		if err := d.readbackLocked(b, lo, hi-lo, b.shadow[lo:hi]); err != nil {
			return nil, err
		}
	}
	b.mapped = true
	b.mapWrite = req.Access&driver.MapWrite != 0
	b.mapLo, b.mapHi = lo, hi
	return b.shadow[req.Offset:end:end], nil
}

// UnmapBuffer uploads a write mapping.
func (d *Driver) UnmapBuffer(id driver.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if !b.mapped {
		return errors.Newf("haldriver: buffer %q not mapped", b.label)
	}
	b.mapped = false
	if b.mapWrite {
		if err := d.queue.WriteBuffer(b.buf, b.mapLo, b.shadow[b.mapLo:b.mapHi]); err != nil {
			return errors.Wrapf(err, "haldriver: upload mapping of %q", b.label)
		}
	}
	return nil
}

// FlushMappedRange uploads a range of a persistent mapping. The range is
// widened to 4-byte boundaries.
func (d *Driver) FlushMappedRange(id driver.BufferID, offset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if !b.persistent {
		return errors.Newf("haldriver: flush of buffer %q without persistent mapping", b.label)
	}
	if offset+size > b.size {
		return errors.Newf("haldriver: flush [%d,%d) of buffer %q with %d bytes", offset, offset+size, b.label, b.size)
	}
	lo, hi := offset&^3, align4(offset+size)
	if err := d.queue.WriteBuffer(b.buf, lo, b.shadow[lo:hi]); err != nil {
		return errors.Wrapf(err, "haldriver: flush of %q", b.label)
	}
	return nil
}

// InvalidateMappedRange refreshes a range of a persistent mapping from the
// GPU. It waits for queued work.
func (d *Driver) InvalidateMappedRange(id driver.BufferID, offset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if !b.persistent {
		return errors.Newf("haldriver: invalidate of buffer %q without persistent mapping", b.label)
	}
	if offset+size > b.size {
		return errors.Newf("haldriver: invalidate [%d,%d) of buffer %q with %d bytes", offset, offset+size, b.label, b.size)
	}
	lo, hi := offset&^3, align4(offset+size)
	return d.readbackLocked(b, lo, hi-lo, b.shadow[lo:hi])
}

// readbackLocked copies [off, off+size) of b into dst through a staging
// buffer. off and size are multiples of 4.
func (d *Driver) readbackLocked(b *buffer, off, size uint64, dst []byte) error {
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpusafe_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrap(err, "haldriver: create readback buffer")
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.encoder("gpusafe_readback")
	if err != nil {
		return err
	}
	enc.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{{SrcOffset: off, DstOffset: 0, Size: size}})
	if err := d.submitAndWaitLocked(enc); err != nil {
		return err
	}
	if err := d.readStagingLocked(staging, dst); err != nil {
		return errors.Wrapf(err, "haldriver: read back buffer %q", b.label)
	}
	return nil
}

// readStagingLocked copies the start of a MapRead staging buffer into dst.
// The copy into staging must have completed.
func (d *Driver) readStagingLocked(staging hal.Buffer, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	m, err := d.device.MapBuffer(staging, 0, uint64(len(dst)))
	if err != nil {
		return errors.Wrap(err, "map staging buffer")
	}
	copy(dst, unsafe.Slice((*byte)(m.Ptr), len(dst)))
	if err := d.device.UnmapBuffer(staging); err != nil {
		return errors.Wrap(err, "unmap staging buffer")
	}
	return nil
}

// CopyBuffer records a buffer-to-buffer copy. Copies not aligned to 4
// bytes go through the CPU and wait for queued work.
func (d *Driver) CopyBuffer(c *driver.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, err := d.lookupBuffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := d.lookupBuffer(c.Dst)
	if err != nil {
		return err
	}
	if c.SrcOffset+c.Size > src.size || c.DstOffset+c.Size > dst.size {
		return errors.Newf("haldriver: copy of %d bytes out of range", c.Size)
	}
	if c.SrcOffset%4 == 0 && c.DstOffset%4 == 0 && c.Size%4 == 0 {
		enc, err := d.encoder("gpusafe_copy")
		if err != nil {
			return err
		}
		enc.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size}})
		return d.submitLocked(enc)
	}

	slo, shi := c.SrcOffset&^3, align4(c.SrcOffset+c.Size)
	raw := make([]byte, shi-slo)
	if err := d.readbackLocked(src, slo, shi-slo, raw); err != nil {
		return err
	}
	skip := c.SrcOffset - slo
	return d.writeRangeLocked(dst, c.DstOffset, raw[skip:skip+c.Size])
}

// writeRangeLocked uploads data at off, preserving the neighbouring bytes
// of the 4-byte aligned range. Mapped views are left untouched.
func (d *Driver) writeRangeLocked(b *buffer, off uint64, data []byte) error {
	end := off + uint64(len(data))
	lo, hi := off&^3, align4(end)
	out := make([]byte, hi-lo)
	if lo != off || hi != end {
		if err := d.readbackLocked(b, lo, hi-lo, out); err != nil {
			return err
		}
	}
	copy(out[off-lo:], data)
	if err := d.queue.WriteBuffer(b.buf, lo, out); err != nil {
		return errors.Wrapf(err, "haldriver: write to %q", b.label)
	}
	return nil
}

// CreateTexture allocates a 2D texture. Render targets get a view of
// level 0.
func (d *Driver) CreateTexture(desc *driver.TextureDesc) (driver.TextureID, error) {
	format, ok := textureFormat(desc.Format)
	if !ok {
		return driver.InvalidID, errors.Wrapf(ErrUnsupported, "texture format %s", desc.Format)
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: desc.MipLevels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         textureUsage(desc.Usage),
	})
	if err != nil {
		return driver.InvalidID, errors.Wrapf(err, "haldriver: create texture %q", desc.Label)
	}
	t := &texture{tex: tex, desc: *desc, format: format, state: gputypes.TextureUsageCopyDst}
	if desc.Usage.Has(driver.TextureRenderTarget) {
		view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:         desc.Label + "_view",
			Format:        format,
			Dimension:     gputypes.TextureViewDimension2D,
			Aspect:        gputypes.TextureAspectAll,
			MipLevelCount: 1,
		})
		if err != nil {
			d.device.DestroyTexture(tex)
			return driver.InvalidID, errors.Wrapf(err, "haldriver: create view of %q", desc.Label)
		}
		t.view = view
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := driver.TextureID(d.newID())
	d.textures[id] = t
	return id, nil
}

func textureUsage(u driver.TextureUsage) gputypes.TextureUsage {
	var out gputypes.TextureUsage
	if u.Has(driver.TextureSampled) {
		out |= gputypes.TextureUsageTextureBinding
	}
	if u.Has(driver.TextureRenderTarget) {
		out |= gputypes.TextureUsageRenderAttachment
	}
	if u.Has(driver.TextureCopySrc) {
		out |= gputypes.TextureUsageCopySrc
	}
	if u.Has(driver.TextureCopyDst) {
		out |= gputypes.TextureUsageCopyDst
	}
	return out
}

// DestroyTexture frees the texture once queued work no longer uses it.
func (d *Driver) DestroyTexture(id driver.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		return
	}
	delete(d.textures, id)
	d.retireLocked(func() {
		if t.view != nil {
			d.device.DestroyTextureView(t.view)
		}
		d.device.DestroyTexture(t.tex)
	})
}

func levelSize(desc driver.TextureDesc, level uint32) (w, h uint32) {
	return max(desc.Width>>level, 1), max(desc.Height>>level, 1)
}

// WriteTexture uploads one tightly packed mip level.
func (d *Driver) WriteTexture(id driver.TextureID, level uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		return errors.Newf("haldriver: unknown texture %d", id)
	}
	if level >= t.desc.MipLevels {
		return errors.Newf("haldriver: level %d of texture %q", level, t.desc.Label)
	}
	w, h := levelSize(t.desc, level)
	bpr := w * t.desc.Format.BytesPerPixel()
	if uint64(len(data)) != uint64(bpr)*uint64(h) {
		return errors.Newf("haldriver: %d bytes for %dx%d level of %q", len(data), w, h, t.desc.Label)
	}
	err := d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.tex, MipLevel: level},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: bpr, RowsPerImage: h},
		&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return errors.Wrapf(err, "haldriver: write level %d of %q", level, t.desc.Label)
	}
	return nil
}

func (d *Driver) transitionLocked(enc hal.CommandEncoder, t *texture, to gputypes.TextureUsage) {
	if t.state == to {
		return
	}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: t.tex,
		Usage:   hal.TextureUsageTransition{OldUsage: t.state, NewUsage: to},
	}})
	t.state = to
}

// CopyTextureToBuffer copies a level through a staging buffer with
// 256-byte aligned rows, then repacks the rows into the destination.
func (d *Driver) CopyTextureToBuffer(c *driver.TextureCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[c.Src]
	if !ok {
		return errors.Newf("haldriver: unknown texture %d", c.Src)
	}
	dst, err := d.lookupBuffer(c.Dst)
	if err != nil {
		return err
	}
	if c.Level >= t.desc.MipLevels {
		return errors.Newf("haldriver: level %d of texture %q", c.Level, t.desc.Label)
	}
	w, h := levelSize(t.desc, c.Level)
	row := uint64(w) * uint64(t.desc.Format.BytesPerPixel())
	padded := alignUp(row, rowAlignment)
	if c.DstOffset+row*uint64(h) > dst.size {
		return errors.Newf("haldriver: level of %d bytes at %d overruns buffer %q", row*uint64(h), c.DstOffset, dst.label)
	}

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpusafe_texture_staging",
		Size:  padded * uint64(h),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrap(err, "haldriver: create staging buffer")
	}
	enc, err := d.encoder("gpusafe_texture_copy")
	if err != nil {
		d.device.DestroyBuffer(staging)
		return err
	}
	d.transitionLocked(enc, t, gputypes.TextureUsageCopySrc)
	enc.CopyTextureToBuffer(t.tex, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: uint32(padded), RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: t.tex, MipLevel: c.Level},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})

	if row%4 == 0 && c.DstOffset%4 == 0 {
		regions := make([]hal.BufferCopy, h)
		for y := range regions {
			regions[y] = hal.BufferCopy{
				SrcOffset: uint64(y) * padded,
				DstOffset: c.DstOffset + uint64(y)*row,
				Size:      row,
			}
		}
		enc.CopyBufferToBuffer(staging, dst.buf, regions)
		err := d.submitLocked(enc)
		d.retireLocked(func() { d.device.DestroyBuffer(staging) })
		return err
	}

	defer d.device.DestroyBuffer(staging)
	if err := d.submitAndWaitLocked(enc); err != nil {
		return err
	}
	raw := make([]byte, padded*uint64(h))
	if err := d.readStagingLocked(staging, raw); err != nil {
		return errors.Wrapf(err, "haldriver: read back texture %q", t.desc.Label)
	}
	tight := make([]byte, 0, row*uint64(h))
	for y := uint64(0); y < uint64(h); y++ {
		tight = append(tight, raw[y*padded:y*padded+row]...)
	}
	return d.writeRangeLocked(dst, c.DstOffset, tight)
}

// CreateProgram creates the shader module and the uniform bind group
// layout of a program.
func (d *Driver) CreateProgram(desc *driver.ProgramDesc) (driver.ProgramID, error) {
	switch {
	case len(desc.Varyings) > 0:
		return driver.InvalidID, errors.Wrap(ErrUnsupported, "transform feedback varyings")
	case desc.Stages&^(driver.StageVertex|driver.StageFragment) != 0:
		return driver.InvalidID, errors.Wrap(ErrUnsupported, "tessellation or geometry stages")
	}
	for _, u := range desc.Uniforms {
		if u.Type.IsSampler() {
			return driver.InvalidID, errors.Wrapf(ErrUnsupported, "sampler uniform %q", u.Name)
		}
	}
	source := hal.ShaderSource{WGSL: desc.Source.WGSL}
	if len(desc.Source.SPIRV) > 0 {
		source = hal.ShaderSource{SPIRV: desc.Source.SPIRV}
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: desc.Label, Source: source})
	if err != nil {
		return driver.InvalidID, errors.Wrapf(err, "haldriver: compile program %q", desc.Label)
	}
	p := &program{
		label:    desc.Label,
		module:   module,
		fragment: desc.Stages.Has(driver.StageFragment),
		attrs:    make(map[string]uint32, len(desc.Attributes)),
		uniforms: desc.Uniforms,
		slots:    make(map[string]uint64),
		blocks:   make(map[string]driver.UniformValue),
	}
	for _, a := range desc.Attributes {
		p.attrs[a.Name] = a.Location
	}
	if err := d.programLayout(p); err != nil {
		d.destroyProgram(p)
		return driver.InvalidID, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := driver.ProgramID(d.newID())
	d.programs[id] = p
	return id, nil
}

func (d *Driver) programLayout(p *program) error {
	var bgls []hal.BindGroupLayout
	if len(p.uniforms) > 0 {
		entries := make([]gputypes.BindGroupLayoutEntry, 0, len(p.uniforms))
		var plain uint64
		for _, u := range p.uniforms {
			entries = append(entries, gputypes.BindGroupLayoutEntry{
				Binding:    u.Binding,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			})
			if u.Type != driver.UniformBlock {
				p.slots[u.Name] = plain * uniformSlot
				plain++
			}
		}
		if plain > 0 {
			ubuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
				Label: p.label + "_uniforms",
				Size:  plain * uniformSlot,
				Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
			})
			if err != nil {
				return errors.Wrapf(err, "haldriver: uniform buffer of %q", p.label)
			}
			p.ubuf = ubuf
		}
		bgl, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   p.label + "_bgl",
			Entries: entries,
		})
		if err != nil {
			return errors.Wrapf(err, "haldriver: bind group layout of %q", p.label)
		}
		p.bgl = bgl
		bgls = append(bgls, bgl)
	}
	layout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.label + "_layout",
		BindGroupLayouts: bgls,
	})
	if err != nil {
		return errors.Wrapf(err, "haldriver: pipeline layout of %q", p.label)
	}
	p.layout = layout
	return nil
}

func (d *Driver) destroyProgram(p *program) {
	if p.layout != nil {
		d.device.DestroyPipelineLayout(p.layout)
	}
	if p.bgl != nil {
		d.device.DestroyBindGroupLayout(p.bgl)
	}
	if p.ubuf != nil {
		d.device.DestroyBuffer(p.ubuf)
	}
	d.device.DestroyShaderModule(p.module)
}

// DestroyProgram drops the program and its cached pipelines.
func (d *Driver) DestroyProgram(id driver.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[id]
	if !ok {
		return
	}
	delete(d.programs, id)
	prefix := fmt.Sprintf("p%d|", id)
	for _, key := range d.pipeline.Keys() {
		if strings.HasPrefix(key, prefix) {
			d.pipeline.Remove(key)
		}
	}
	d.retireLocked(func() { d.destroyProgram(p) })
}

// setUniformLocked stores one uniform value in the program.
func (d *Driver) setUniformLocked(p *program, u driver.UniformBinding) error {
	if u.Value.Type == driver.UniformBlock {
		p.blocks[u.Name] = u.Value
		return nil
	}
	off, ok := p.slots[u.Name]
	if !ok {
		return errors.Newf("haldriver: program %q has no uniform %q", p.label, u.Name)
	}
	if err := d.queue.WriteBuffer(p.ubuf, off, encodeUniform(u.Value)); err != nil {
		return errors.Wrapf(err, "haldriver: uniform %q of %q", u.Name, p.label)
	}
	return nil
}

// encodeUniform lays out a value for a WGSL uniform: little endian, with
// mat3 columns padded to vec4.
func encodeUniform(v driver.UniformValue) []byte {
	switch v.Type {
	case driver.UniformInt:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.Int))
	case driver.UniformUint:
		return binary.LittleEndian.AppendUint32(nil, v.Uint)
	case driver.UniformMat3:
		out := make([]byte, 0, 48)
		for col := 0; col < 3; col++ {
			for row := 0; row < 4; row++ {
				var f float32
				if row < 3 {
					f = v.Floats[col*3+row]
				}
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
			}
		}
		return out
	}
	n := v.Type.Components()
	out := make([]byte, 0, 4*n)
	for _, f := range v.Floats[:n] {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// pipelineKey identifies a render pipeline by program, vertex layouts and
// attachment state.
func pipelineKey(call *driver.DrawCall, color []gputypes.TextureFormat, depth gputypes.TextureFormat) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "p%d|%d|", call.Program, call.Primitive)
	for _, v := range call.Vertices {
		fmt.Fprintf(&sb, "v%d:%t", v.Stride, v.PerInstance)
		for _, a := range v.Attributes {
			fmt.Fprintf(&sb, ",%s@%d:%d", a.Name, a.Offset, a.Format)
		}
		sb.WriteByte(';')
	}
	for _, f := range color {
		fmt.Fprintf(&sb, "c%d", f)
	}
	fmt.Fprintf(&sb, "|d%d:%d:%t", depth, call.DepthTest, call.DepthWrite)
	return sb.String()
}

func (d *Driver) pipelineLocked(p *program, call *driver.DrawCall, color []gputypes.TextureFormat, depth gputypes.TextureFormat) (hal.RenderPipeline, error) {
	key := pipelineKey(call, color, depth)
	if rp, ok := d.pipeline.Get(key); ok {
		return rp, nil
	}
	topology, ok := primitiveTopology(call.Primitive)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "primitive %s", call.Primitive)
	}
	layouts := make([]gputypes.VertexBufferLayout, 0, len(call.Vertices))
	for _, v := range call.Vertices {
		step := gputypes.VertexStepModeVertex
		if v.PerInstance {
			step = gputypes.VertexStepModeInstance
		}
		var attrs []gputypes.VertexAttribute
		for _, a := range v.Attributes {
			loc, ok := p.attrs[a.Name]
			if !ok {
				continue
			}
			attrs = append(attrs, gputypes.VertexAttribute{
				Format:         vertexFormat(a.Format),
				Offset:         uint64(a.Offset),
				ShaderLocation: loc,
			})
		}
		layouts = append(layouts, gputypes.VertexBufferLayout{
			ArrayStride: uint64(v.Stride),
			StepMode:    step,
			Attributes:  attrs,
		})
	}
	desc := &hal.RenderPipelineDescriptor{
		Label:  p.label + "_pipeline",
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     p.module,
			EntryPoint: d.opts.vertexEntry,
			Buffers:    layouts,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: topology,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	}
	if p.fragment {
		targets := make([]gputypes.ColorTargetState, len(color))
		for i, f := range color {
			targets[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
		}
		desc.Fragment = &hal.FragmentState{
			Module:     p.module,
			EntryPoint: d.opts.fragEntry,
			Targets:    targets,
		}
	}
	if depth != gputypes.TextureFormatUndefined {
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            depth,
			DepthWriteEnabled: call.DepthWrite,
			DepthCompare:      compareFunction(call.DepthTest),
			StencilReadMask:   0xFF,
			StencilWriteMask:  0xFF,
		}
	}
	rp, err := d.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "haldriver: create pipeline for %q", p.label)
	}
	d.pipeline.Add(key, rp)
	d.log.Debug("haldriver: pipeline created",
		slog.String("program", p.label),
		slog.Int("cached", d.pipeline.Len()))
	return rp, nil
}

func (d *Driver) bindGroupLocked(p *program) (hal.BindGroup, error) {
	if p.bgl == nil {
		return nil, nil
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(p.uniforms))
	for _, u := range p.uniforms {
		if u.Type != driver.UniformBlock {
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  u.Binding,
				Resource: gputypes.BufferBinding{Buffer: p.ubuf.NativeHandle(), Offset: p.slots[u.Name], Size: uniformSlot},
			})
			continue
		}
		v, ok := p.blocks[u.Name]
		if !ok {
			return nil, errors.Newf("haldriver: uniform block %q of %q never set", u.Name, p.label)
		}
		b, err := d.lookupBuffer(v.Buffer)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  u.Binding,
			Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: v.Offset, Size: v.Size},
		})
	}
	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "_uniforms",
		Layout:  p.bgl,
		Entries: entries,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "haldriver: bind group of %q", p.label)
	}
	return bg, nil
}

// Draw records one render pass with a single draw. Attachments are loaded
// and stored, so consecutive draws accumulate like GL draws do.
func (d *Driver) Draw(call *driver.DrawCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[call.Program]
	if !ok {
		return errors.Newf("haldriver: unknown program %d", call.Program)
	}
	if call.Feedback != nil {
		return errors.Wrap(ErrUnsupported, "transform feedback")
	}
	if len(call.Color) == 0 && call.Depth == driver.InvalidID {
		return errors.Wrap(ErrUnsupported, "draw without attachments")
	}
	for _, u := range call.Uniforms {
		if err := d.setUniformLocked(p, u); err != nil {
			return err
		}
	}

	var colors []*texture
	var formats []gputypes.TextureFormat
	for _, id := range call.Color {
		t, ok := d.textures[id]
		if !ok {
			return errors.Newf("haldriver: unknown texture %d", id)
		}
		colors = append(colors, t)
		formats = append(formats, t.format)
	}
	var depth *texture
	depthFormat := gputypes.TextureFormatUndefined
	if call.Depth != driver.InvalidID {
		t, ok := d.textures[call.Depth]
		if !ok {
			return errors.Newf("haldriver: unknown texture %d", call.Depth)
		}
		depth, depthFormat = t, t.format
	}

	pipeline, err := d.pipelineLocked(p, call, formats, depthFormat)
	if err != nil {
		return err
	}
	vbufs := make([]*buffer, len(call.Vertices))
	for i, v := range call.Vertices {
		if vbufs[i], err = d.lookupBuffer(v.Buffer); err != nil {
			return err
		}
	}
	var ibuf *buffer
	if call.Indices != nil {
		if ibuf, err = d.lookupBuffer(call.Indices.Buffer); err != nil {
			return err
		}
	}
	bg, err := d.bindGroupLocked(p)
	if err != nil {
		return err
	}

	enc, err := d.encoder("gpusafe_draw")
	if err != nil {
		return err
	}
	attachments := make([]hal.RenderPassColorAttachment, len(colors))
	for i, t := range colors {
		d.transitionLocked(enc, t, gputypes.TextureUsageRenderAttachment)
		attachments[i] = hal.RenderPassColorAttachment{
			View:    t.view,
			LoadOp:  gputypes.LoadOpLoad,
			StoreOp: gputypes.StoreOpStore,
		}
	}
	rpDesc := &hal.RenderPassDescriptor{Label: p.label, ColorAttachments: attachments}
	if depth != nil {
		d.transitionLocked(enc, depth, gputypes.TextureUsageRenderAttachment)
		ds := &hal.RenderPassDepthStencilAttachment{
			View:         depth.view,
			DepthLoadOp:  gputypes.LoadOpLoad,
			DepthStoreOp: gputypes.StoreOpStore,
		}
		if depth.desc.Format == driver.FormatDepth24PlusStencil8 {
			ds.StencilLoadOp = gputypes.LoadOpLoad
			ds.StencilStoreOp = gputypes.StoreOpStore
		}
		rpDesc.DepthStencilAttachment = ds
	}

	rp := enc.BeginRenderPass(rpDesc)
	rp.SetPipeline(pipeline)
	if bg != nil {
		rp.SetBindGroup(0, bg, nil)
	}
	for i, v := range call.Vertices {
		rp.SetVertexBuffer(uint32(i), vbufs[i].buf, v.Offset)
	}
	vp := call.Viewport
	rp.SetViewport(float32(vp.X), float32(vp.Y), float32(vp.Width), float32(vp.Height), 0, 1)
	if ix := call.Indices; ix != nil {
		rp.SetIndexBuffer(ibuf.buf, indexFormat(ix.Format), ix.Offset)
		rp.DrawIndexed(call.VertexCount, call.Instances, 0, call.BaseVertex, 0)
	} else {
		rp.Draw(call.VertexCount, call.Instances, call.FirstVertex, 0)
	}
	rp.End()

	err = d.submitLocked(enc)
	if bg != nil {
		d.retireLocked(func() { d.device.DestroyBindGroup(bg) })
	}
	return err
}

// InsertFence records the last submission. Queue writes made since then
// are ordered before the next submission, so they are covered by the
// fence that follows it.
func (d *Driver) InsertFence() (driver.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := driver.FenceID(d.newID())
	d.fences[id] = &fence{index: d.submitted}
	return id, nil
}

// pollLocked reports whether f has signaled and frees what completed.
func (d *Driver) pollLocked(f *fence) bool {
	if f.signaled {
		return true
	}
	completed := d.queue.PollCompleted()
	d.collectLocked(completed)
	f.signaled = completed >= f.index
	return f.signaled
}

// ClientWaitFence polls the queue until the fence signals or timeout
// passes. The driver lock is not held while sleeping.
func (d *Driver) ClientWaitFence(id driver.FenceID, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		f, ok := d.fences[id]
		if !ok {
			d.mu.Unlock()
			return false, errors.Newf("haldriver: unknown fence %d", id)
		}
		done := d.pollLocked(f)
		d.mu.Unlock()
		if done {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(min(pollInterval, time.Until(deadline)))
	}
}

// FenceSignaled polls the fence without waiting.
func (d *Driver) FenceSignaled(id driver.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return false, errors.Newf("haldriver: unknown fence %d", id)
	}
	return d.pollLocked(f), nil
}

// DeleteFence forgets the fence. Fences own no HAL object.
func (d *Driver) DeleteFence(id driver.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, id)
}

func (d *Driver) encoder(label string) (hal.CommandEncoder, error) {
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, errors.Wrap(err, "haldriver: create command encoder")
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, errors.Wrap(err, "haldriver: begin encoding")
	}
	return enc, nil
}

// submitLocked ends and submits enc without waiting. The command buffer is
// freed once its submission completes.
func (d *Driver) submitLocked(enc hal.CommandEncoder) error {
	_, err := d.submitEncoderLocked(enc)
	if err != nil {
		return err
	}
	if len(d.retired) > maxRetired {
		return d.drainLocked()
	}
	return nil
}

func (d *Driver) submitEncoderLocked(enc hal.CommandEncoder) (uint64, error) {
	cmd, err := enc.EndEncoding()
	if err != nil {
		return 0, errors.Wrap(err, "haldriver: end encoding")
	}
	index, err := d.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		d.device.FreeCommandBuffer(cmd)
		return 0, errors.Wrap(err, "haldriver: submit")
	}
	d.submitted = index
	d.retireLocked(func() { d.device.FreeCommandBuffer(cmd) })
	return index, nil
}

// submitAndWaitLocked submits enc and blocks until the queue has executed
// it and everything before it.
func (d *Driver) submitAndWaitLocked(enc hal.CommandEncoder) error {
	index, err := d.submitEncoderLocked(enc)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(d.opts.timeout)
	for {
		completed := d.queue.PollCompleted()
		if completed >= index {
			d.collectLocked(completed)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf("haldriver: submission %d not done within %v", index, d.opts.timeout)
		}
		time.Sleep(pollInterval)
	}
}

// drainLocked waits for the device to go idle and frees every retired
// object.
func (d *Driver) drainLocked() error {
	if err := d.device.WaitIdle(); err != nil {
		return errors.Wrap(err, "haldriver: wait idle")
	}
	n := len(d.retired)
	d.collectLocked(d.submitted)
	d.log.Debug("haldriver: queue drained", slog.Int("freed", n))
	return nil
}

func (d *Driver) retireLocked(free func()) {
	d.retired = append(d.retired, retired{index: d.submitted, free: free})
}

// collectLocked frees retired objects whose last use was at or before
// submission index.
func (d *Driver) collectLocked(index uint64) {
	keep := d.retired[:0]
	for _, r := range d.retired {
		if r.index <= index {
			r.free()
			continue
		}
		keep = append(keep, r)
	}
	clear(d.retired[len(keep):])
	d.retired = keep
}

// Destroy waits for the queue and frees every object the driver still
// holds. The device and queue stay owned by the caller.
func (d *Driver) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.drainLocked()
	d.pipeline.Purge()
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	for id, t := range d.textures {
		if t.view != nil {
			d.device.DestroyTextureView(t.view)
		}
		d.device.DestroyTexture(t.tex)
		delete(d.textures, id)
	}
	for id, p := range d.programs {
		d.destroyProgram(p)
		delete(d.programs, id)
	}
	clear(d.fences)
	// Purged pipelines were retired after the drain.
	d.collectLocked(d.submitted)
	return err
}

// RetiredCount reports how many objects wait for a fence before being freed.
func (d *Driver) RetiredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired)
}
