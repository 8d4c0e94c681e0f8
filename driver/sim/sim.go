// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package sim provides an in-memory driver.Driver with an asynchronous
// command queue whose progress the caller controls.
//
// Commands (draws, copies, texture writes, fences) are appended to a queue
// and executed later, in order, against memory-backed buffers and textures.
// When the queue runs depends on the Mode: immediately, when a fence is
// waited on, or only when the test calls Advance or Flush. The driver
// records every call it receives, can be told to fail the next call of a
// given operation, and reports GL-style errors for misuse such as drawing
// from a buffer that is still mapped.
package sim

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

// Errors reported for invalid calls, mirroring GL error codes.
var (
	ErrInvalidOperation = errors.New("sim: invalid operation")
	ErrInvalidValue     = errors.New("sim: invalid value")
	ErrOutOfMemory      = errors.New("sim: out of memory")
)

// Mode selects when queued commands execute.
type Mode int

const (
	// ModeOnWait executes queued commands when a fence is waited on, or
	// when a non-persistent map needs them finished. Polling a fence only
	// reports its status.
	ModeOnWait Mode = iota
	// ModeImmediate executes every command as it is issued.
	ModeImmediate
	// ModeManual executes commands only on Advance or Flush, except for
	// the implicit synchronization of non-persistent maps.
	ModeManual
)

// Op names used in the call log and by FailNext.
const (
	OpInfo                  = "Info"
	OpCreateBuffer          = "CreateBuffer"
	OpDestroyBuffer         = "DestroyBuffer"
	OpMapBuffer             = "MapBuffer"
	OpUnmapBuffer           = "UnmapBuffer"
	OpFlushMappedRange      = "FlushMappedRange"
	OpInvalidateMappedRange = "InvalidateMappedRange"
	OpCopyBuffer            = "CopyBuffer"
	OpCreateTexture         = "CreateTexture"
	OpDestroyTexture        = "DestroyTexture"
	OpWriteTexture          = "WriteTexture"
	OpCopyTextureToBuffer   = "CopyTextureToBuffer"
	OpCreateProgram         = "CreateProgram"
	OpDestroyProgram        = "DestroyProgram"
	OpDraw                  = "Draw"
	OpInsertFence           = "InsertFence"
	OpClientWaitFence       = "ClientWaitFence"
	OpFenceSignaled         = "FenceSignaled"
	OpDeleteFence           = "DeleteFence"
)

// Call is one entry of the call log.
type Call struct {
	Op string
	ID uint64
}

// DrawRecord describes an executed draw.
type DrawRecord struct {
	Program     driver.ProgramID
	Primitive   driver.Primitive
	VertexCount uint32
	Instances   uint32
	Indexed     bool
	// Uniforms holds the program's uniform values when the draw executed.
	Uniforms map[string]driver.UniformValue
}

type buffer struct {
	desc       driver.BufferDesc
	data       []byte
	mapped     bool
	persistent bool
}

type texture struct {
	desc   driver.TextureDesc
	levels [][]byte
}

type program struct {
	desc     driver.ProgramDesc
	uniforms map[string]driver.UniformValue
}

type fence struct {
	done     chan struct{}
	signaled bool
}

type command struct {
	op      string
	run     func()
	fence   *fence
	touches []driver.BufferID
}

// Driver is a simulated driver. It is safe for concurrent use.
type Driver struct {
	mu       sync.Mutex
	profile  Profile
	mode     Mode
	nextID   uint64
	buffers  map[driver.BufferID]*buffer
	textures map[driver.TextureID]*texture
	programs map[driver.ProgramID]*program
	fences   map[driver.FenceID]*fence
	queue    []*command
	calls    []Call
	fail     map[string]error
	draws    []DrawRecord
}

var _ driver.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithMode sets when queued commands execute. The default is ModeOnWait.
func WithMode(m Mode) Option {
	return func(d *Driver) { d.mode = m }
}

// New creates a simulated driver reporting the given profile.
func New(p Profile, opts ...Option) *Driver {
	d := &Driver{
		profile:  p,
		nextID:   1,
		buffers:  make(map[driver.BufferID]*buffer),
		textures: make(map[driver.TextureID]*texture),
		programs: make(map[driver.ProgramID]*program),
		fences:   make(map[driver.FenceID]*fence),
		fail:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// newID returns a fresh object id. Caller holds d.mu.
func (d *Driver) newID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

// record appends to the call log and returns an injected failure, if any.
// Caller holds d.mu.
func (d *Driver) record(op string, id uint64) error {
	d.calls = append(d.calls, Call{Op: op, ID: id})
	if err, ok := d.fail[op]; ok {
		delete(d.fail, op)
		return err
	}
	return nil
}

// enqueue appends a command and runs it now in ModeImmediate.
// Caller holds d.mu.
func (d *Driver) enqueue(c *command) {
	d.queue = append(d.queue, c)
	if d.mode == ModeImmediate {
		d.runLocked(len(d.queue))
	}
}

// runLocked executes the first n queued commands. Caller holds d.mu.
func (d *Driver) runLocked(n int) int {
	if n > len(d.queue) {
		n = len(d.queue)
	}
	for _, c := range d.queue[:n] {
		if c.run != nil {
			c.run()
		}
		if c.fence != nil && !c.fence.signaled {
			c.fence.signaled = true
			close(c.fence.done)
		}
	}
	d.queue = slices.Delete(d.queue, 0, n)
	return n
}

// runThroughFence executes commands up to and including the fence.
// Caller holds d.mu.
func (d *Driver) runThroughFence(f *fence) {
	for i, c := range d.queue {
		if c.fence == f {
			d.runLocked(i + 1)
			return
		}
	}
}

// syncBuffer executes queued commands up to the last one touching id,
// the implicit synchronization a non-persistent map performs.
// Caller holds d.mu.
func (d *Driver) syncBuffer(id driver.BufferID) {
	last := -1
	for i, c := range d.queue {
		if slices.Contains(c.touches, id) {
			last = i
		}
	}
	if last >= 0 {
		d.runLocked(last + 1)
	}
}

// Info implements driver.Driver.
func (d *Driver) Info() (driver.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpInfo, 0); err != nil {
		return driver.Info{}, err
	}
	return d.profile.Info(), nil
}

// CreateBuffer implements driver.Driver.
func (d *Driver) CreateBuffer(desc *driver.BufferDesc) (driver.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCreateBuffer, 0); err != nil {
		return driver.InvalidID, err
	}
	if desc.Size == 0 || uint64(len(desc.Data)) > desc.Size {
		return driver.InvalidID, errors.Wrapf(ErrInvalidValue, "buffer size %d, data %d", desc.Size, len(desc.Data))
	}
	b := &buffer{desc: *desc, data: make([]byte, desc.Size)}
	b.desc.Data = nil
	copy(b.data, desc.Data)
	id := driver.BufferID(d.newID())
	d.buffers[id] = b
	return id, nil
}

// DestroyBuffer implements driver.Driver. Queued commands keep the storage
// they captured.
func (d *Driver) DestroyBuffer(id driver.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record(OpDestroyBuffer, uint64(id))
	delete(d.buffers, id)
}

// MapBuffer implements driver.Driver.
func (d *Driver) MapBuffer(id driver.BufferID, req driver.MapRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpMapBuffer, uint64(id)); err != nil {
		return nil, err
	}
	b, ok := d.buffers[id]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidValue, "map unknown buffer %d", id)
	}
	if b.mapped || b.persistent {
		return nil, errors.Wrapf(ErrInvalidOperation, "buffer %d already mapped", id)
	}
	if req.Persistent {
		if b.desc.Storage != driver.StoragePersistent {
			return nil, errors.Wrapf(ErrInvalidOperation, "persistent map of buffer %d without persistent storage", id)
		}
		b.persistent = true
		return b.data, nil
	}
	if !b.desc.Mappable {
		return nil, errors.Wrapf(ErrInvalidOperation, "buffer %d is not mappable", id)
	}
	if req.Size == 0 || req.Offset+req.Size > uint64(len(b.data)) {
		return nil, errors.Wrapf(ErrInvalidValue, "map range [%d,+%d) of buffer %d", req.Offset, req.Size, id)
	}
	if req.Invalidate && req.Access == driver.MapWrite {
		fresh := make([]byte, len(b.data))
		copy(fresh, b.data)
		b.data = fresh
	} else {
		d.syncBuffer(id)
	}
	b.mapped = true
	return b.data[req.Offset : req.Offset+req.Size], nil
}

// UnmapBuffer implements driver.Driver.
func (d *Driver) UnmapBuffer(id driver.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpUnmapBuffer, uint64(id)); err != nil {
		return err
	}
	b, ok := d.buffers[id]
	if !ok || !b.mapped {
		return errors.Wrapf(ErrInvalidOperation, "unmap of unmapped buffer %d", id)
	}
	b.mapped = false
	return nil
}

// FlushMappedRange implements driver.Driver. Simulated persistent storage is
// coherent, so only the range is checked.
func (d *Driver) FlushMappedRange(id driver.BufferID, offset, size uint64) error {
	return d.checkPersistentRange(OpFlushMappedRange, id, offset, size)
}

// InvalidateMappedRange implements driver.Driver.
func (d *Driver) InvalidateMappedRange(id driver.BufferID, offset, size uint64) error {
	return d.checkPersistentRange(OpInvalidateMappedRange, id, offset, size)
}

func (d *Driver) checkPersistentRange(op string, id driver.BufferID, offset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(op, uint64(id)); err != nil {
		return err
	}
	b, ok := d.buffers[id]
	if !ok || !b.persistent {
		return errors.Wrapf(ErrInvalidOperation, "%s on buffer %d without persistent mapping", op, id)
	}
	if offset+size > uint64(len(b.data)) {
		return errors.Wrapf(ErrInvalidValue, "%s range [%d,+%d) of buffer %d", op, offset, size, id)
	}
	return nil
}

// usable returns a buffer that commands may reference. Caller holds d.mu.
func (d *Driver) usable(id driver.BufferID, offset, size uint64) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidValue, "unknown buffer %d", id)
	}
	if b.mapped {
		return nil, errors.Wrapf(ErrInvalidOperation, "buffer %d is mapped", id)
	}
	if offset+size > uint64(len(b.data)) {
		return nil, errors.Wrapf(ErrInvalidValue, "range [%d,+%d) outside buffer %d of %d bytes", offset, size, id, len(b.data))
	}
	return b, nil
}

// CopyBuffer implements driver.Driver.
func (d *Driver) CopyBuffer(c *driver.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCopyBuffer, uint64(c.Dst)); err != nil {
		return err
	}
	src, err := d.usable(c.Src, c.SrcOffset, c.Size)
	if err != nil {
		return err
	}
	dst, err := d.usable(c.Dst, c.DstOffset, c.Size)
	if err != nil {
		return err
	}
	from := src.data[c.SrcOffset : c.SrcOffset+c.Size]
	to := dst.data[c.DstOffset : c.DstOffset+c.Size]
	d.enqueue(&command{
		op:      OpCopyBuffer,
		run:     func() { copy(to, from) },
		touches: []driver.BufferID{c.Src, c.Dst},
	})
	return nil
}

// CreateTexture implements driver.Driver.
func (d *Driver) CreateTexture(desc *driver.TextureDesc) (driver.TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCreateTexture, 0); err != nil {
		return driver.InvalidID, err
	}
	if desc.Width == 0 || desc.Height == 0 || desc.MipLevels == 0 || !desc.Format.Valid() {
		return driver.InvalidID, errors.Wrapf(ErrInvalidValue, "texture %dx%d levels=%d format=%s",
			desc.Width, desc.Height, desc.MipLevels, desc.Format)
	}
	t := &texture{desc: *desc, levels: make([][]byte, desc.MipLevels)}
	w, h := desc.Width, desc.Height
	for i := range t.levels {
		t.levels[i] = make([]byte, w*h*desc.Format.BytesPerPixel())
		w, h = max(w/2, 1), max(h/2, 1)
	}
	id := driver.TextureID(d.newID())
	d.textures[id] = t
	return id, nil
}

// DestroyTexture implements driver.Driver.
func (d *Driver) DestroyTexture(id driver.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record(OpDestroyTexture, uint64(id))
	delete(d.textures, id)
}

// WriteTexture implements driver.Driver. The data is copied at call time.
func (d *Driver) WriteTexture(id driver.TextureID, level uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpWriteTexture, uint64(id)); err != nil {
		return err
	}
	t, ok := d.textures[id]
	if !ok || level >= uint32(len(t.levels)) {
		return errors.Wrapf(ErrInvalidValue, "write texture %d level %d", id, level)
	}
	dst := t.levels[level]
	if len(data) != len(dst) {
		return errors.Wrapf(ErrInvalidValue, "texture %d level %d wants %d bytes, got %d", id, level, len(dst), len(data))
	}
	src := slices.Clone(data)
	d.enqueue(&command{op: OpWriteTexture, run: func() { copy(dst, src) }})
	return nil
}

// CopyTextureToBuffer implements driver.Driver.
func (d *Driver) CopyTextureToBuffer(c *driver.TextureCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCopyTextureToBuffer, uint64(c.Dst)); err != nil {
		return err
	}
	t, ok := d.textures[c.Src]
	if !ok || c.Level >= uint32(len(t.levels)) {
		return errors.Wrapf(ErrInvalidValue, "copy from texture %d level %d", c.Src, c.Level)
	}
	level := t.levels[c.Level]
	dst, err := d.usable(c.Dst, c.DstOffset, uint64(len(level)))
	if err != nil {
		return err
	}
	to := dst.data[c.DstOffset : c.DstOffset+uint64(len(level))]
	d.enqueue(&command{
		op:      OpCopyTextureToBuffer,
		run:     func() { copy(to, level) },
		touches: []driver.BufferID{c.Dst},
	})
	return nil
}

// CreateProgram implements driver.Driver.
func (d *Driver) CreateProgram(desc *driver.ProgramDesc) (driver.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCreateProgram, 0); err != nil {
		return driver.InvalidID, err
	}
	if !desc.Stages.Has(driver.StageVertex) {
		return driver.InvalidID, errors.Wrap(ErrInvalidOperation, "program without vertex stage")
	}
	p := &program{desc: *desc, uniforms: make(map[string]driver.UniformValue)}
	id := driver.ProgramID(d.newID())
	d.programs[id] = p
	return id, nil
}

// DestroyProgram implements driver.Driver.
func (d *Driver) DestroyProgram(id driver.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record(OpDestroyProgram, uint64(id))
	delete(d.programs, id)
}

// Draw implements driver.Driver.
//
// Execution stores the uniforms in the program, fills RGBA8/BGRA8 colour
// attachments with the program's "color" vec4 uniform when it has one, and
// copies the first vertex binding into the transform feedback buffer.
func (d *Driver) Draw(call *driver.DrawCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpDraw, uint64(call.Program)); err != nil {
		return err
	}
	p, ok := d.programs[call.Program]
	if !ok {
		return errors.Wrapf(ErrInvalidOperation, "draw with unknown program %d", call.Program)
	}
	var touches []driver.BufferID
	var firstVertex []byte
	for i, vb := range call.Vertices {
		b, err := d.usable(vb.Buffer, vb.Offset, 0)
		if err != nil {
			return err
		}
		touches = append(touches, vb.Buffer)
		if i == 0 {
			firstVertex = b.data[vb.Offset:]
		}
	}
	if call.Indices != nil {
		size := uint64(call.Indices.Count) * uint64(call.Indices.Format.Size())
		if _, err := d.usable(call.Indices.Buffer, call.Indices.Offset, size); err != nil {
			return err
		}
		touches = append(touches, call.Indices.Buffer)
	}
	for _, u := range call.Uniforms {
		if u.Value.Type == driver.UniformBlock {
			if _, err := d.usable(u.Value.Buffer, u.Value.Offset, u.Value.Size); err != nil {
				return err
			}
			touches = append(touches, u.Value.Buffer)
		}
		if u.Value.Type.IsSampler() {
			if _, ok := d.textures[u.Value.Texture]; !ok {
				return errors.Wrapf(ErrInvalidOperation, "uniform %q samples unknown texture %d", u.Name, u.Value.Texture)
			}
		}
	}
	var color [][]byte
	var formats []driver.Format
	for _, id := range call.Color {
		t, ok := d.textures[id]
		if !ok {
			return errors.Wrapf(ErrInvalidOperation, "unknown colour attachment %d", id)
		}
		color = append(color, t.levels[0])
		formats = append(formats, t.desc.Format)
	}
	if call.Depth != driver.InvalidID {
		if _, ok := d.textures[call.Depth]; !ok {
			return errors.Wrapf(ErrInvalidOperation, "unknown depth attachment %d", call.Depth)
		}
	} else if call.DepthTest != driver.CompareIgnore || call.DepthWrite {
		return errors.Wrap(ErrInvalidOperation, "depth test without depth attachment")
	}
	var feedback []byte
	if fb := call.Feedback; fb != nil {
		b, err := d.usable(fb.Buffer, fb.Offset, fb.Size)
		if err != nil {
			return err
		}
		touches = append(touches, fb.Buffer)
		feedback = b.data[fb.Offset : fb.Offset+fb.Size]
	}

	uniforms := slices.Clone(call.Uniforms)
	rec := DrawRecord{
		Program:     call.Program,
		Primitive:   call.Primitive,
		VertexCount: call.VertexCount,
		Instances:   call.Instances,
		Indexed:     call.Indices != nil,
	}
	d.enqueue(&command{
		op:      OpDraw,
		touches: touches,
		run: func() {
			for _, u := range uniforms {
				p.uniforms[u.Name] = u.Value
			}
			rec.Uniforms = make(map[string]driver.UniformValue, len(p.uniforms))
			for k, v := range p.uniforms {
				rec.Uniforms[k] = v
			}
			fill := [4]byte{0xff, 0xff, 0xff, 0xff}
			if c, ok := p.uniforms["color"]; ok && c.Type == driver.UniformVec4 {
				for i := range fill {
					fill[i] = unorm8(c.Floats[i])
				}
			}
			for i, level := range color {
				px := fill
				switch formats[i] {
				case driver.FormatRGBA8Unorm:
				case driver.FormatBGRA8Unorm:
					px[0], px[2] = px[2], px[0]
				default:
					px = [4]byte{}
				}
				for j := 0; j+4 <= len(level); j += 4 {
					copy(level[j:j+4], px[:])
				}
			}
			if feedback != nil {
				copy(feedback, firstVertex)
			}
			d.draws = append(d.draws, rec)
		},
	})
	return nil
}

func unorm8(f float32) byte {
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 0xff
	default:
		return byte(f*255 + 0.5)
	}
}

// InsertFence implements driver.Driver.
func (d *Driver) InsertFence() (driver.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpInsertFence, 0); err != nil {
		return driver.InvalidID, err
	}
	f := &fence{done: make(chan struct{})}
	id := driver.FenceID(d.newID())
	d.fences[id] = f
	d.enqueue(&command{op: OpInsertFence, fence: f})
	return id, nil
}

// ClientWaitFence implements driver.Driver.
func (d *Driver) ClientWaitFence(id driver.FenceID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	if err := d.record(OpClientWaitFence, uint64(id)); err != nil {
		d.mu.Unlock()
		return false, err
	}
	f, ok := d.fences[id]
	if !ok {
		d.mu.Unlock()
		return false, errors.Wrapf(ErrInvalidValue, "wait on unknown fence %d", id)
	}
	if d.mode == ModeOnWait {
		d.runThroughFence(f)
	}
	done := f.done
	d.mu.Unlock()

	select {
	case <-done:
		return true, nil
	default:
	}
	if timeout <= 0 {
		return false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// FenceSignaled implements driver.Driver.
func (d *Driver) FenceSignaled(id driver.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpFenceSignaled, uint64(id)); err != nil {
		return false, err
	}
	f, ok := d.fences[id]
	if !ok {
		return false, errors.Wrapf(ErrInvalidValue, "poll of unknown fence %d", id)
	}
	return f.signaled, nil
}

// DeleteFence implements driver.Driver.
func (d *Driver) DeleteFence(id driver.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record(OpDeleteFence, uint64(id))
	delete(d.fences, id)
}

// Advance executes up to n queued commands and returns how many ran.
func (d *Driver) Advance(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runLocked(n)
}

// Flush executes every queued command.
func (d *Driver) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runLocked(len(d.queue))
}

// Pending returns the number of queued commands.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// FailNext makes the next call of op return err.
func (d *Driver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op] = err
}

// Calls returns a copy of the call log.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// Count returns how many times op was called.
func (d *Driver) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (d *Driver) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = d.calls[:0]
}

// Draws returns the draws executed so far.
func (d *Driver) Draws() []DrawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.draws)
}

// Contents returns a copy of a buffer's current storage.
func (d *Driver) Contents(id driver.BufferID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(b.data), true
}

// TextureLevel returns a copy of one mip level of a texture.
func (d *Driver) TextureLevel(id driver.TextureID, level uint32) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok || level >= uint32(len(t.levels)) {
		return nil, false
	}
	return slices.Clone(t.levels[level]), true
}

// Live returns the number of buffers, textures and programs still allocated.
func (d *Driver) Live() (buffers, textures, programs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.textures), len(d.programs)
}

// LiveFences returns the number of fences not yet deleted.
func (d *Driver) LiveFences() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fences)
}

func (c Call) String() string {
	if c.ID == 0 {
		return c.Op
	}
	return fmt.Sprintf("%s(%d)", c.Op, c.ID)
}
