// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/gogpu/gpusafe/driver"
)

type resourceKind uint8

const (
	resourceBuffer resourceKind = iota
	resourceTexture
	resourceProgram
)

func (k resourceKind) String() string {
	switch k {
	case resourceBuffer:
		return "buffer"
	case resourceTexture:
		return "texture"
	case resourceProgram:
		return "program"
	default:
		return fmt.Sprintf("resourceKind(%d)", uint8(k))
	}
}

type resourceKey struct {
	kind resourceKind
	id   uint64
}

// leakedResource is what a runtime cleanup reports for a handle that
// became unreachable without Release.
type leakedResource struct {
	kind  resourceKind
	id    uint64
	label string
}

// ownedHandle is implemented by *Buffer, *Texture and *Program. The
// methods accept nil receivers.
type ownedHandle interface {
	owner() *Context
	Released() bool
	describe() string
}

// Context is one live driver session. It owns the CapabilityTable, the
// FenceManager and the AccessTracker, and every resource is created
// through it. A Context is passed explicitly to every operation; there is
// no current context.
//
// The driver underneath accepts calls from one goroutine at a time.
// Mapping and fence waits may be issued concurrently; everything else
// must be serialized by the caller.
type Context struct {
	id       uuid.UUID
	drv      driver.Driver
	caps     *CapabilityTable
	opts     contextOptions
	log      *slog.Logger
	fences   *FenceManager
	tracker  *AccessTracker
	pipeline *SubmissionPipeline

	mu      sync.Mutex
	live    map[resourceKey]string
	garbage []leakedResource
	leaks   uint64
	closed  bool
}

// NewContext queries the driver once, negotiates its capabilities and
// returns a ready Context. It fails with ErrUnsupportedDriver before any
// resource exists when the driver is below the baseline.
func NewContext(drv driver.Driver, opts ...ContextOption) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}

	info, err := drv.Info()
	if err != nil {
		return nil, errors.Wrap(err, "gpusafe: query driver info")
	}
	caps, err := Negotiate(info)
	if err != nil {
		log.Warn("gpusafe: driver rejected at negotiation", slog.String("version", info.Version), slog.Any("error", err))
		return nil, err
	}

	id := uuid.New()
	c := &Context{
		id:   id,
		drv:  drv,
		caps: caps,
		opts: o,
		log:  log.With(slog.String("context", id.String())),
		live: make(map[resourceKey]string),
	}
	c.fences = newFenceManager(drv, c.log, o, c.reject)
	c.tracker = newAccessTracker(c, c.fences, c.log)
	c.pipeline = newSubmissionPipeline(c)

	c.log.Info("gpusafe: context created",
		slog.String("version", caps.RawVersion()),
		slog.String("renderer", caps.Renderer()),
		slog.String("capabilities", caps.String()))
	return c, nil
}

// ID returns the context's unique id.
func (c *Context) ID() uuid.UUID { return c.id }

// Capabilities returns the negotiated, read-only capability table.
func (c *Context) Capabilities() *CapabilityTable { return c.caps }

// Supports reports whether the driver has the capability.
func (c *Context) Supports(cp Capability) bool { return c.caps.Supports(cp) }

// Fences returns the context's FenceManager.
func (c *Context) Fences() *FenceManager { return c.fences }

// Tracker returns the context's AccessTracker.
func (c *Context) Tracker() *AccessTracker { return c.tracker }

// Pipeline returns the context's SubmissionPipeline.
func (c *Context) Pipeline() *SubmissionPipeline { return c.pipeline }

// Driver returns the underlying driver.
func (c *Context) Driver() driver.Driver { return c.drv }

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger { return c.log }

// ContextStats is a snapshot of a context's bookkeeping.
type ContextStats struct {
	Fences   FenceStats
	Buffers  int
	Textures int
	Programs int
	// Leaked counts handles reclaimed without Release.
	Leaked uint64
}

// Stats returns a snapshot of the context's counters.
func (c *Context) Stats() ContextStats {
	s := ContextStats{Fences: c.fences.Stats()}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.live {
		switch k.kind {
		case resourceBuffer:
			s.Buffers++
		case resourceTexture:
			s.Textures++
		case resourceProgram:
			s.Programs++
		}
	}
	s.Leaked = c.leaks
	return s
}

// enter runs at the start of every operation: it refuses closed contexts
// and destroys handles reported as leaked since the last call, so that
// deletion happens on the caller's goroutine.
func (c *Context) enter() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	garbage := c.garbage
	c.garbage = nil
	c.mu.Unlock()

	for _, r := range garbage {
		if !c.unregister(r.kind, r.id) {
			continue
		}
		c.log.Warn("gpusafe: reclaiming handle dropped without Release",
			slog.String("kind", r.kind.String()), slog.String("label", r.label))
		c.destroy(r.kind, r.id)
	}
	return nil
}

// leaked runs on the runtime's cleanup goroutine. It only queues.
func (c *Context) leaked(r leakedResource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.garbage = append(c.garbage, r)
	c.leaks++
}

func (c *Context) register(kind resourceKind, id uint64, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[resourceKey{kind, id}] = label
}

// unregister removes a live resource and reports whether it was live.
func (c *Context) unregister(kind resourceKind, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := resourceKey{kind, id}
	if _, ok := c.live[k]; !ok {
		return false
	}
	delete(c.live, k)
	return true
}

func (c *Context) destroy(kind resourceKind, id uint64) {
	switch kind {
	case resourceBuffer:
		c.drv.DestroyBuffer(driver.BufferID(id))
	case resourceTexture:
		c.drv.DestroyTexture(driver.TextureID(id))
	case resourceProgram:
		c.drv.DestroyProgram(driver.ProgramID(id))
	}
}

// owns checks that h is a live handle of this context.
func (c *Context) owns(h ownedHandle) error {
	switch o := h.owner(); {
	case o == nil:
		return errors.Wrapf(ErrInvalidDescriptor, "nil %s", h.describe())
	case o != c:
		return errors.Wrapf(ErrWrongContext, "%s from context %s used with %s", h.describe(), o.id, c.id)
	case h.Released():
		return errors.Wrapf(ErrReleased, "%s", h.describe())
	}
	return nil
}

// reject handles a driver error on a validated request according to the
// reject policy.
func (c *Context) reject(cause error, op string) error {
	err := driverRejected(cause, op)
	c.log.Error("gpusafe: driver rejected validated request", slog.String("op", op), slog.Any("error", cause))
	if c.opts.reject == RejectPanic {
		panic(err)
	}
	return err
}

// Close waits for all outstanding fences, then destroys every resource
// still alive. Handles released afterwards report ErrContextClosed. If ctx
// ends before the GPU finishes, Close returns the timeout and the context
// stays usable.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	if err := c.fences.WaitAll(ctx); err != nil {
		return errors.Wrap(err, "gpusafe: close")
	}
	if err := c.enter(); err != nil {
		return nil
	}

	c.mu.Lock()
	c.closed = true
	live := c.live
	c.live = make(map[resourceKey]string)
	c.garbage = nil
	c.mu.Unlock()

	for k := range live {
		c.destroy(k.kind, k.id)
	}
	c.log.Info("gpusafe: context closed", slog.Int("destroyed", len(live)))
	return nil
}
