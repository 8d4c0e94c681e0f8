// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpusafe/driver/sim"
)

func TestUsageClassFencing(t *testing.T) {
	tests := []struct {
		usage       UsageClass
		read, write bool
		mappable    bool
	}{
		{Static, false, false, false},
		{Dynamic, false, true, true},
		{PersistentMapped, true, true, true},
		{Stream, false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.usage.String(), func(t *testing.T) {
			if got := tt.usage.fenced(false); got != tt.read {
				t.Errorf("fenced(read) = %t, want %t", got, tt.read)
			}
			if got := tt.usage.fenced(true); got != tt.write {
				t.Errorf("fenced(write) = %t, want %t", got, tt.write)
			}
			if got := tt.usage.Mappable(); got != tt.mappable {
				t.Errorf("Mappable() = %t, want %t", got, tt.mappable)
			}
		})
	}
}

func TestNewBufferValidation(t *testing.T) {
	tests := []struct {
		profile string
		desc    BufferDescriptor
		want    error
	}{
		{"gl46", BufferDescriptor{Label: "empty", Usage: Dynamic, Bind: BindVertex}, ErrInvalidDescriptor},
		{"gl46", BufferDescriptor{Label: "overfull", Size: 4, Usage: Static, Bind: BindVertex, Data: make([]byte, 8)}, ErrInvalidDescriptor},
		{"gl46", BufferDescriptor{Label: "unbound", Size: 16, Usage: Dynamic}, ErrInvalidDescriptor},
		{"gl46", BufferDescriptor{Label: "usage", Size: 16, Usage: Stream + 1, Bind: BindVertex}, ErrInvalidDescriptor},
		{"gl33", BufferDescriptor{Label: "persistent", Size: 16, Usage: PersistentMapped, Bind: BindVertex}, ErrCapabilityMissing},
		{"gl21-storage", BufferDescriptor{Label: "persistent", Size: 16, Usage: PersistentMapped, Bind: BindVertex}, ErrCapabilityMissing},
		{"es20", BufferDescriptor{Label: "ubo", Size: 16, Usage: Dynamic, Bind: BindUniform}, ErrCapabilityMissing},
		{"es20", BufferDescriptor{Label: "tf", Size: 16, Usage: Dynamic, Bind: BindTransformFeedback}, ErrCapabilityMissing},
	}
	for _, tt := range tests {
		t.Run(tt.profile+"/"+tt.desc.Label, func(t *testing.T) {
			c, drv := newTestContext(t, tt.profile)
			_, err := c.NewBuffer(tt.desc)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewBuffer = %v, want %v", err, tt.want)
			}
			if n := drv.Count(sim.OpCreateBuffer); n != 0 {
				t.Errorf("rejected descriptor reached the driver %d times", n)
			}
		})
	}
}

func TestNewBufferInitialData(t *testing.T) {
	c, drv := newTestContext(t, "es20")
	data := pattern(64)
	b := mustBuffer(t, c, BufferDescriptor{Label: "static", Size: 64, Usage: Static, Bind: BindVertex, Data: data})
	got, ok := drv.Contents(b.ID())
	if !ok || !bytes.Equal(got, data) {
		t.Errorf("Contents = %v, want initial data", got)
	}
	if b.MappingState() != Unmapped || b.PendingFences() != 0 {
		t.Error("new buffer is not Unmapped and unfenced")
	}
}

func TestPersistentBufferStaysMapped(t *testing.T) {
	c, drv := newTestContext(t, "gl46")
	b := mustBuffer(t, c, BufferDescriptor{Label: "ring", Size: 128, Usage: PersistentMapped, Bind: BindVertex})
	if n := drv.Count(sim.OpMapBuffer); n != 1 {
		t.Fatalf("persistent buffer mapped %d times at creation", n)
	}

	for range 3 {
		if err := c.Upload(context.Background(), b, 32, []byte{1, 2, 3, 4}); err != nil {
			t.Fatal(err)
		}
	}
	if n := drv.Count(sim.OpMapBuffer); n != 1 {
		t.Errorf("persistent uploads remapped the buffer: %d MapBuffer calls", n)
	}
	if n := drv.Count(sim.OpFlushMappedRange); n != 3 {
		t.Errorf("FlushMappedRange called %d times, want 3", n)
	}
	got, _ := drv.Contents(b.ID())
	if !bytes.Equal(got[32:36], []byte{1, 2, 3, 4}) {
		t.Errorf("Contents[32:36] = %v", got[32:36])
	}
}

func TestBufferRelease(t *testing.T) {
	c, drv := newTestContext(t, "gl46")
	ctx := context.Background()
	b := mustBuffer(t, c, BufferDescriptor{Label: "b", Size: 16, Usage: Dynamic, Bind: BindVertex})

	m, err := c.MapWrite(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("Release while mapped = %v, want ErrAlreadyMapped", err)
	}
	if b.Released() {
		t.Fatal("failed Release marked the buffer released")
	}
	if err := m.Release(); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
	if err := b.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release = %v, want ErrReleased", err)
	}
	if _, err := c.MapWrite(ctx, b); !errors.Is(err, ErrReleased) {
		t.Errorf("MapWrite after Release = %v, want ErrReleased", err)
	}
	if bufs, _, _ := drv.Live(); bufs != 0 {
		t.Errorf("driver holds %d buffers after Release", bufs)
	}
	if s := c.Stats(); s.Buffers != 0 {
		t.Errorf("context tracks %d buffers after Release", s.Buffers)
	}
}

func TestReleaseRacingMapWrite(t *testing.T) {
	c, drv := newTestContext(t, "gl46")
	ctx := context.Background()

	for i := range 50 {
		b := mustBuffer(t, c, BufferDescriptor{Label: "racy", Size: 16, Usage: Dynamic, Bind: BindVertex})
		var g errgroup.Group
		g.Go(func() error {
			m, err := c.MapWrite(ctx, b)
			if errors.Is(err, ErrReleased) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := m.WriteAt([]byte{byte(i)}, 0); err != nil {
				return err
			}
			return m.Release()
		})
		g.Go(func() error {
			err := b.Release()
			if errors.Is(err, ErrAlreadyMapped) {
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if !b.Released() {
			if err := b.Release(); err != nil {
				t.Fatalf("round %d: Release after unmap = %v", i, err)
			}
		}
	}
	if n := drv.Count(sim.OpDestroyBuffer); n != 50 {
		t.Errorf("DestroyBuffer called %d times, want 50", n)
	}
	if bufs, _, _ := drv.Live(); bufs != 0 {
		t.Errorf("driver holds %d buffers after every Release", bufs)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	for _, profile := range []string{"gl46", "gl33", "es20"} {
		t.Run(profile, func(t *testing.T) {
			c, _ := newTestContext(t, profile)
			ctx := context.Background()
			b := mustBuffer(t, c, BufferDescriptor{Label: "rt", Size: 96, Usage: Dynamic, Bind: BindVertex})
			want := pattern(96)
			if err := c.Upload(ctx, b, 0, want); err != nil {
				t.Fatal(err)
			}
			got, err := c.Download(ctx, b, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Download = %v, want %v", got, want)
			}
			if b.MappingState() != Unmapped {
				t.Errorf("MappingState() = %s after Upload/Download", b.MappingState())
			}
		})
	}
}

func TestGPUCopyRoundTrip(t *testing.T) {
	c, _ := newTestContext(t, "gl46")
	ctx := context.Background()
	want := pattern(200)
	src := mustBuffer(t, c, BufferDescriptor{Label: "src", Size: 200, Usage: Dynamic, Bind: BindCopySrc})
	dst := mustBuffer(t, c, BufferDescriptor{Label: "dst", Size: 200, Usage: Dynamic, Bind: BindCopyDst})

	if err := c.Upload(ctx, src, 0, want); err != nil {
		t.Fatal(err)
	}
	tok, err := c.CopyBuffer(src, 0, dst, 0, 200)
	if err != nil {
		t.Fatal(err)
	}
	if tok == nil {
		t.Fatal("GPU write into a Dynamic buffer was not fenced")
	}
	got, err := c.Download(ctx, dst, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("copy round trip changed the data")
	}
	if !tok.Signaled() {
		t.Error("Download returned before the copy fence signaled")
	}
}

func TestCopyBufferValidation(t *testing.T) {
	c, drv := newTestContext(t, "gl46")
	other, _ := newTestContext(t, "gl46")
	src := mustBuffer(t, c, BufferDescriptor{Label: "src", Size: 64, Usage: Dynamic, Bind: BindCopySrc | BindCopyDst})
	dst := mustBuffer(t, c, BufferDescriptor{Label: "dst", Size: 64, Usage: Dynamic, Bind: BindCopyDst})
	vtx := mustBuffer(t, c, BufferDescriptor{Label: "vtx", Size: 64, Usage: Static, Bind: BindVertex})
	foreign := mustBuffer(t, other, BufferDescriptor{Label: "foreign", Size: 64, Usage: Dynamic, Bind: BindCopyDst})

	tests := []struct {
		name          string
		src, dst      *Buffer
		srcOff, dstOf uint64
		size          uint64
		want          error
	}{
		{"zero size", src, dst, 0, 0, 0, ErrInvalidDescriptor},
		{"src not copy source", vtx, dst, 0, 0, 16, ErrIncompatibleBinding},
		{"dst not copy dest", src, vtx, 0, 0, 16, ErrIncompatibleBinding},
		{"past end", src, dst, 32, 0, 64, ErrOutOfRange},
		{"overlap", src, src, 0, 8, 16, ErrIncompatibleBinding},
		{"other context", src, foreign, 0, 0, 16, ErrWrongContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CopyBuffer(tt.src, tt.srcOff, tt.dst, tt.dstOf, tt.size)
			if !errors.Is(err, tt.want) {
				t.Errorf("CopyBuffer = %v, want %v", err, tt.want)
			}
		})
	}
	if n := drv.Count(sim.OpCopyBuffer); n != 0 {
		t.Errorf("invalid copies reached the driver %d times", n)
	}

	// Disjoint ranges of one buffer are fine.
	if _, err := c.CopyBuffer(src, 0, src, 32, 16); err != nil {
		t.Errorf("disjoint self copy = %v", err)
	}
}

func TestStaticBufferNeverFenced(t *testing.T) {
	c, _ := newTestContext(t, "gl46")
	src := mustBuffer(t, c, BufferDescriptor{Label: "src", Size: 16, Usage: Static, Bind: BindCopySrc, Data: pattern(16)})
	dst := mustBuffer(t, c, BufferDescriptor{Label: "dst", Size: 16, Usage: Static, Bind: BindCopyDst})
	tok, err := c.CopyBuffer(src, 0, dst, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil || c.Fences().Stats().Inserted != 0 {
		t.Error("copy between Static buffers inserted a fence")
	}
}
