// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpusafe is a safety layer over a stateful graphics driver.
//
// # Overview
//
// gpusafe sits between application code and a driver.Driver: an
// immediate-mode API with raw mapped memory and an asynchronous GPU queue.
// Every resource creation, mapping, copy and draw goes through validation
// and CPU/GPU access tracking first, so that misuse surfaces as a typed Go
// error instead of a driver error, a race or silent corruption.
//
// # Quick Start
//
//	drv := sim.New(sim.MustBuiltin("gl46"))
//	ctx, err := gpusafe.NewContext(drv)
//	if err != nil {
//		return err
//	}
//	defer ctx.Close(context.Background())
//
//	buf, err := ctx.NewBuffer(gpusafe.BufferDescriptor{
//		Label: "vertices",
//		Size:  1024,
//		Usage: gpusafe.PersistentMapped,
//		Bind:  gpusafe.BindVertex,
//	})
//	if err != nil {
//		return err
//	}
//	defer buf.Release()
//
//	m, err := ctx.MapWrite(context.Background(), buf)
//	if err != nil {
//		return err
//	}
//	copy(m.Bytes(), vertices)
//	m.Release()
//
// # Architecture
//
// Components, leaf first:
//   - CapabilityTable: negotiated once per Context from the driver's
//     version and extensions, then read-only
//   - FenceManager: inserts, polls and waits on fences, bounded FIFO
//   - Buffer, Texture, Program: owned handles, released exactly once
//   - AccessTracker: per-buffer mapping state machine and GPU use pins
//   - Validate: checks a DrawRequest against the program and the table
//   - SubmissionPipeline: pins, issues, fences
//
// A Context is passed explicitly to every operation; there is no current
// context. Drivers live in sub-packages: driver/sim is an in-memory
// driver with a controllable queue, driver/haldriver runs on gogpu/wgpu HAL
// devices.
//
// # Synchronization
//
// Mapping a buffer waits for the fences guarding the mapped region.
// PersistentMapped buffers are fenced on every GPU reference; Dynamic and
// Stream buffers only when the GPU writes them; Static buffers and
// textures never. Mapping a Stream buffer for writing orphans its storage
// instead of waiting.
//
// # Errors
//
// Preconditions fail with the Err* sentinels of this package; match them
// with errors.Is. A driver error on a validated request is a defect in
// gpusafe and panics by default; see RejectPolicy.
package gpusafe
