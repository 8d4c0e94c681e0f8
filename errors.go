// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import "github.com/cockroachdb/errors"

// Precondition failures. They are reported before any driver state is
// touched and the caller may recover from them.
var (
	// ErrUnsupportedDriver means the driver is below the minimum baseline.
	ErrUnsupportedDriver = errors.New("gpusafe: unsupported driver")

	// ErrCapabilityMissing means an operation needs a capability the
	// context's CapabilityTable does not have.
	ErrCapabilityMissing = errors.New("gpusafe: capability missing")

	// ErrInvalidDescriptor means a resource or program descriptor is malformed.
	ErrInvalidDescriptor = errors.New("gpusafe: invalid descriptor")

	// ErrIncompatibleBinding means a draw binds resources the program or
	// target cannot use, or leaves a required slot unbound.
	ErrIncompatibleBinding = errors.New("gpusafe: incompatible binding")

	// ErrFormatMismatch means a bound value has the wrong type or format.
	ErrFormatMismatch = errors.New("gpusafe: format mismatch")

	// ErrAlreadyMapped means the resource already has a live mapping.
	ErrAlreadyMapped = errors.New("gpusafe: resource already mapped")

	// ErrAccessConflict means a mapping was requested while a submission
	// holds GPU access to an overlapping region, or a submission referenced
	// a region that is mapped.
	ErrAccessConflict = errors.New("gpusafe: access conflict")

	// ErrNotMappable means the buffer's usage class has no CPU mapping.
	ErrNotMappable = errors.New("gpusafe: buffer is not mappable")

	// ErrReleased means a handle was used or released after Release.
	ErrReleased = errors.New("gpusafe: handle released")

	// ErrWrongContext means a handle created by one Context was passed to another.
	ErrWrongContext = errors.New("gpusafe: handle belongs to another context")

	// ErrOutOfRange means a slice or region lies outside its resource.
	ErrOutOfRange = errors.New("gpusafe: range out of bounds")

	// ErrContextClosed means the Context was closed.
	ErrContextClosed = errors.New("gpusafe: context closed")
)

// Framebuffer failures. Both also match ErrIncompatibleBinding.
var (
	ErrNoDepthBuffer    = errors.Mark(errors.New("gpusafe: depth test requires a depth attachment"), ErrIncompatibleBinding)
	ErrViewportTooLarge = errors.Mark(errors.New("gpusafe: viewport exceeds driver maximum"), ErrIncompatibleBinding)
)

// ErrTimeout is returned by bounded waits. Resource state is left unchanged.
var ErrTimeout = errors.New("gpusafe: timeout")

// ErrDriverRejected marks a driver error on a request that passed
// validation. It indicates a defect in this package, not a caller mistake.
// Matching errors also satisfy errors.IsAssertionFailure, and
// errors.HasAssertionFailure once wrapped further.
var ErrDriverRejected = errors.New("gpusafe: driver rejected validated request")

// RejectPolicy decides what happens when the driver rejects a validated request.
type RejectPolicy uint8

const (
	// RejectPanic panics with the DriverRejected error. This is the default.
	RejectPanic RejectPolicy = iota
	// RejectReturn returns the DriverRejected error to the caller.
	RejectReturn
)

func (p RejectPolicy) String() string {
	switch p {
	case RejectPanic:
		return "panic"
	case RejectReturn:
		return "return"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p RejectPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *RejectPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "panic":
		*p = RejectPanic
	case "return":
		*p = RejectReturn
	default:
		return errors.Newf("gpusafe: unknown reject policy %q", b)
	}
	return nil
}

// driverRejected builds the DriverRejected error for a failed driver call.
func driverRejected(cause error, op string) error {
	err := errors.NewAssertionErrorWithWrappedErrf(cause, "driver rejected %s", op)
	// IsAssertionFailure only inspects the outermost error.
	return errors.WithAssertionFailure(errors.Mark(err, ErrDriverRejected))
}

