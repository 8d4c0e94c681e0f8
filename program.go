// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gogpu/naga"

	"github.com/gogpu/gpusafe/driver"
)

// Program interface descriptions, shared with drivers.
type (
	ProgramAttribute = driver.ProgramAttribute
	ProgramUniform   = driver.ProgramUniform
	Varying          = driver.Varying
)

// ProgramDescriptor describes a linked program and the interface it
// exposes. Reflection is the caller's job; gpusafe validates draws
// against what is declared here.
type ProgramDescriptor struct {
	Label string
	// WGSL source. With the shader check enabled it is compiled to
	// SPIR-V before the driver sees it, and compile errors are
	// ErrInvalidDescriptor.
	WGSL string
	// SPIRV is used as is when WGSL is empty.
	SPIRV      []uint32
	Stages     Stage
	Attributes []ProgramAttribute
	Uniforms   []ProgramUniform
	// Varyings are captured by transform feedback, in output order.
	Varyings []Varying
}

// Program is a linked program. Release it exactly once.
type Program struct {
	ctx      *Context
	id       driver.ProgramID
	label    string
	stages   Stage
	attrs    []ProgramAttribute
	uniforms []ProgramUniform
	varyings []Varying

	mu    sync.Mutex
	cache uniformCache

	released atomic.Bool
	cleanup  runtime.Cleanup
}

// NewProgram validates desc and creates the program.
func (c *Context) NewProgram(desc ProgramDescriptor) (*Program, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	if err := c.validateProgram(&desc); err != nil {
		return nil, err
	}
	src := driver.ShaderSource{WGSL: desc.WGSL, SPIRV: desc.SPIRV}
	if desc.WGSL != "" && c.opts.shaderCheck {
		spirv, err := compileWGSL(desc.WGSL)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "program %q: %v", desc.Label, err)
		}
		src.SPIRV = spirv
	}
	id, err := c.drv.CreateProgram(&driver.ProgramDesc{
		Label:      desc.Label,
		Source:     src,
		Stages:     desc.Stages,
		Attributes: desc.Attributes,
		Uniforms:   desc.Uniforms,
		Varyings:   desc.Varyings,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gpusafe: create program %q", desc.Label)
	}
	p := &Program{
		ctx:      c,
		id:       id,
		label:    desc.Label,
		stages:   desc.Stages,
		attrs:    desc.Attributes,
		uniforms: desc.Uniforms,
		varyings: desc.Varyings,
	}
	c.register(resourceProgram, uint64(id), desc.Label)
	if c.opts.leakCollection {
		p.cleanup = runtime.AddCleanup(p, c.leaked, leakedResource{kind: resourceProgram, id: uint64(id), label: desc.Label})
	}
	c.log.Debug("gpusafe: program created", slog.String("program", desc.Label),
		slog.Int("attributes", len(desc.Attributes)), slog.Int("uniforms", len(desc.Uniforms)))
	return p, nil
}

// compileWGSL compiles WGSL to little-endian SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	b, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words, nil
}

func (c *Context) validateProgram(desc *ProgramDescriptor) error {
	what := fmt.Sprintf("program %q", desc.Label)
	switch {
	case desc.WGSL == "" && len(desc.SPIRV) == 0:
		return errors.Wrapf(ErrInvalidDescriptor, "%s has no source", what)
	case !desc.Stages.Has(StageVertex):
		return errors.Wrapf(ErrInvalidDescriptor, "%s has no vertex stage", what)
	case uint32(len(desc.Attributes)) > c.caps.Limits().MaxVertexAttribs:
		return errors.Wrapf(ErrInvalidDescriptor, "%s has %d attributes, driver allows %d",
			what, len(desc.Attributes), c.caps.Limits().MaxVertexAttribs)
	}
	if desc.Stages&(StageTessControl|StageTessEvaluation) != 0 {
		if err := c.caps.Require(what, CapTessellation); err != nil {
			return err
		}
	}
	if desc.Stages.Has(StageGeometry) {
		if err := c.caps.Require(what, CapGeometryShaders); err != nil {
			return err
		}
	}

	names := mapset.NewThreadUnsafeSet[string]()
	locations := mapset.NewThreadUnsafeSet[uint32]()
	for _, a := range desc.Attributes {
		switch {
		case !a.Format.Valid():
			return errors.Wrapf(ErrInvalidDescriptor, "%s attribute %q has no format", what, a.Name)
		case !names.Add(a.Name):
			return errors.Wrapf(ErrInvalidDescriptor, "%s declares attribute %q twice", what, a.Name)
		case !locations.Add(a.Location):
			return errors.Wrapf(ErrInvalidDescriptor, "%s reuses attribute location %d", what, a.Location)
		}
	}
	names.Clear()
	for _, u := range desc.Uniforms {
		if u.Type == driver.UniformInvalid {
			return errors.Wrapf(ErrInvalidDescriptor, "%s uniform %q has no type", what, u.Name)
		}
		if !names.Add(u.Name) {
			return errors.Wrapf(ErrInvalidDescriptor, "%s declares uniform %q twice", what, u.Name)
		}
		if u.Type == UniformBlock {
			if err := c.caps.Require(what+" uniform block "+u.Name, CapUniformBlocks); err != nil {
				return err
			}
		}
	}
	if len(desc.Varyings) > 0 {
		if err := c.caps.Require(what, CapTransformFeedback); err != nil {
			return err
		}
	}
	names.Clear()
	for _, v := range desc.Varyings {
		if !v.Format.Valid() || !names.Add(v.Name) {
			return errors.Wrapf(ErrInvalidDescriptor, "%s has invalid or duplicate varying %q", what, v.Name)
		}
	}
	return nil
}

// ID returns the driver id.
func (p *Program) ID() driver.ProgramID { return p.id }

// Label returns the debug label.
func (p *Program) Label() string { return p.label }

// Stages returns the program's stages.
func (p *Program) Stages() Stage { return p.stages }

// Attributes returns the declared vertex inputs.
func (p *Program) Attributes() []ProgramAttribute { return p.attrs }

// Uniforms returns the declared uniform slots.
func (p *Program) Uniforms() []ProgramUniform { return p.uniforms }

// Varyings returns the transform feedback outputs.
func (p *Program) Varyings() []Varying { return p.varyings }

// Released reports whether Release was called.
func (p *Program) Released() bool { return p != nil && p.released.Load() }

func (p *Program) owner() *Context {
	if p == nil {
		return nil
	}
	return p.ctx
}

func (p *Program) describe() string {
	if p == nil {
		return "program"
	}
	return fmt.Sprintf("program %q", p.label)
}

// Release destroys the program. A second call fails with ErrReleased.
func (p *Program) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrReleased, "program %q released twice", p.label)
	}
	p.cleanup.Stop()
	if !p.ctx.unregister(resourceProgram, uint64(p.id)) {
		return errors.Wrapf(ErrContextClosed, "release program %q", p.label)
	}
	p.ctx.drv.DestroyProgram(p.id)
	return nil
}
