// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gogpu/gpusafe/driver"
)

// Capability is an optional driver feature. The set is closed: every
// capability-dependent branch in gpusafe switches over these values.
type Capability uint8

// Capabilities.
const (
	// CapExplicitSync: fence (sync) objects. GL 3.2, ES 3.0, ARB_sync, APPLE_sync.
	CapExplicitSync Capability = iota
	// CapImmutableStorage: fixed-size buffer storage. GL 4.4, ARB/EXT_buffer_storage.
	CapImmutableStorage
	// CapPersistentMapping: buffers that stay mapped while the GPU uses them.
	// Derived: needs both buffer storage and explicit sync.
	CapPersistentMapping
	// CapMapBufferRange: mapping a sub-range of a buffer.
	CapMapBufferRange
	// CapIntegralTextures: unnormalized integer texture formats.
	CapIntegralTextures
	// CapFloatTextures: floating-point colour formats.
	CapFloatTextures
	// CapDepthTextures: depth formats usable as textures.
	CapDepthTextures
	// CapInstancing: instanced draws and per-instance attributes.
	CapInstancing
	// CapTessellation: tessellation stages and patch primitives.
	CapTessellation
	// CapTransformFeedback: capturing vertex outputs into buffers.
	CapTransformFeedback
	// CapDrawBaseVertex: indexed draws with a base vertex.
	CapDrawBaseVertex
	// CapIndexUint32: 32-bit indices.
	CapIndexUint32
	// CapIndexUint8: 8-bit indices.
	CapIndexUint8
	// CapTriangleFans: the triangle fan primitive.
	CapTriangleFans
	// CapUniformBlocks: uniform blocks backed by buffers.
	CapUniformBlocks
	// CapGeometryShaders: the geometry stage.
	CapGeometryShaders

	numCapabilities
)

var capabilityNames = [numCapabilities]string{
	CapExplicitSync:      "ExplicitSync",
	CapImmutableStorage:  "ImmutableStorage",
	CapPersistentMapping: "PersistentMapping",
	CapMapBufferRange:    "MapBufferRange",
	CapIntegralTextures:  "IntegralTextures",
	CapFloatTextures:     "FloatTextures",
	CapDepthTextures:     "DepthTextures",
	CapInstancing:        "Instancing",
	CapTessellation:      "Tessellation",
	CapTransformFeedback: "TransformFeedback",
	CapDrawBaseVertex:    "DrawBaseVertex",
	CapIndexUint32:       "IndexUint32",
	CapIndexUint8:        "IndexUint8",
	CapTriangleFans:      "TriangleFans",
	CapUniformBlocks:     "UniformBlocks",
	CapGeometryShaders:   "GeometryShaders",
}

func (c Capability) String() string {
	if c < numCapabilities {
		return capabilityNames[c]
	}
	return fmt.Sprintf("Capability(%d)", uint8(c))
}

// AllCapabilities lists every capability in declaration order.
func AllCapabilities() []Capability {
	all := make([]Capability, numCapabilities)
	for i := range all {
		all[i] = Capability(i)
	}
	return all
}

// PortabilitySubset is advertised by drivers layered on APIs that lack
// some GL features (triangle fans, 8-bit indices).
const PortabilitySubset = "GL_GOGPU_portability_subset"

// capRule derives one capability. A capability holds when the version
// reaches the minimum for its flavour or any listed extension is present,
// all required capabilities hold, and no removing extension is present.
type capRule struct {
	gl, es       [2]int // zero: never by version
	glExt, esExt []string
	requires     []Capability
	removedBy    []string
}

var capRules = [numCapabilities]capRule{
	CapExplicitSync: {
		gl: [2]int{3, 2}, glExt: []string{"GL_ARB_sync"},
		es: [2]int{3, 0}, esExt: []string{"GL_APPLE_sync"},
	},
	CapImmutableStorage: {
		gl: [2]int{4, 4}, glExt: []string{"GL_ARB_buffer_storage"},
		esExt: []string{"GL_EXT_buffer_storage"},
	},
	CapPersistentMapping: {
		requires: []Capability{CapImmutableStorage, CapExplicitSync},
	},
	CapMapBufferRange: {
		gl: [2]int{3, 0}, glExt: []string{"GL_ARB_map_buffer_range"},
		es: [2]int{3, 0}, esExt: []string{"GL_EXT_map_buffer_range"},
	},
	CapIntegralTextures: {
		gl: [2]int{3, 0}, glExt: []string{"GL_EXT_texture_integer"},
		es: [2]int{3, 0},
	},
	CapFloatTextures: {
		gl: [2]int{3, 0}, glExt: []string{"GL_ARB_texture_float"},
		es: [2]int{3, 0}, esExt: []string{"GL_OES_texture_float"},
	},
	CapDepthTextures: {
		gl: [2]int{1, 4}, glExt: []string{"GL_ARB_depth_texture"},
		es: [2]int{3, 0}, esExt: []string{"GL_OES_depth_texture"},
	},
	CapInstancing: {
		gl: [2]int{3, 3}, glExt: []string{"GL_ARB_instanced_arrays"},
		es: [2]int{3, 0}, esExt: []string{"GL_ANGLE_instanced_arrays", "GL_EXT_instanced_arrays"},
	},
	CapTessellation: {
		gl: [2]int{4, 0}, glExt: []string{"GL_ARB_tessellation_shader"},
		es: [2]int{3, 2}, esExt: []string{"GL_EXT_tessellation_shader", "GL_OES_tessellation_shader"},
	},
	CapTransformFeedback: {
		gl: [2]int{3, 0}, glExt: []string{"GL_EXT_transform_feedback"},
		es: [2]int{3, 0},
	},
	CapDrawBaseVertex: {
		gl: [2]int{3, 2}, glExt: []string{"GL_ARB_draw_elements_base_vertex"},
		es: [2]int{3, 2}, esExt: []string{"GL_EXT_draw_elements_base_vertex", "GL_OES_draw_elements_base_vertex"},
	},
	CapIndexUint32: {
		gl: [2]int{1, 0},
		es: [2]int{3, 0}, esExt: []string{"GL_OES_element_index_uint"},
	},
	CapIndexUint8: {
		gl: [2]int{1, 0}, es: [2]int{1, 0},
		removedBy: []string{PortabilitySubset},
	},
	CapTriangleFans: {
		gl: [2]int{1, 0}, es: [2]int{1, 0},
		removedBy: []string{PortabilitySubset},
	},
	CapUniformBlocks: {
		gl: [2]int{3, 1}, glExt: []string{"GL_ARB_uniform_buffer_object"},
		es: [2]int{3, 0},
	},
	CapGeometryShaders: {
		gl: [2]int{3, 2}, glExt: []string{"GL_ARB_geometry_shader4"},
		es: [2]int{3, 2}, esExt: []string{"GL_EXT_geometry_shader", "GL_OES_geometry_shader"},
	},
}

// baselineExtensions stand in for GL 2.0 on a GL 1.5 driver.
var baselineExtensions = []string{
	"GL_ARB_shader_objects",
	"GL_ARB_vertex_shader",
	"GL_ARB_fragment_shader",
}

// CapabilityTable is the immutable result of negotiating with a driver.
// It is safe for concurrent reads.
type CapabilityTable struct {
	rawVersion string
	version    Version
	renderer   string
	extensions mapset.Set[string]
	caps       uint64
	limits     driver.Limits
}

// Negotiate derives a CapabilityTable from the driver's raw info. It is a
// pure function: the same info always yields an equal table. It fails with
// ErrUnsupportedDriver when the version cannot be parsed or is below
// GL 2.0 / ES 2.0 (GL 1.5 with the shader object extensions also passes).
func Negotiate(info driver.Info) (*CapabilityTable, error) {
	v, err := ParseVersion(info.Version)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "negotiate"), ErrUnsupportedDriver)
	}
	ext := mapset.NewThreadUnsafeSet(info.Extensions...)
	if !meetsBaseline(v, ext) {
		return nil, errors.Wrapf(ErrUnsupportedDriver, "version %s (%q) is below the GL 2.0 / ES 2.0 baseline", v, info.Version)
	}

	t := &CapabilityTable{
		rawVersion: info.Version,
		version:    v,
		renderer:   info.Renderer,
		extensions: ext,
		limits:     withDefaultLimits(info.Limits),
	}
	// Rules without requirements first, then derived ones.
	for pass := 0; pass < 2; pass++ {
		for c := Capability(0); c < numCapabilities; c++ {
			r := &capRules[c]
			if (len(r.requires) > 0) != (pass == 1) {
				continue
			}
			if t.derive(r) {
				t.caps |= 1 << c
			}
		}
	}
	return t, nil
}

func meetsBaseline(v Version, ext mapset.Set[string]) bool {
	if v.ES {
		return v.AtLeast(2, 0)
	}
	if v.AtLeast(2, 0) {
		return true
	}
	return v.AtLeast(1, 5) && ext.Contains(baselineExtensions...)
}

func (t *CapabilityTable) derive(r *capRule) bool {
	for _, name := range r.removedBy {
		if t.extensions.Contains(name) {
			return false
		}
	}
	if len(r.requires) > 0 {
		for _, c := range r.requires {
			if !t.Supports(c) {
				return false
			}
		}
		return true
	}
	minimum, exts := r.gl, r.glExt
	if t.version.ES {
		minimum, exts = r.es, r.esExt
	}
	if minimum != [2]int{} && t.version.AtLeast(minimum[0], minimum[1]) {
		return true
	}
	for _, name := range exts {
		if t.extensions.Contains(name) {
			return true
		}
	}
	return false
}

func withDefaultLimits(l driver.Limits) driver.Limits {
	d := driver.DefaultLimits()
	if l.MaxTextureSize == 0 {
		l.MaxTextureSize = d.MaxTextureSize
	}
	if l.MaxViewportWidth == 0 {
		l.MaxViewportWidth = d.MaxViewportWidth
	}
	if l.MaxViewportHeight == 0 {
		l.MaxViewportHeight = d.MaxViewportHeight
	}
	if l.MaxVertexAttribs == 0 {
		l.MaxVertexAttribs = d.MaxVertexAttribs
	}
	if l.MaxColorAttachments == 0 {
		l.MaxColorAttachments = d.MaxColorAttachments
	}
	return l
}

// Supports reports whether the capability is present.
func (t *CapabilityTable) Supports(c Capability) bool {
	return c < numCapabilities && t.caps&(1<<c) != 0
}

// Require returns an ErrCapabilityMissing error naming the first absent
// capability, or nil when all are present.
func (t *CapabilityTable) Require(what string, caps ...Capability) error {
	for _, c := range caps {
		if !t.Supports(c) {
			return errors.Wrapf(ErrCapabilityMissing, "%s needs %s (driver %s)", what, c, t.version)
		}
	}
	return nil
}

// Version returns the parsed driver version.
func (t *CapabilityTable) Version() Version { return t.version }

// RawVersion returns the version string the driver reported.
func (t *CapabilityTable) RawVersion() string { return t.rawVersion }

// Renderer returns the device name the driver reported.
func (t *CapabilityTable) Renderer() string { return t.renderer }

// Limits returns the driver limits, with zero entries raised to the
// GL 2.0 minimums.
func (t *CapabilityTable) Limits() driver.Limits { return t.limits }

// HasExtension reports whether the driver advertised the extension.
func (t *CapabilityTable) HasExtension(name string) bool {
	return t.extensions.Contains(name)
}

// Extensions returns the advertised extensions, sorted.
func (t *CapabilityTable) Extensions() []string {
	ext := t.extensions.ToSlice()
	slices.Sort(ext)
	return ext
}

// Capabilities returns the supported capabilities in declaration order.
func (t *CapabilityTable) Capabilities() []Capability {
	var caps []Capability
	for c := Capability(0); c < numCapabilities; c++ {
		if t.Supports(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

// Equal reports whether two tables describe the same driver.
func (t *CapabilityTable) Equal(o *CapabilityTable) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.rawVersion == o.rawVersion &&
		t.version == o.version &&
		t.renderer == o.renderer &&
		t.caps == o.caps &&
		t.limits == o.limits &&
		t.extensions.Equal(o.extensions)
}

func (t *CapabilityTable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "version=%s caps=[", t.version)
	for i, c := range t.Capabilities() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(c.String())
	}
	sb.WriteByte(']')
	return sb.String()
}
