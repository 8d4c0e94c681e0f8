// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gogpu/gpusafe/driver"
)

// UniformValue is a typed value for one uniform slot. Build values with
// the constructors below; the zero value binds nothing.
type UniformValue struct {
	raw driver.UniformValue
	tex *Texture
	buf *Buffer
}

// Float returns a float uniform.
func Float(x float32) UniformValue {
	v := UniformValue{raw: driver.UniformValue{Type: UniformFloat}}
	v.raw.Floats[0] = x
	return v
}

// Vec2 returns a vec2 uniform.
func Vec2(x, y float32) UniformValue {
	return floats(UniformVec2, x, y)
}

// Vec3 returns a vec3 uniform.
func Vec3(x, y, z float32) UniformValue {
	return floats(UniformVec3, x, y, z)
}

// Vec4 returns a vec4 uniform.
func Vec4(x, y, z, w float32) UniformValue {
	return floats(UniformVec4, x, y, z, w)
}

// Mat2 returns a column-major mat2 uniform.
func Mat2(m [4]float32) UniformValue { return floats(UniformMat2, m[:]...) }

// Mat3 returns a column-major mat3 uniform.
func Mat3(m [9]float32) UniformValue { return floats(UniformMat3, m[:]...) }

// Mat4 returns a column-major mat4 uniform.
func Mat4(m [16]float32) UniformValue { return floats(UniformMat4, m[:]...) }

func floats(t UniformType, xs ...float32) UniformValue {
	v := UniformValue{raw: driver.UniformValue{Type: t}}
	copy(v.raw.Floats[:], xs)
	return v
}

// Int returns a signed integer uniform.
func Int(i int32) UniformValue {
	return UniformValue{raw: driver.UniformValue{Type: UniformInt, Int: i}}
}

// Uint returns an unsigned integer uniform.
func Uint(u uint32) UniformValue {
	return UniformValue{raw: driver.UniformValue{Type: UniformUint, Uint: u}}
}

// Sampler binds a texture with a normalized or float format.
func Sampler(t *Texture) UniformValue { return sampler(UniformSampler2D, t) }

// IntSampler binds a texture with a signed integral format.
func IntSampler(t *Texture) UniformValue { return sampler(UniformIntSampler2D, t) }

// UintSampler binds a texture with an unsigned integral format.
func UintSampler(t *Texture) UniformValue { return sampler(UniformUintSampler2D, t) }

func sampler(typ UniformType, t *Texture) UniformValue {
	v := UniformValue{raw: driver.UniformValue{Type: typ}, tex: t}
	if t != nil {
		v.raw.Texture = t.id
	}
	return v
}

// Block binds size bytes of b at offset to a uniform block. A zero size
// extends to the end of the buffer. The draw reads the range on the GPU.
func Block(b *Buffer, offset, size uint64) UniformValue {
	v := UniformValue{raw: driver.UniformValue{Type: UniformBlock, Offset: offset, Size: size}, buf: b}
	if b != nil {
		v.raw.Buffer = b.id
		if size == 0 && offset < b.size {
			v.raw.Size = b.size - offset
		}
	}
	return v
}

// Type returns the value's uniform type.
func (v UniformValue) Type() UniformType { return v.raw.Type }

// Texture returns the bound texture of a sampler value.
func (v UniformValue) Texture() *Texture { return v.tex }

// Buffer returns the bound buffer of a block value.
func (v UniformValue) Buffer() *Buffer { return v.buf }

// Equal reports whether two values would upload the same data.
func (v UniformValue) Equal(o UniformValue) bool { return v.raw == o.raw }

func (v UniformValue) String() string {
	switch t := v.raw.Type; {
	case t.IsSampler():
		return fmt.Sprintf("%s(%s)", t, v.tex.describe())
	case t == UniformBlock:
		return fmt.Sprintf("%s(%s %s)", t, v.buf.describe(), Region{v.raw.Offset, v.raw.Size})
	case t == UniformInt:
		return fmt.Sprintf("%s(%d)", t, v.raw.Int)
	case t == UniformUint:
		return fmt.Sprintf("%s(%d)", t, v.raw.Uint)
	default:
		return fmt.Sprintf("%s%v", t, v.raw.Floats[:t.Components()])
	}
}

// Uniforms maps uniform slot names to values.
type Uniforms map[string]UniformValue

// Names returns the bound slot names, sorted.
func (u Uniforms) Names() []string {
	return slices.Sorted(maps.Keys(u))
}

// uniformCache holds the values a program last uploaded. Uploads whose
// value equals the cached one are skipped.
type uniformCache struct {
	values map[string]driver.UniformValue
}

// changed returns the bindings that differ from the cache, in name order.
func (c *uniformCache) changed(u Uniforms) (out []driver.UniformBinding, skipped int) {
	for _, name := range u.Names() {
		raw := u[name].raw
		if old, ok := c.values[name]; ok && old == raw {
			skipped++
			continue
		}
		out = append(out, driver.UniformBinding{Name: name, Value: raw})
	}
	return out, skipped
}

// store records uploaded bindings.
func (c *uniformCache) store(b []driver.UniformBinding) {
	if c.values == nil {
		c.values = make(map[string]driver.UniformValue, len(b))
	}
	for _, u := range b {
		c.values[u.Name] = u.Value
	}
}
