// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package sim

import (
	"embed"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/gpusafe/driver"
)

// Profile is the identity a simulated driver reports: a version string, an
// extension list and limits. Profiles are written in TOML:
//
//	name = "gl33"
//	version = "3.3.0 Mesa 23.1.4"
//	extensions = ["GL_ARB_sync"]
//
//	[limits]
//	max_texture_size = 16384
type Profile struct {
	Name       string        `toml:"name"`
	Version    string        `toml:"version"`
	Renderer   string        `toml:"renderer"`
	Extensions []string      `toml:"extensions"`
	Limits     driver.Limits `toml:"limits"`
}

// Info converts the profile to the driver's raw info.
func (p Profile) Info() driver.Info {
	return driver.Info{
		Version:    p.Version,
		Renderer:   p.Renderer,
		Extensions: slices.Clone(p.Extensions),
		Limits:     p.Limits,
	}
}

// ParseProfile decodes a TOML profile. Limits left out of the document
// take the GL 2.0 minimums.
func ParseProfile(data []byte) (Profile, error) {
	p := Profile{Limits: driver.DefaultLimits()}
	if err := toml.Unmarshal(data, &p); err != nil {
		return Profile{}, errors.Wrap(err, "sim: parse profile")
	}
	if p.Version == "" {
		return Profile{}, errors.New("sim: profile has no version")
	}
	return p, nil
}

// LoadProfile reads a TOML profile from disk.
func LoadProfile(file string) (Profile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Profile{}, errors.Wrapf(err, "sim: read profile %s", file)
	}
	return ParseProfile(data)
}

//go:embed profiles/*.toml
var builtinFS embed.FS

// Builtin returns one of the bundled profiles: gl46, gl33, gl21-storage,
// es32, es20 or gl14.
func Builtin(name string) (Profile, error) {
	data, err := builtinFS.ReadFile(path.Join("profiles", name+".toml"))
	if err != nil {
		return Profile{}, errors.Newf("sim: no builtin profile %q", name)
	}
	return ParseProfile(data)
}

// MustBuiltin is like Builtin but panics on error.
func MustBuiltin(name string) Profile {
	p, err := Builtin(name)
	if err != nil {
		panic(err)
	}
	return p
}

// BuiltinNames lists the bundled profiles.
func BuiltinNames() []string {
	entries, _ := builtinFS.ReadDir("profiles")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	return names
}
