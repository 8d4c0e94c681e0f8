// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Version is a driver API version and whether it is the embedded (ES)
// flavour rather than desktop GL.
type Version struct {
	ES    bool
	Major int
	Minor int
}

// AtLeast reports whether the version is greater or equal to major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// AtLeastES reports whether v is ES and at least major.minor.
func (v Version) AtLeastES(major, minor int) bool {
	return v.ES && v.AtLeast(major, minor)
}

// AtLeastGL reports whether v is desktop GL and at least major.minor.
func (v Version) AtLeastGL(major, minor int) bool {
	return !v.ES && v.AtLeast(major, minor)
}

func (v Version) String() string {
	if v.ES {
		return fmt.Sprintf("ES %d.%d", v.Major, v.Minor)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

var versionRe = regexp.MustCompile(`^(OpenGL ES.*? )?(\d+)\.(\d+)`)

// ParseVersion parses a GL_VERSION style string such as
// "4.6.0 NVIDIA 535.54" or "OpenGL ES 3.2 Mesa 23.1".
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, errors.Newf("unknown version format %q", s)
	}
	major, _ := strconv.Atoi(m[2])
	minor, _ := strconv.Atoi(m[3])
	return Version{ES: m[1] != "", Major: major, Minor: minor}, nil
}
