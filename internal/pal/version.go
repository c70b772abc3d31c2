package pal

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// AppVersion is the running firmware version. Packed into 32 bits it is
// major<<24 | minor<<16 | build.
type AppVersion struct {
	Major uint8
	Minor uint8
	Build uint16
}

// ParseAppVersion parses a semantic version "major.minor.build". A leading
// "v" is allowed, a missing build number is zero and build metadata
// ("+g1234abc") is ignored. Pre-release versions cannot be packed and are
// refused.
func ParseAppVersion(s string) (AppVersion, error) {
	norm := strings.TrimPrefix(strings.TrimSpace(s), "v")
	core, meta, hasMeta := strings.Cut(norm, "+")
	if strings.Count(core, ".") == 1 {
		core += ".0"
	}
	if hasMeta {
		core += "+" + meta
	}
	sv, err := semver.NewVersion(core)
	if err != nil {
		return AppVersion{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if sv.PreRelease != "" {
		return AppVersion{}, fmt.Errorf("invalid version %q: pre-release not supported", s)
	}
	if sv.Major > 0xFF || sv.Minor > 0xFF || sv.Patch > 0xFFFF {
		return AppVersion{}, fmt.Errorf("invalid version %q: out of range for major.minor (8 bit) and build (16 bit)", s)
	}
	return AppVersion{Major: uint8(sv.Major), Minor: uint8(sv.Minor), Build: uint16(sv.Patch)}, nil
}

// AppVersionFromUint32 unpacks a version packed by Uint32.
func AppVersionFromUint32(v uint32) AppVersion {
	return AppVersion{Major: uint8(v >> 24), Minor: uint8(v >> 16), Build: uint16(v)}
}

func (v AppVersion) Uint32() uint32 {
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Build)
}

func (v AppVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}
