// Package version provides the bridge release version and the UPnP product
// tokens derived from it.
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Version is the bridge release, "major.minor".
const Version = "1.0"

// Product is the product token name used in USER-AGENT headers.
const Product = "upnp-bridge"

// UPnPVersion is the UPnP Device Architecture version the bridge speaks.
const UPnPVersion = "1.1"

// Number represents a parsed "major.minor" version.
type Number struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (Number, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Number{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return Number{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return Number{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return Number{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns the version as "major.minor".
func (v Number) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v Number) Compatible(other Number) bool {
	return v.Major == other.Major
}

// Compatible reports whether a peer bridge announcing version s can share a
// topic prefix with this one. Unparseable versions are incompatible.
func Compatible(s string) bool {
	other, err := Parse(s)
	if err != nil {
		return false
	}
	current, _ := Parse(Version)
	return current.Compatible(other)
}

// UserAgent returns the USER-AGENT header value for GENA requests:
// "OS/version UPnP/1.1 upnp-bridge/1.0".
func UserAgent() string {
	return fmt.Sprintf("%s/%s UPnP/%s %s/%s",
		runtime.GOOS, strings.TrimPrefix(runtime.Version(), "go"), UPnPVersion, Product, Version)
}
