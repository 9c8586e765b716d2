package mountctl

import (
	"fmt"
	"strings"
)

// UnitName derives the systemd mount unit for a mount path the way
// systemd-escape does for the common case: strip the leading slash, join
// segments with dashes, escape embedded dashes.
func UnitName(mountpoint string) string {
	trimmed := strings.Trim(mountpoint, "/")
	if trimmed == "" {
		return "-.mount"
	}
	segs := strings.Split(trimmed, "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(s, "-", "\\x2d")
	}
	return strings.Join(segs, "-") + ".mount"
}

// LegacyUnitName is the naming scheme older releases generated: the final
// path segment alone. Both are removed before registering a mount.
func LegacyUnitName(mountpoint string) string {
	return fmt.Sprintf("%s.mount", LastSegment(mountpoint))
}

// LastSegment returns the final path segment of a mount path.
func LastSegment(mountpoint string) string {
	trimmed := strings.Trim(mountpoint, "/")
	if trimmed == "" {
		return "root"
	}
	segs := strings.Split(trimmed, "/")
	return segs[len(segs)-1]
}
