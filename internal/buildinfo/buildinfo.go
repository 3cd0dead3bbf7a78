// Package buildinfo carries version metadata set at link time.
package buildinfo

import "runtime/debug"

// Version is overridden with -ldflags "-X go2tv.app/castspeak/internal/buildinfo.Version=v1.2.3".
var Version = "dev"

// Resolved returns Version, falling back to the module version recorded by
// go install when no version was linked in.
func Resolved() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
