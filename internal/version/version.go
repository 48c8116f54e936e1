// Package version carries the build version, set with
// -ldflags "-X github.com/fabian4/edgeproxy/internal/version.Version=v1.2.3".
package version

import "runtime/debug"

var Version = "dev"

// String returns Version, falling back to the module version recorded by
// go install.
func String() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}
