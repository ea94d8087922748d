// Package version provides application version information.
// The values can be set at build time using ldflags:
//
//	go build -ldflags "-X github.com/ramonehamilton/mtgjson-loader/internal/version.Version=v1.2.3"
package version

import (
	"fmt"
	"runtime/debug"
)

// Build metadata, overridden at build time.
var (
	Version = "dev"
	Commit  = ""
)

// GetVersion returns the application version. A dev build installed with
// go install reports its module version instead.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// String returns the version with the commit, when known.
func String() string {
	if Commit == "" {
		return GetVersion()
	}
	return fmt.Sprintf("%s (%s)", GetVersion(), Commit)
}
