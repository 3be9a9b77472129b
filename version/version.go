// Package version holds build information, set with -ldflags "-X".
package version

import "fmt"

var Version = "0.1.0"
var BuildDate = "2026-10-16"

func GetVersion() string {
	return Version
}

func GetBuildDate() string {
	return BuildDate
}

// String is the one-line banner printed by the CLI.
func String() string {
	return fmt.Sprintf("resync %s (built %s)", Version, BuildDate)
}
