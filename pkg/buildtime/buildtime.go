package buildtime

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var version string

//go:embed revision
var revision string

func init() {
	version = strings.TrimSpace(version)
	revision = strings.TrimSpace(revision)
}

// version and revision of this halyard build, for `halyard version`.
func VersionString() string {
	return version + " (commit: " + revision + ")"
}
