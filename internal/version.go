package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of syncroom.
const Version = "0.4.0"

// VersionString describes the binary for the version command.
func VersionString() string {
	return fmt.Sprintf("syncroom v%s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
