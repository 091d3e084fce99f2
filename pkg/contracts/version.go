// Package contracts holds the wire types shared between the ScanMaster
// client, the license verification server, and the issuing tools. These
// types are the single source of truth for the verification protocol.
package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the application
	Version = "1.4.0"

	// APIVersion is the version of the verification API
	APIVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// FullVersion returns the version with build metadata
func FullVersion() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}

// UserAgent returns the User-Agent string for outbound requests
func UserAgent() string {
	return fmt.Sprintf("scanmaster/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
