// Package buildinfo reports which mcpdesk binary is running. The
// release build fills in the variables below with -ldflags -X; a plain
// go build leaves the placeholders.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the release build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is the build section of the UI server's status response and the
// JSON form of the version command.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is whole seconds since the binary started.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the first line of the version command's text output.
func String() string {
	return fmt.Sprintf("mcpdesk %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent identifies mcpdesk to completion endpoints and HTTP MCP
// servers.
func UserAgent() string {
	return fmt.Sprintf("mcpdesk/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
