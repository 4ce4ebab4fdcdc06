// Package version reports the release and the source revision of the
// ptserver binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Release is the ptserver release.
	Release = "0.3.0"
	// Build is the revision the binary was built from. When the linker did
	// not set it, the revision recorded by the go tool is used.
	Build = ""
)

// String returns the two lines printed by the version command.
func String() string {
	return fmt.Sprintf("Version: %s\nBuild: %s", Release, revision())
}

func revision() string {
	if Build != "" {
		return Build
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	rev, dirty := "", false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// Modules lists the go toolchain followed by the modules linked into the
// binary, one per line.
func Modules() string {
	var sb strings.Builder
	sb.WriteString(runtime.Version())
	info, ok := debug.ReadBuildInfo()
	if !ok {
		sb.WriteString("\nnot built in module mode")
		return sb.String()
	}
	fmt.Fprintf(&sb, "\n%s %s", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(&sb, "\n  %s %s", dep.Path, dep.Version)
	}
	return sb.String()
}
