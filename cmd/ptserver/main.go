//go:build linux && amd64

package main

import (
	"os"

	"github.com/go-delve/ptserver/cmd/ptserver/cmds"
	"github.com/go-delve/ptserver/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
