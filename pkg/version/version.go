// Package version reports the build version of the binaries.
package version

import (
	"embed"
	"io"
	"runtime/debug"
	"strings"
)

//go:embed version.*
var versions embed.FS

// Version is read from version.txt written by go generate, or from the
// module build info
var Version string = "unable to get version"

//go:generate sh -c "git describe --tags --always --dirty > version.txt"

func init() {
	f, err := versions.Open("version.txt")
	if err != nil {
		// go generate was not run, assuming installed by go install
		// get version information from debug
		inf, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		Version = inf.Main.Version
		return
	}
	s, err := io.ReadAll(f)
	if err != nil {
		return
	}
	Version = strings.TrimSpace(string(s))
}
