// Package version reports the troved build.
package version

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Version describes a build of troved.
type Version struct {
	Major, Minor, Micro int
	Additional          string
	GitCommit           string
	GitTreeModified     string
	BuildDate           string
	GoVersion           string
	Platform            string
}

var (
	// Overwritten at build time by linker
	AppVersion = "0.0.0"

	// AdditionalVersion is the string provided at release time
	// The value is passed to the linker at build time
	//
	// DO NOT set the value of this variable here. For some reason, if
	// AdditionalVersion is set here, the go linker will not overwrite it.
	AdditionalVersion string

	// Current is the running build.
	Current = current()
)

func current() *Version {
	v := &Version{Additional: AdditionalVersion}
	v.Major, v.Minor, v.Micro = parse(AppVersion)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	v.GoVersion = info.GoVersion
	for _, kv := range info.Settings {
		switch kv.Key {
		case "vcs.revision":
			v.GitCommit = kv.Value
		case "vcs.time":
			v.BuildDate = kv.Value
		case "vcs.modified":
			v.GitTreeModified = kv.Value
		case "GOARCH":
			v.Platform = kv.Value
		}
	}
	return v
}

func parse(s string) (major, minor, micro int) {
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &micro); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 0, 0, 0
	}
	return major, minor, micro
}

// String returns a version string optionally tagged with metadata.
// For example: "1.2.3", or "1.2.3rc1" if Additional is "rc1".
func (v *Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Micro, v.Additional)
}
