// Package buildinfo reports the masherd build. Release builds stamp the
// variables with -ldflags -X; other builds fall back to the VCS settings the
// Go toolchain records.
package buildinfo

import (
	"runtime/debug"
	"strings"
	"sync"

	"github.com/cordum/masher/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

var fillOnce sync.Once

func fill() {
	fillOnce.Do(func() {
		bi, ok := readBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "unknown" && len(s.Value) >= 12 {
					Commit = s.Value[:12]
				}
			case "vcs.time":
				if Date == "unknown" {
					Date = s.Value
				}
			case "vcs.modified":
				if s.Value == "true" && !strings.HasSuffix(Commit, "-dirty") && Commit != "unknown" {
					Commit += "-dirty"
				}
			}
		}
	})
}

// Release returns the resolved version string.
func Release() string {
	fill()
	return Version
}

// Info returns a single-line build summary.
func Info() string {
	fill()
	return "version=" + Version + " commit=" + Commit + " date=" + Date
}

// Log writes the build summary for service.
func Log(service string) {
	fill()
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
