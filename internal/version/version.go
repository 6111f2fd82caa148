// Package version tracks build metadata for the application.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = Info{Version: "dev", GoVersion: runtime.Version()}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Missing
// fields fall back to the module build info embedded by the toolchain.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if bi, ok := debug.ReadBuildInfo(); ok {
		if v.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if v.Commit == "" {
					v.Commit = setting.Value
				}
			case "vcs.time":
				if v.BuildTime == "" {
					v.BuildTime = setting.Value
				}
			}
		}
	}
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
