package web

import "sync/atomic"

// BuildInfo identifies the running binary in /api/status
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var buildInfo atomic.Pointer[BuildInfo]

func init() {
	buildInfo.Store(&BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"})
}

// SetVersionInfo records the version reported by the API. cmd/osdp-cp calls
// it with values injected at link time.
func SetVersionInfo(version, commit, buildTime string) {
	buildInfo.Store(&BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})
}

// GetVersionInfo returns version, commit and build time
func GetVersionInfo() (string, string, string) {
	b := buildInfo.Load()
	return b.Version, b.Commit, b.BuildTime
}
