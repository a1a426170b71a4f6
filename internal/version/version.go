package version

import (
	"runtime/debug"
	"strings"
)

const defaultModule = "pkt.systems/bapd"

// buildVersion is injected with -ldflags "-X pkt.systems/bapd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// Read collects build information, preferring the ldflags version.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
		if info.Version == "" {
			if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
				info.Version = v
			}
		}
	}
	if info.Version == "" {
		info.Version = "v0.0.0-dev"
		if rev := info.Revision; rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			info.Version += "+" + rev
		}
	}
	return info
}

// Current returns the version string of the running binary.
func Current() string {
	return Read().Version
}

// UserAgent is sent on outbound protocol and registry requests.
func UserAgent() string {
	return "bapd/" + Current()
}
