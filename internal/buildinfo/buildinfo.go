// Package buildinfo exposes version metadata stamped at link time, with
// runtime VCS settings as fallback for `go install` builds.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Linker-overridable build metadata.
var (
	Version = "0.1.0"
	Commit  = ""
	Date    = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

// Current returns build metadata from linker overrides, falling back to
// runtime build settings when available.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			v := strings.TrimSpace(s.Value)
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = v
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = v
				}
			case "vcs.modified":
				info.Dirty = strings.EqualFold(v, "true")
			}
		}
	}

	if parsed, err := time.Parse(time.RFC3339, info.Date); err == nil {
		info.Date = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	if info.Version == "" {
		info.Version = "unknown"
	}
	return info
}

// Short returns the one-line form used by `taskloop version`.
func (i Info) Short() string {
	out := i.Version
	if i.Commit != "" {
		c := i.Commit
		if len(c) > 12 {
			c = c[:12]
		}
		if i.Dirty {
			c += "-dirty"
		}
		out = fmt.Sprintf("%s (%s)", out, c)
	}
	return out
}
