// Package version reports what build of taskd is running.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/taskd"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/taskd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string    `json:"module"`
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	Committed time.Time `json:"committed,omitzero"`
	Modified  bool      `json:"modified,omitempty"`
}

var readBuild = sync.OnceValue(func() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Module: defaultModule, Version: unknownVersion}
	}
	return fromBuildInfo(info)
})

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{
		Module:    strings.TrimSpace(info.Main.Path),
		Version:   strings.TrimSpace(info.Main.Version),
		GoVersion: info.GoVersion,
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Revision = s.Value
		case "vcs.time":
			out.Committed, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	if out.Module == "" {
		out.Module = defaultModule
	}
	if out.Version == "" || out.Version == "(devel)" {
		out.Version = out.pseudo()
	}
	return out
}

// pseudo derives a Go pseudo-version from VCS stamping.
func (i Info) pseudo() string {
	if i.Revision == "" || i.Committed.IsZero() {
		return unknownVersion
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Committed.UTC().Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}

// Build returns the build description, with Version overridden by ldflags
// when set.
func Build() Info {
	info := readBuild()
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	return Build().Version
}

// Module returns the main module path.
func Module() string {
	return Build().Module
}

// Semver returns the vMAJOR.MINOR.PATCH prefix of Current, or v0.0.0 when
// Current is not a semantic version.
func Semver() string {
	core, ok := strings.CutPrefix(Current(), "v")
	if !ok {
		return "v0.0.0"
	}
	if idx := strings.IndexAny(core, "-+"); idx >= 0 {
		core = core[:idx]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return "v0.0.0"
	}
	for _, part := range parts {
		if part == "" || strings.Trim(part, "0123456789") != "" {
			return "v0.0.0"
		}
	}
	return "v" + core
}
