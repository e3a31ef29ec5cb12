package main

import (
	"runtime/debug"

	"github.com/vertexads/finsync/cmd"
)

// Version is set by the release build with -ldflags "-X main.Version=...".
var Version = "dev"

// buildVersion falls back to module and VCS info for go install and local
// builds: the module version when tagged, otherwise dev+<rev>[+dirty].
func buildVersion(v string) string {
	if v != "dev" && v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}

	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return v
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v = "dev+" + rev
	if dirty {
		v += "+dirty"
	}
	return v
}

func main() {
	cmd.SetVersion(buildVersion(Version))
	cmd.Execute()
}
