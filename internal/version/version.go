// Package version carries build metadata. The variables are set with
// -ldflags "-X" at build time and filled from the Go build info otherwise.
package version

import (
	"fmt"
	"runtime/debug"
)

const AppName = "linnemanlabs-cms"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	VCSDirty  *bool
)

type Info struct {
	AppName   string `json:"app"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	VCSDirty  *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		AppName:   AppName,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		VCSDirty:  VCSDirty,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				d := s.Value == "true"
				out.VCSDirty = &d
			}
		}
	}
	return out
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)",
		i.AppName, i.Version, i.Commit, i.BuildDate, i.GoVersion, i.VCSDirty != nil && *i.VCSDirty)
}
