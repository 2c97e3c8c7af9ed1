// Package version хранит данные сборки, проставляемые через -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build - сведения о сборке бинарника.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Current возвращает данные сборки. Без -ldflags commit и date берутся из VCS-меток go build.
func Current() Build {
	b := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if b.Commit != "unknown" && b.Date != "unknown" {
		return b
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	return b.withSettings(info.Settings)
}

func (b Build) withSettings(settings []debug.BuildSetting) Build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && s.Value != "" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.Date == "unknown" && s.Value != "" {
				b.Date = s.Value
			}
		}
	}
	return b
}

func (b Build) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", b.Version, b.Commit, b.Date, b.GoVersion)
}

// Fields - поля сборки для стартовой записи в лог.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"date":    b.Date,
		"go":      b.GoVersion,
	}
}

// GetVersion - версия для health-ответов и --version.
func GetVersion() string { return version }

func Fields() log.Fields { return Current().Fields() }
