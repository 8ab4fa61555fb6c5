package version

import (
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Set through -ldflags at release time.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the build description reported by `voxd version` and /health.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

var (
	resolveOnce sync.Once
	resolved    string
)

// Resolve returns the full version string, appending a git-derived suffix
// for development builds run from inside a checkout that is not on a
// release tag. The result is computed once per process.
func Resolve() string {
	resolveOnce.Do(func() {
		resolved = resolveVersion(Version, runGit)
	})
	return resolved
}

func Current() Info {
	return Info{
		Version:   Resolve(),
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString("voxd v")
	b.WriteString(i.Version)
	if i.Commit != "" && i.Commit != "unknown" {
		b.WriteString(" (")
		b.WriteString(i.Commit)
		if i.Date != "" && i.Date != "unknown" {
			b.WriteString(", ")
			b.WriteString(i.Date)
		}
		b.WriteString(")")
	}
	return b.String()
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}
	if Commit != "unknown" && Commit != "" {
		// Release builds carry their own metadata.
		return base
	}

	suffix := gitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func gitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
