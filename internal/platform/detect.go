package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "voxd"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// Dirs holds the on-disk locations the server writes to.
type Dirs struct {
	Models  string
	Uploads string
	Results string
}

// DefaultDirsFor lays out models, uploads and results under the per-user
// data directory for goos.
func DefaultDirsFor(goos, homeDir, xdgDataHome string) (Dirs, error) {
	dataDir, err := DataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return Dirs{}, err
	}
	return Dirs{
		Models:  filepath.Join(dataDir, "models"),
		Uploads: filepath.Join(dataDir, "uploads"),
		Results: filepath.Join(dataDir, "results"),
	}, nil
}

func DefaultDirs() (Dirs, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve user home: %w", err)
	}
	return DefaultDirsFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	dirs, err := DefaultDirs()
	if err != nil {
		return "", err
	}
	return dirs.Models, nil
}

// EnsureDir creates dir (and parents) with mode 0755.
func EnsureDir(dir string) error {
	if dir == "" {
		return errors.New("directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func DataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux", "freebsd":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appDir), nil
		}
		return filepath.Join(homeDir, ".local", "share", appDir), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appDir), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
