package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "satb"

// DefaultDataDir is where the trace archive lives when no directory is
// configured. It follows the platform's per-user data location and falls
// back to ./data when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return dataDirFor(runtime.GOOS, home, os.Getenv)
}

func dataDirFor(goos, home string, getenv func(string) string) string {
	if xdg := getenv("XDG_DATA_HOME"); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, appDir)
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "SATB")
	case "windows":
		if local := getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "SATB")
		}
		return filepath.Join(home, "AppData", "Local", "SATB")
	default:
		return filepath.Join(home, ".local", "share", appDir)
	}
}
