package main

import (
	"os"
	"path/filepath"
)

const appName = "fruitmap"

// xdgCacheDir returns $XDG_CACHE_HOME or falls back to $HOME/.cache.
func xdgCacheDir() string {
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return d
	}
	return homeFallback(".cache")
}

// xdgDataDir returns $XDG_DATA_HOME or falls back to $HOME/.local/share.
func xdgDataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return d
	}
	return homeFallback(".local", "share")
}

func homeFallback(parts ...string) string {
	home := os.Getenv("HOME")
	if home == "" {
		// Last resort: current working directory
		cwd, _ := os.Getwd()
		home = cwd
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// resolveDir picks the flag override or <xdgBase>/fruitmap and creates it.
// Failure to create is logged by the caller; the path is still returned.
func resolveDir(override, xdgBase string) (string, error) {
	dir := override
	if dir == "" {
		dir = filepath.Join(xdgBase, appName)
	}
	return dir, ensureDir(dir)
}

// ensureDir creates the directory and any necessary parents if it doesn't exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
