// Package env captures details about the worker's on-disk layout: its home
// directory and the sharepath holding the builder-prep/in-target helper
// binaries.
package env

import (
	"os"
	"path/filepath"
)

// Home is the worker's home directory; build trees live at
// Home/build-<id>.
var Home = findHome()

// SharePath holds the in-target helper binaries (builder-prep, in-target).
var SharePath = findSharePath()

func findHome() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.ExpandEnv("$HOME")
}

func findSharePath() string {
	if s := os.Getenv("BUILDD_SHAREPATH"); s != "" {
		return s
	}
	return "/usr/share/launchpad-buildd"
}

// BuilderPrepPath is the path to the builder-prep helper.
func BuilderPrepPath() string {
	return filepath.Join(SharePath, "bin", "builder-prep")
}

// InTargetPath is the path to the in-target dispatcher helper.
func InTargetPath() string {
	return filepath.Join(SharePath, "bin", "in-target")
}

// HelperPath is the path to an arbitrary helper under the sharepath's
// bin directory (sbuild-package, buildrecipe, ...).
func HelperPath(name string) string {
	return filepath.Join(SharePath, "bin", name)
}

// BuildPath returns the build tree path for a given build id, optionally
// joined with further path segments.
func BuildPath(home, buildID string, extra ...string) string {
	parts := append([]string{home, "build-" + buildID}, extra...)
	return filepath.Join(parts...)
}
