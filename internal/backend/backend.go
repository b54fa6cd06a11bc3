// Package backend abstracts over the isolated environment a build runs
// in: a chroot, an LXD container, or (in tests) an in-memory fake. Every
// variant exposes the same small set of operations; the state machine in
// internal/statemachine never branches on which one is in use.
package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

// RunOptions configures Backend.Run.
type RunOptions struct {
	Env        []string
	Cwd        string
	Stdin      []byte
	GetOutput  bool
}

// RunResult is what Backend.Run returns. Stdout is only populated when
// RunOptions.GetOutput is set.
type RunResult struct {
	ExitCode int
	Stdout   []byte
}

// ScopedFile is a handle returned by Backend.Open: for backends where the
// target filesystem isn't directly mounted on the host (lxd), writes are
// buffered locally and uploaded back into the container on Close.
type ScopedFile interface {
	io.ReadWriteCloser
}

// Backend is the uniform operation set the build manager core drives a
// build environment through. Implementations: chroot, lxd, fake.
type Backend interface {
	Create(tarballPath string) error
	Start() error
	Stop() error
	Remove() error

	Run(ctx context.Context, argv []string, opts RunOptions) (RunResult, error)

	CopyIn(hostPath, targetPath string) error
	CopyOut(targetPath, hostPath string) error

	PathExists(path string) (bool, error)
	IsLink(path string) (bool, error)
	ListDir(path string) ([]string, error)
	Find(root string, includeDirectories bool) ([]string, error)
	Open(path string, flag int) (ScopedFile, error)

	IsPackageAvailable(name string) (bool, error)
	SupportsSnapd() bool

	BuildPath() string
	Constraints() []string
	Series() string
	Arch() string
	// Name identifies the backend variant ("chroot", "lxd", "fake"),
	// passed as the in-target helpers' --backend= flag.
	Name() string
}

// Config carries the properties shared by every backend variant; it is
// embedded into each concrete implementation.
type Config struct {
	VariantName    string
	SeriesName     string
	ArchName       string
	ConstraintTags []string
}

func (c Config) Name() string          { return c.VariantName }
func (c Config) Series() string        { return c.SeriesName }
func (c Config) Arch() string          { return c.ArchName }
func (c Config) Constraints() []string { return c.ConstraintTags }
func (c Config) SupportsSnapd() bool   { return true }

// runCommand is the shared synchronous exec helper used by the chroot and
// lxd variants: it is not the abort-aware Subprocess Supervisor (that
// drives the long-lived payload processes), just a blocking call used for
// bookkeeping probes like is_package_available and copy_in/copy_out.
func runCommand(ctx context.Context, name string, argv []string, opts RunOptions) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	var out bytes.Buffer
	if opts.GetOutput {
		cmd.Stdout = &out
		cmd.Stderr = &out
	}

	err := cmd.Run()
	result := RunResult{Stdout: out.Bytes()}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if xerrors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, xerrors.Errorf("backend: running %s: %w", name, err)
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}

// walkNames is shared by Find implementations over a real host-visible
// tree (chroot's build_path).
func walkNames(root string, includeDirectories bool) ([]string, error) {
	var names []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() && !includeDirectories {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("backend: find under %s: %w", root, err)
	}
	return sortedNames(names), nil
}
