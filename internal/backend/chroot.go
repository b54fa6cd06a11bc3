package backend

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// Chroot is the backend variant that runs a build inside
// <home>/build-<id>/chroot-autobuild, entered via sudo chroot.
type Chroot struct {
	Config
	// Root is the build tree's chroot-autobuild directory.
	Root string
}

// NewChroot returns a Chroot backend rooted at root.
func NewChroot(root, series, arch string, constraints []string) *Chroot {
	return &Chroot{
		Config: Config{VariantName: "chroot", SeriesName: series, ArchName: arch, ConstraintTags: constraints},
		Root:   root,
	}
}

// Create is the host-side half of unpack-chroot: the in-target helper
// performs the actual unpacking, so Create only ensures the mountpoint
// directory Root exists; tarballPath is not read.
func (c *Chroot) Create(tarballPath string) error {
	if err := os.MkdirAll(c.Root, 0755); err != nil {
		return xerrors.Errorf("chroot: %w", err)
	}
	return nil
}

// Start and Stop are no-ops for chroot: there is no daemon to start, only
// the mount-chroot/umount-chroot in-target subcommands, which the state
// machine invokes directly as payload subprocesses.
func (c *Chroot) Start() error { return nil }
func (c *Chroot) Stop() error  { return nil }

// Remove deletes the chroot tree. Actual removal is normally delegated to
// the remove-build in-target helper (which needs root to unlink files
// owned by the build user); this is a best-effort fallback for fake/test
// use and for orphaned chroots.
func (c *Chroot) Remove() error {
	if err := os.RemoveAll(c.Root); err != nil {
		return xerrors.Errorf("chroot: remove: %w", err)
	}
	return nil
}

// Run execs argv[0] inside the chroot via "sudo chroot <root> linux64
// env <...> argv...", matching how launchpad-buildd's chroot backend
// enters the target to run in-target subcommands.
func (c *Chroot) Run(ctx context.Context, argv []string, opts RunOptions) (RunResult, error) {
	full := append([]string{"chroot", c.Root, "linux64"}, envPrefix(opts.Env)...)
	full = append(full, argv...)
	return runCommand(ctx, "sudo", full, RunOptions{Cwd: opts.Cwd, Stdin: opts.Stdin, GetOutput: opts.GetOutput})
}

// envPrefix turns ["K=V", ...] into ["env", "K=V", ...] for splicing
// after "linux64" in the chroot invocation; an empty env list is elided
// so the chroot's own default environment applies.
func envPrefix(env []string) []string {
	if len(env) == 0 {
		return nil
	}
	return append([]string{"env"}, env...)
}

func (c *Chroot) hostPath(targetPath string) string {
	return filepath.Join(c.Root, targetPath)
}

// CopyIn copies a host file into the chroot; since the chroot directory
// is directly visible on the host, this is a plain file copy.
func (c *Chroot) CopyIn(hostPath, targetPath string) error {
	return copyFile(hostPath, c.hostPath(targetPath))
}

// CopyOut copies a file out of the chroot back to the host.
func (c *Chroot) CopyOut(targetPath, hostPath string) error {
	return copyFile(c.hostPath(targetPath), hostPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Errorf("chroot: copy: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return xerrors.Errorf("chroot: copy: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return xerrors.Errorf("chroot: copy: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Errorf("chroot: copy: %w", err)
	}
	return out.Close()
}

func (c *Chroot) PathExists(path string) (bool, error) {
	_, err := os.Lstat(c.hostPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.Errorf("chroot: %w", err)
}

func (c *Chroot) IsLink(path string) (bool, error) {
	fi, err := os.Lstat(c.hostPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Errorf("chroot: %w", err)
	}
	return fi.Mode()&os.ModeSymlink != 0, nil
}

func (c *Chroot) ListDir(path string) ([]string, error) {
	entries, err := ioutil.ReadDir(c.hostPath(path))
	if err != nil {
		return nil, xerrors.Errorf("chroot: listdir: %w", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return sortedNames(names), nil
}

func (c *Chroot) Find(root string, includeDirectories bool) ([]string, error) {
	return walkNames(c.hostPath(root), includeDirectories)
}

func (c *Chroot) Open(path string, flag int) (ScopedFile, error) {
	f, err := os.OpenFile(c.hostPath(path), flag, 0644)
	if err != nil {
		return nil, xerrors.Errorf("chroot: open: %w", err)
	}
	return f, nil
}

func (c *Chroot) IsPackageAvailable(name string) (bool, error) {
	res, err := c.Run(context.Background(), []string{"dpkg-query", "-W", "-f=${Status}", name}, RunOptions{GetOutput: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0 && bytes.Contains(res.Stdout, []byte("install ok installed")), nil
}

func (c *Chroot) BuildPath() string { return c.Root }

var _ Backend = (*Chroot)(nil)
