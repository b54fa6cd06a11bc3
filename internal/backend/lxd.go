package backend

import (
	"context"
	"io"
	"io/ioutil"
	"os"

	"golang.org/x/xerrors"
)

// LXD is the backend variant that runs a build inside an LXD container,
// driven entirely through the lxc CLI (no direct use of the LXD client
// library, matching how launchpad-buildd shells out to lxc rather than
// linking against liblxd).
type LXD struct {
	Config
	// Container is the LXD container name, conventionally "lp-<series>-<arch>".
	Container string
}

// NewLXD returns an LXD backend for the named container.
func NewLXD(container, series, arch string, constraints []string) *LXD {
	return &LXD{
		Config:    Config{VariantName: "lxd", SeriesName: series, ArchName: arch, ConstraintTags: constraints},
		Container: container,
	}
}

func (l *LXD) Create(tarballPath string) error {
	_, err := runCommand(context.Background(), "lxc",
		[]string{"init", tarballPath, l.Container}, RunOptions{GetOutput: true})
	return err
}

func (l *LXD) Start() error {
	_, err := runCommand(context.Background(), "lxc", []string{"start", l.Container}, RunOptions{GetOutput: true})
	return err
}

func (l *LXD) Stop() error {
	_, err := runCommand(context.Background(), "lxc", []string{"stop", "--force", l.Container}, RunOptions{GetOutput: true})
	return err
}

func (l *LXD) Remove() error {
	_, err := runCommand(context.Background(), "lxc", []string{"delete", "--force", l.Container}, RunOptions{GetOutput: true})
	return err
}

// Run execs argv inside the container via "lxc exec <container> -- argv".
// Per-call environment variables are passed with repeated --env flags
// since lxc exec has no equivalent of "env K=V cmd".
func (l *LXD) Run(ctx context.Context, argv []string, opts RunOptions) (RunResult, error) {
	full := []string{"exec", l.Container}
	for _, kv := range opts.Env {
		full = append(full, "--env", kv)
	}
	if opts.Cwd != "" {
		full = append(full, "--cwd", opts.Cwd)
	}
	full = append(full, "--")
	full = append(full, argv...)
	return runCommand(ctx, "lxc", full, RunOptions{Stdin: opts.Stdin, GetOutput: opts.GetOutput})
}

// CopyIn uses "lxc file push".
func (l *LXD) CopyIn(hostPath, targetPath string) error {
	_, err := runCommand(context.Background(), "lxc",
		[]string{"file", "push", hostPath, l.Container + "/" + targetPath}, RunOptions{GetOutput: true})
	return err
}

// CopyOut uses "lxc file pull".
func (l *LXD) CopyOut(targetPath, hostPath string) error {
	_, err := runCommand(context.Background(), "lxc",
		[]string{"file", "pull", l.Container + "/" + targetPath, hostPath}, RunOptions{GetOutput: true})
	return err
}

func (l *LXD) PathExists(path string) (bool, error) {
	res, err := l.Run(context.Background(), []string{"test", "-e", path}, RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (l *LXD) IsLink(path string) (bool, error) {
	res, err := l.Run(context.Background(), []string{"test", "-L", path}, RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (l *LXD) ListDir(path string) ([]string, error) {
	res, err := l.Run(context.Background(), []string{"ls", "-1A", path}, RunOptions{GetOutput: true})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, xerrors.Errorf("lxd: listdir %s: exit %d", path, res.ExitCode)
	}
	return sortedNames(splitNonEmptyLines(res.Stdout)), nil
}

func (l *LXD) Find(root string, includeDirectories bool) ([]string, error) {
	argv := []string{"find", root, "-mindepth", "1"}
	if !includeDirectories {
		argv = append(argv, "-not", "-type", "d")
	}
	res, err := l.Run(context.Background(), argv, RunOptions{GetOutput: true})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, xerrors.Errorf("lxd: find %s: exit %d", root, res.ExitCode)
	}
	names := splitNonEmptyLines(res.Stdout)
	for i, n := range names {
		rel, relErr := relPrefix(root, n)
		if relErr == nil {
			names[i] = rel
		}
	}
	return sortedNames(names), nil
}

// Open emulates a scoped file handle by pulling the container file into
// a host tempfile; Close pushes it back, matching the spec's description
// of open() as "scoped acquisition ... with guaranteed upload of
// modifications on close" for backends without a host-visible mount.
func (l *LXD) Open(path string, flag int) (ScopedFile, error) {
	tmp, err := ioutil.TempFile("", "lxd-scoped-*")
	if err != nil {
		return nil, xerrors.Errorf("lxd: open: %w", err)
	}
	if flag&os.O_CREATE == 0 {
		if err := l.CopyOut(path, tmp.Name()); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, err
		}
	}
	return &lxdScopedFile{backend: l, target: path, tmp: tmp}, nil
}

type lxdScopedFile struct {
	backend *LXD
	target  string
	tmp     *os.File
}

func (f *lxdScopedFile) Read(p []byte) (int, error)  { return f.tmp.Read(p) }
func (f *lxdScopedFile) Write(p []byte) (int, error) { return f.tmp.Write(p) }

func (f *lxdScopedFile) Close() error {
	if _, err := f.tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	name := f.tmp.Name()
	if err := f.tmp.Close(); err != nil {
		return err
	}
	defer os.Remove(name)
	return f.backend.CopyIn(name, f.target)
}

func (l *LXD) IsPackageAvailable(name string) (bool, error) {
	res, err := l.Run(context.Background(), []string{"dpkg-query", "-W", "-f=${Status}", name}, RunOptions{GetOutput: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (l *LXD) BuildPath() string { return "/build" }

func splitNonEmptyLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

func relPrefix(root, path string) (string, error) {
	if len(path) <= len(root) {
		return "", xerrors.New("lxd: path shorter than root")
	}
	return path[len(root)+1:], nil
}

var _ Backend = (*LXD)(nil)
