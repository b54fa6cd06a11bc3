package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"

	"golang.org/x/xerrors"
)

// Call records one invocation made against a Fake backend, for tests that
// assert on what the state machine asked the backend to do.
type Call struct {
	Argv []string
	Env  []string
	Cwd  string
}

// Fake is an in-memory backend used by tests: Run never execs anything,
// PathExists/ListDir/Find read from an in-memory tree, and every call is
// recorded for later assertion.
type Fake struct {
	Config

	Calls []Call

	// Files maps a container-relative path to its contents. A directory
	// is any path that is a prefix of some file's path.
	Files map[string][]byte

	// Links marks paths that IsLink reports as symlinks.
	Links map[string]bool

	// ExitCodes, keyed by argv[0], is consulted by Run to decide what
	// exit code to report; missing entries default to 0.
	ExitCodes map[string]int
	// Outputs, keyed by argv[0], is returned as stdout when GetOutput is set.
	Outputs map[string][]byte

	started bool
	removed bool
}

// NewFake returns an empty Fake backend.
func NewFake(series, arch string, constraints []string) *Fake {
	return &Fake{
		Config:    Config{VariantName: "fake", SeriesName: series, ArchName: arch, ConstraintTags: constraints},
		Files:     map[string][]byte{},
		Links:     map[string]bool{},
		ExitCodes: map[string]int{},
		Outputs:   map[string][]byte{},
	}
}

func (f *Fake) Create(tarballPath string) error { return nil }
func (f *Fake) Start() error                    { f.started = true; return nil }
func (f *Fake) Stop() error                     { f.started = false; return nil }
func (f *Fake) Remove() error                   { f.removed = true; return nil }

func (f *Fake) Run(ctx context.Context, argv []string, opts RunOptions) (RunResult, error) {
	f.Calls = append(f.Calls, Call{Argv: append([]string(nil), argv...), Env: opts.Env, Cwd: opts.Cwd})
	if len(argv) == 0 {
		return RunResult{}, xerrors.New("fake: empty argv")
	}
	result := RunResult{ExitCode: f.ExitCodes[argv[0]]}
	if opts.GetOutput {
		result.Stdout = f.Outputs[argv[0]]
	}
	return result, nil
}

func (f *Fake) CopyIn(hostPath, targetPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return xerrors.Errorf("fake: copy_in: %w", err)
	}
	f.Files[targetPath] = data
	return nil
}

func (f *Fake) CopyOut(targetPath, hostPath string) error {
	data, ok := f.Files[targetPath]
	if !ok {
		return xerrors.Errorf("fake: copy_out: %s not found", targetPath)
	}
	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return xerrors.Errorf("fake: copy_out: %w", err)
	}
	return nil
}

func (f *Fake) PathExists(path string) (bool, error) {
	if _, ok := f.Files[path]; ok {
		return true, nil
	}
	for p := range f.Files {
		if hasDirPrefix(p, path) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) IsLink(path string) (bool, error) { return f.Links[path], nil }

func (f *Fake) ListDir(path string) ([]string, error) {
	seen := map[string]bool{}
	for p := range f.Files {
		if !hasDirPrefix(p, path) {
			continue
		}
		rest := p[len(path):]
		rest = trimLeadingSlash(rest)
		if i := indexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) Find(root string, includeDirectories bool) ([]string, error) {
	seen := map[string]bool{}
	for p := range f.Files {
		if !hasDirPrefix(p, root) {
			continue
		}
		rel := trimLeadingSlash(p[len(root):])
		if rel == "" {
			continue
		}
		seen[rel] = true
		if includeDirectories {
			for i := 1; i < len(rel); i++ {
				if rel[i] == '/' {
					seen[rel[:i]] = true
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) Open(path string, flag int) (ScopedFile, error) {
	return &fakeScopedFile{backend: f, path: path, buf: bytes.NewBuffer(append([]byte(nil), f.Files[path]...))}, nil
}

type fakeScopedFile struct {
	backend *Fake
	path    string
	buf     *bytes.Buffer
}

func (f *fakeScopedFile) Read(p []byte) (int, error)  { return f.buf.Read(p) }
func (f *fakeScopedFile) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeScopedFile) Close() error {
	f.backend.Files[f.path] = append([]byte(nil), f.buf.Bytes()...)
	return nil
}

func (f *Fake) IsPackageAvailable(name string) (bool, error) { return true, nil }

func (f *Fake) BuildPath() string { return "/build" }

func hasDirPrefix(p, root string) bool {
	if root == "" || root == "/" {
		return true
	}
	return len(p) > len(root) && p[:len(root)] == root && p[len(root)] == '/'
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

var _ Backend = (*Fake)(nil)
var _ io.ReadWriteCloser = (*fakeScopedFile)(nil)
