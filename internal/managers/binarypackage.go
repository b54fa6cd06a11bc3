package managers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/depwait"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const stateSbuild statemachine.State = "SBUILD"

// sbuild's own exit-code convention (distinct from the generic
// 0/200/201 taxonomy every other manager uses): sbuild predates that
// taxonomy and was never migrated.
const (
	sbuildOK          = 0
	sbuildFailed      = 1
	sbuildAttempted   = 2
	sbuildGivenBack   = 3
	sbuildBuilderFail = 4
)

// apt's phrasings for a dependency that can never be satisfied from the
// configured archives versus one that merely isn't being installed right
// now. The former forces a dep-wait directly; the latter needs a full
// analysis against the .dsc and the available packages before we commit
// to waiting.
const (
	aptMissingDep = `but [^ ]* is to be installed|but [^ ]* is installed|but it is not installable|but it is a virtual package`
	aptDubiousDep = `but it is not installed|but it is not going to be installed`
)

var (
	givenBackRE = regexp.MustCompile(`(?m)^E: There are problems and -y was used without --force-yes`)
	maybeDepRE  = regexp.MustCompile(`(?ms)The following packages have unmet dependencies:\n` +
		`.* Depends: [^ ]*( \([^)]*\))? (` + aptDubiousDep + `)\n`)
	depFailRE = regexp.MustCompile(`(?ms)The following packages have unmet dependencies:\n` +
		`.* Depends: (?P<p>[^ ]*( \([^)]*\))?) (` + aptMissingDep + `)\n`)
	failStageRE = regexp.MustCompile(`(?m)^Fail-Stage: install-deps$`)
	stopRE      = regexp.MustCompile(`(?m)^Toolchain package versions:`)
)

// scanKind indexes which pattern family matched during the GIVENBACK
// log scan.
type scanKind int

const (
	scanGivenBack scanKind = iota
	scanMaybeDepFail
	scanDepFail
)

// BinaryPackage is the sbuild-driven binary package (Debian/Ubuntu
// archive) build manager: the one manager where a GIVENBACK exit is
// re-examined for a missing build dependency before it is allowed to
// stand.
type BinaryPackage struct {
	Backend backend.Backend
	Cache   *filecache.Cache
	Sink    *logsink.Sink

	// archIndep mirrors extra_args.arch_indep: whether
	// Build-Depends-Indep participates in dep-wait analysis.
	archIndep bool
}

func NewBinaryPackage(be backend.Backend, cache *filecache.Cache, sink *logsink.Sink) *BinaryPackage {
	return &BinaryPackage{Backend: be, Cache: cache, Sink: sink}
}

func (m *BinaryPackage) Tag() string                      { return "binarypackage" }
func (m *BinaryPackage) InitialState() statemachine.State { return stateSbuild }
func (m *BinaryPackage) SanitizesLog() bool               { return false }

func (m *BinaryPackage) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != stateSbuild {
		return nil, xerrors.Errorf("managers: binarypackage: unexpected state %s", state)
	}
	m.archIndep = b.ExtraArgBool("arch_indep")

	dscFile := dscFileName(b.InputFiles)
	if dscFile == "" {
		return nil, xerrors.New("managers: binarypackage: no .dsc in input files")
	}
	if err := m.writeCurrentlyBuilding(b, dscFile); err != nil {
		return nil, err
	}

	arch := m.archTag(b)
	suite := b.ExtraArg("suite")
	argv := []string{
		env.HelperPath("sbuild-package"),
		b.ID,
		arch,
		suite,
		"-c", "chroot:build-" + b.ID,
		"--arch=" + arch,
		"--dist=" + suite,
		"--nolog",
	}
	if m.archIndep {
		argv = append(argv, "-A")
	}
	return append(argv, dscFile), nil
}

// CommandEnv gives sbuild the worker's environment, with
// DEB_BUILD_OPTIONS forced to noautodbgsym unless debug symbols were
// requested.
func (m *BinaryPackage) CommandEnv(b *statemachine.Build, state statemachine.State) []string {
	if state != stateSbuild {
		return nil
	}
	environ := os.Environ()
	var out []string
	for _, kv := range environ {
		if strings.HasPrefix(kv, "DEB_BUILD_OPTIONS=") {
			continue
		}
		out = append(out, kv)
	}
	if !b.ExtraArgBool("build_debug_symbols") {
		out = append(out, "DEB_BUILD_OPTIONS=noautodbgsym")
	}
	return out
}

// writeCurrentlyBuilding records what is being built inside the target,
// where sbuild's external commands expect to find it.
func (m *BinaryPackage) writeCurrentlyBuilding(b *statemachine.Build, dscFile string) error {
	contents := fmt.Sprintf("Package: %s\nComponent: %s\nSuite: %s\nPurpose: %s\n",
		strings.SplitN(dscFile, "_", 2)[0],
		b.ExtraArg("ogrecomponent"),
		b.ExtraArg("suite"),
		b.ExtraArg("archive_purpose"))
	if b.ExtraArgBool("build_debug_symbols") {
		contents += "Build-Debug-Symbols: yes\n"
	}
	f, err := m.Backend.Open("/CurrentlyBuilding", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return xerrors.Errorf("managers: binarypackage: %w", err)
	}
	if _, err := f.Write([]byte(contents)); err != nil {
		f.Close()
		return xerrors.Errorf("managers: binarypackage: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("managers: binarypackage: %w", err)
	}
	return nil
}

func (m *BinaryPackage) archTag(b *statemachine.Build) string {
	if arch := b.ExtraArg("arch_tag"); arch != "" {
		return arch
	}
	return m.Backend.Arch()
}

// dscFileName returns the .dsc filename out of a filename->SHA-1 input
// file map.
func dscFileName(inputFiles map[string]string) string {
	for name := range inputFiles {
		if strings.HasSuffix(name, ".dsc") {
			return name
		}
	}
	return ""
}

func (m *BinaryPackage) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != stateSbuild {
		return statemachine.StateUmount, xerrors.Errorf("managers: binarypackage: unexpected state %s", state)
	}

	if exitCode == sbuildOK {
		b.BuildStatus = statemachine.StatusOK
		return statemachine.StateUmount, nil
	}

	success := exitCode
	if success == sbuildAttempted {
		// We don't distinguish attempted and failed.
		success = sbuildFailed
	}

	var patterns []*regexp.Regexp
	var kinds []scanKind
	if success == sbuildGivenBack {
		patterns = append(patterns, givenBackRE)
		kinds = append(kinds, scanGivenBack)
		// Check the last 4 KiB for the Fail-Stage. Only a failure
		// during install-deps justifies hunting for a missing
		// dependency string.
		if failStageRE.Match(logTail(m.Sink.Path(), 4096)) {
			patterns = append(patterns, maybeDepRE, depFailRE)
			kinds = append(kinds, scanMaybeDepFail, scanDepFail)
		}
	}

	missingDep := ""
	if len(patterns) > 0 {
		i, mo := searchLog(m.Sink.Path(), patterns, stopRE)
		switch {
		case i < 0:
			// It was given back, but we can't see a valid reason.
			// Assume it failed.
			success = sbuildFailed
		case kinds[i] == scanMaybeDepFail:
			missingDep = m.analyseDepWait(b)
			if missingDep == "" {
				success = sbuildFailed
			}
		case kinds[i] == scanDepFail:
			missingDep = stripMatchedDependency(depFailRE, mo)
		}
		// A plain givenback pattern leaves success as GIVENBACK.
	}

	switch {
	case missingDep != "":
		b.BuildDependencies = missingDep
		b.Fail(statemachine.StatusDEPFAIL)
	case success == sbuildGivenBack:
		b.Fail(statemachine.StatusGIVENBACK)
	case success == sbuildFailed:
		b.Fail(statemachine.StatusPACKAGEFAIL)
	default:
		b.Fail(statemachine.StatusBUILDERFAIL)
	}
	return statemachine.StateUmount, nil
}

// stripMatchedDependency extracts the named "p" group from a DEPFAIL
// match and strips architecture qualifiers, architecture restrictions
// and build-profile restrictions from it.
func stripMatchedDependency(rx *regexp.Regexp, mo [][]byte) string {
	for i, name := range rx.SubexpNames() {
		if name != "p" || mo[i] == nil {
			continue
		}
		clauses, err := depwait.ParseRelations(string(mo[i]), nil)
		if err != nil {
			return ""
		}
		return depwait.StripDependencies(clauses)
	}
	return ""
}

// analyseDepWait runs the full dep-wait analysis against the .dsc's
// Build-Depends and the chroot's currently available packages, returning
// "" on any error so the caller treats the build as a plain failure
// rather than risking an inaccurate dep-wait.
func (m *BinaryPackage) analyseDepWait(b *statemachine.Build) string {
	deps, err := m.buildDepends(b)
	if err != nil {
		return ""
	}
	avail, err := m.availablePackages()
	if err != nil {
		return ""
	}
	return depwait.AnalyseDepWait(deps, avail, m.archTag(b), dpkgArchitectureMatches)
}

func (m *BinaryPackage) buildDepends(b *statemachine.Build) ([]depwait.OrDependency, error) {
	dscFile := dscFileName(b.InputFiles)
	if dscFile == "" {
		return nil, xerrors.New("managers: binarypackage: no .dsc")
	}
	path := env.BuildPath(env.Home, b.ID, dscFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("managers: binarypackage: %w", err)
	}

	fields := parseDscFields(data)
	field := joinNonEmpty(fields["build-depends"], fields["build-depends-arch"])
	if m.archIndep {
		field = joinNonEmpty(field, fields["build-depends-indep"])
	}
	return depwait.ParseRelations(field, nil)
}

func joinNonEmpty(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}

// parseDscFields is a minimal deb822 stanza parser for the .dsc control
// fields this manager cares about (Build-Depends and friends);
// continuation lines are folded into the previous field.
func parseDscFields(data []byte) map[string]string {
	fields := map[string]string{}
	var lastKey string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			lastKey = ""
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			fields[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		fields[key] = strings.TrimSpace(line[idx+1:])
		lastKey = key
	}
	return fields
}

// availablePackages gathers Packages data from every apt source
// configured in the chroot, via apt-get indextargets, falling back to
// reading /var/lib/apt/lists/*_Packages directly on chroots whose apt
// predates indextargets.
func (m *BinaryPackage) availablePackages() (depwait.AvailablePackages, error) {
	avail := depwait.AvailablePackages{}

	res, err := m.Backend.Run(context.Background(),
		[]string{"apt-get", "indextargets", "--format", "$(FILENAME)", "Created-By: Packages"},
		backend.RunOptions{GetOutput: true})
	if err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
			if line == "" {
				continue
			}
			catRes, catErr := m.Backend.Run(context.Background(),
				[]string{"/usr/lib/apt/apt-helper", "cat-file", line}, backend.RunOptions{GetOutput: true})
			if catErr != nil || catRes.ExitCode != 0 {
				continue
			}
			depwait.AddPackagesFile(avail, bytes.NewReader(catRes.Stdout))
		}
		if len(avail) > 0 {
			return avail, nil
		}
	}

	names, err := m.Backend.ListDir("/var/lib/apt/lists")
	if err != nil {
		return avail, nil
	}
	for _, name := range names {
		if !strings.HasSuffix(name, "_Packages") {
			continue
		}
		f, err := m.Backend.Open(filepath.Join("/var/lib/apt/lists", name), os.O_RDONLY)
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		buf.ReadFrom(f)
		f.Close()
		depwait.AddPackagesFile(avail, &buf)
	}
	return avail, nil
}

// dpkgArchitectureMatches backs depwait.ArchMatcher with a direct call to
// dpkg-architecture, matching the per-(arch,wildcard) shell-out the
// original analysis uses, except uncached: binary package builds don't
// run often enough on one worker for the cache to matter.
func dpkgArchitectureMatches(arch, wildcard string) bool {
	cmd := exec.Command("dpkg-architecture", "-a"+arch, "-i"+wildcard)
	return cmd.Run() == nil
}

// GatherResults keys off the .changes file: it and every file its Files:
// section lists are in the build tree on the host, ready for upload.
func (m *BinaryPackage) GatherResults(ctx context.Context, b *statemachine.Build) error {
	dscFile := dscFileName(b.InputFiles)
	if dscFile == "" {
		return xerrors.New("managers: binarypackage: no .dsc")
	}
	changes := dscFile[:len(dscFile)-len(".dsc")] + "_" + m.archTag(b) + ".changes"
	changesPath := env.BuildPath(env.Home, b.ID, changes)
	if err := addWaitingFile(m.Cache, b, changesPath, changes); err != nil {
		return err
	}
	names, err := changesFiles(changesPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := addWaitingFile(m.Cache, b, env.BuildPath(env.Home, b.ID, name), name); err != nil {
			return err
		}
	}
	return nil
}

var _ statemachine.Manager = (*BinaryPackage)(nil)
var _ statemachine.EnvProvider = (*BinaryPackage)(nil)
