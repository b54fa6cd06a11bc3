package managers

import (
	"context"
	"log"
	"path"
	"strings"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

// craftTool is a *craft-family payload (rockcraft, sourcecraft,
// charmcraft, craft): they share the snap manager's overall shape and
// differ only in the in-target command, the payload state name, and
// which artifacts are gathered from /build/<name>.
type craftTool struct {
	tag     string
	state   statemachine.State
	command string
	// artifactSuffixes filters what is gathered from the output
	// directory; empty means everything.
	artifactSuffixes []string
	// passEnvironment forwards extra_args.environment_variables into the
	// payload (Cargo/Maven registry credentials for craft builds).
	passEnvironment bool

	be    backend.Backend
	cache *filecache.Cache
	proxy buildProxy
}

// NewRock builds a rock via rockcraft; the result is one or more .rock
// files.
func NewRock(be backend.Backend, cache *filecache.Cache, logger *log.Logger) statemachine.Manager {
	return &craftTool{
		tag: "rock", state: "BUILD_ROCK", command: "build-rock",
		artifactSuffixes: []string{".rock"},
		be:               be, cache: cache, proxy: buildProxy{Logger: logger},
	}
}

// NewSource builds a source artifact via sourcecraft; the result is a
// .tar.xz archive.
func NewSource(be backend.Backend, cache *filecache.Cache, logger *log.Logger) statemachine.Manager {
	return &craftTool{
		tag: "source", state: "BUILD_SOURCE", command: "build-source",
		artifactSuffixes: []string{".tar.xz"},
		be:               be, cache: cache, proxy: buildProxy{Logger: logger},
	}
}

// NewCharm builds a charm via charmcraft.
func NewCharm(be backend.Backend, cache *filecache.Cache, logger *log.Logger) statemachine.Manager {
	return &craftTool{
		tag: "charm", state: "BUILD_CHARM", command: "build-charm",
		artifactSuffixes: []string{".charm"},
		be:               be, cache: cache, proxy: buildProxy{Logger: logger},
	}
}

// NewCraft builds a generic craft artifact; the output set isn't known
// up front, so everything in the output directory is gathered, and
// Cargo/Maven registry credentials travel to the build via environment
// variables.
func NewCraft(be backend.Backend, cache *filecache.Cache, logger *log.Logger) statemachine.Manager {
	return &craftTool{
		tag: "craft", state: "BUILD_CRAFT", command: "build-craft",
		passEnvironment: true,
		be:              be, cache: cache, proxy: buildProxy{Logger: logger},
	}
}

func (m *craftTool) Tag() string                      { return m.tag }
func (m *craftTool) InitialState() statemachine.State { return m.state }
func (m *craftTool) SanitizesLog() bool               { return true }

func (m *craftTool) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != m.state {
		return nil, xerrors.Errorf("managers: %s: unexpected state %s", m.tag, state)
	}
	name := b.ExtraArg("name")
	if name == "" {
		return nil, xerrors.New("managers: " + m.tag + ": no name")
	}

	extra, err := m.proxy.start(b)
	if err != nil {
		return nil, err
	}
	channels := b.ExtraArgMap("channels")
	for _, snap := range sortedKeys(channels) {
		extra = append(extra, "--channel", snap+"="+channels[snap])
	}
	if branch := b.ExtraArg("branch"); branch != "" {
		extra = append(extra, "--branch", branch)
	}
	if repo := b.ExtraArg("git_repository"); repo != "" {
		extra = append(extra, "--git-repository", repo)
	}
	if gitPath := b.ExtraArg("git_path"); gitPath != "" {
		extra = append(extra, "--git-path", gitPath)
	}
	if buildPath := b.ExtraArg("build_path"); buildPath != "" {
		extra = append(extra, "--build-path", buildPath)
	}
	if m.passEnvironment {
		envVars := b.ExtraArgMap("environment_variables")
		for _, k := range sortedKeys(envVars) {
			extra = append(extra, "--environment-variable", k+"="+envVars[k])
		}
	}
	extra = append(extra, fetchServiceArgs(b)...)
	extra = append(extra, name)
	return targetArgs(m.be, b, m.command, extra...), nil
}

func (m *craftTool) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != m.state {
		return statemachine.StateUmount, xerrors.Errorf("managers: %s: unexpected state %s", m.tag, state)
	}
	m.proxy.finish(b)
	payloadOutcome(b, exitCode)
	return statemachine.StateUmount, nil
}

// GatherResults walks /build/<name> and uploads every non-symlink
// artifact matching the tool's suffix rules, preserving subdirectory
// structure in the waiting-file names.
func (m *craftTool) GatherResults(ctx context.Context, b *statemachine.Build) error {
	outputDir := path.Join("/build", b.ExtraArg("name"))
	exists, err := m.be.PathExists(outputDir)
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}
	if !exists {
		return nil
	}
	names, err := m.be.Find(outputDir, false)
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}
	for _, name := range names {
		p := path.Join(outputDir, name)
		if link, err := m.be.IsLink(p); err != nil || link {
			continue
		}
		if !suffixMatches(name, m.artifactSuffixes) {
			continue
		}
		// Waiting-file names are flat; keep enough of the path to stay
		// unique for nested outputs.
		flat := strings.ReplaceAll(name, "/", "_")
		if err := addWaitingFileFromBackend(m.be, m.cache, b, p, flat); err != nil {
			return err
		}
	}
	return nil
}

var _ statemachine.Manager = (*craftTool)(nil)
