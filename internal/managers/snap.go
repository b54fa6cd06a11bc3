package managers

import (
	"context"
	"log"
	"path"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const stateBuildSnap statemachine.State = "BUILD_SNAP"

// snapArtifactSuffixes are the files gathered from /build/<name>.
// `.comp` files are the binary result of building snap components.
var snapArtifactSuffixes = []string{".snap", ".manifest", ".debug", ".dpkg.yaml", ".comp"}

// Snap builds a snap via the buildsnap in-target helper, optionally
// behind a builder proxy whose token is revoked once the payload is
// done.
type Snap struct {
	Backend backend.Backend
	Cache   *filecache.Cache

	proxy buildProxy
}

func NewSnap(be backend.Backend, cache *filecache.Cache, logger *log.Logger) *Snap {
	return &Snap{Backend: be, Cache: cache, proxy: buildProxy{Logger: logger}}
}

func (m *Snap) Tag() string                      { return "snap" }
func (m *Snap) InitialState() statemachine.State { return stateBuildSnap }
func (m *Snap) SanitizesLog() bool               { return true }

func (m *Snap) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != stateBuildSnap {
		return nil, xerrors.Errorf("managers: snap: unexpected state %s", state)
	}
	name := b.ExtraArg("name")
	if name == "" {
		return nil, xerrors.New("managers: snap: no name")
	}

	var extra []string
	channels := b.ExtraArgMap("channels")
	for _, snap := range sortedKeys(channels) {
		extra = append(extra, "--channel", snap+"="+channels[snap])
	}
	if id := b.ExtraArg("build_request_id"); id != "" {
		extra = append(extra, "--build-request-id", id)
	}
	if ts := b.ExtraArg("build_request_timestamp"); ts != "" {
		extra = append(extra, "--build-request-timestamp", ts)
	}
	if u := b.ExtraArg("build_url"); u != "" {
		extra = append(extra, "--build-url", u)
	}
	proxyArgs, err := m.proxy.start(b)
	if err != nil {
		return nil, err
	}
	extra = append(extra, proxyArgs...)
	if b.ExtraArgBool("disable_proxy_after_pull") &&
		b.ExtraArg("proxy_url") != "" && b.ExtraArg("revocation_endpoint") != "" {
		extra = append(extra, "--upstream-proxy-url", b.ExtraArg("proxy_url"), "--disable-proxy-after-pull")
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
	if b.ExtraArgBool("build_source_tarball") {
		extra = append(extra, "--build-source-tarball")
	}
	if b.ExtraArgBool("private") {
		extra = append(extra, "--private")
	}
	for _, arch := range b.ExtraArgList("target_architectures") {
		extra = append(extra, "--target-arch", arch)
	}
	extra = append(extra, fetchServiceArgs(b)...)
	extra = append(extra, name)
	return targetArgs(m.Backend, b, "buildsnap", extra...), nil
}

func (m *Snap) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != stateBuildSnap {
		return statemachine.StateUmount, xerrors.Errorf("managers: snap: unexpected state %s", state)
	}
	m.proxy.finish(b)
	payloadOutcome(b, exitCode)
	return statemachine.StateUmount, nil
}

func (m *Snap) GatherResults(ctx context.Context, b *statemachine.Build) error {
	name := b.ExtraArg("name")
	if err := gatherBySuffix(m.Backend, m.Cache, b, path.Join("/build", name), snapArtifactSuffixes); err != nil {
		return err
	}
	if b.ExtraArgBool("build_source_tarball") {
		tarball := path.Join("/build", name+".tar.gz")
		exists, err := m.Backend.PathExists(tarball)
		if err != nil {
			return xerrors.Errorf("managers: snap: %w", err)
		}
		if exists {
			if err := addWaitingFileFromBackend(m.Backend, m.Cache, b, tarball, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ statemachine.Manager = (*Snap)(nil)
