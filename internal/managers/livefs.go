package managers

import (
	"context"
	"path"
	"strings"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const stateBuildLiveFS statemachine.State = "BUILD_LIVEFS"

// LiveFS builds a live filesystem image via the buildlivefs in-target
// helper.
type LiveFS struct {
	Backend backend.Backend
	Cache   *filecache.Cache
}

func NewLiveFS(be backend.Backend, cache *filecache.Cache) *LiveFS {
	return &LiveFS{Backend: be, Cache: cache}
}

func (m *LiveFS) Tag() string                      { return "livefs" }
func (m *LiveFS) InitialState() statemachine.State { return stateBuildLiveFS }
func (m *LiveFS) SanitizesLog() bool               { return false }

func (m *LiveFS) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != stateBuildLiveFS {
		return nil, xerrors.Errorf("managers: livefs: unexpected state %s", state)
	}

	var extra []string
	if subarch := b.ExtraArg("subarch"); subarch != "" {
		extra = append(extra, "--subarch", subarch)
	}
	extra = append(extra, "--project", b.ExtraArg("project"))
	if subproject := b.ExtraArg("subproject"); subproject != "" {
		extra = append(extra, "--subproject", subproject)
	}
	if datestamp := b.ExtraArg("datestamp"); datestamp != "" {
		extra = append(extra, "--datestamp", datestamp)
	}
	if format := b.ExtraArg("image_format"); format != "" {
		extra = append(extra, "--image-format", format)
	}
	if b.ExtraArg("pocket") == "proposed" {
		extra = append(extra, "--proposed")
	}
	if locale := b.ExtraArg("locale"); locale != "" {
		extra = append(extra, "--locale", locale)
	}
	for _, ppa := range b.ExtraArgList("extra_ppas") {
		extra = append(extra, "--extra-ppa", ppa)
	}
	for _, snap := range b.ExtraArgList("extra_snaps") {
		extra = append(extra, "--extra-snap", snap)
	}
	if channel := b.ExtraArg("channel"); channel != "" {
		extra = append(extra, "--channel", channel)
	}
	for _, target := range b.ExtraArgList("image_targets") {
		extra = append(extra, "--image-target", target)
	}
	if stamp := b.ExtraArg("repo_snapshot_stamp"); stamp != "" {
		extra = append(extra, "--repo-snapshot-stamp", stamp)
	}
	if ts := b.ExtraArg("snapshot_service_timestamp"); ts != "" {
		extra = append(extra, "--snapshot-service-timestamp", ts)
	}
	if key := b.ExtraArg("cohort-key"); key != "" {
		extra = append(extra, "--cohort-key", key)
	}
	if b.ExtraArgBool("debug") {
		extra = append(extra, "--debug")
	}
	return targetArgs(m.Backend, b, "buildlivefs", extra...), nil
}

func (m *LiveFS) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != stateBuildLiveFS {
		return statemachine.StateUmount, xerrors.Errorf("managers: livefs: unexpected state %s", state)
	}
	payloadOutcome(b, exitCode)
	return statemachine.StateUmount, nil
}

// GatherResults uploads every non-symlink livecd.* file from the
// backend's /build directory.
func (m *LiveFS) GatherResults(ctx context.Context, b *statemachine.Build) error {
	names, err := m.Backend.ListDir("/build")
	if err != nil {
		return xerrors.Errorf("managers: livefs: %w", err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "livecd.") {
			continue
		}
		p := path.Join("/build", name)
		if link, err := m.Backend.IsLink(p); err != nil || link {
			continue
		}
		if err := addWaitingFileFromBackend(m.Backend, m.Cache, b, p, name); err != nil {
			return err
		}
	}
	return nil
}

var _ statemachine.Manager = (*LiveFS)(nil)
