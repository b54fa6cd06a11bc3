// Package managers implements the build-type payload specializations:
// one statemachine.Manager per recognized build type, each
// responsible for the states between UPDATE and UMOUNT.
package managers

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/proxy"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

// payloadOutcome applies the shared payload exit-code taxonomy to the
// build: 0 is success, 200..201 is a build failure, anything else is a
// builder fault. Failures go through the already_failed latch.
func payloadOutcome(b *statemachine.Build, exitCode int) {
	switch {
	case exitCode == statemachine.ExitSuccess:
		b.BuildStatus = statemachine.StatusOK
	case exitCode >= statemachine.ExitFailureInstall && exitCode <= statemachine.ExitFailureBuild:
		b.Fail(statemachine.StatusPACKAGEFAIL)
	default:
		b.Fail(statemachine.StatusBUILDERFAIL)
	}
}

// targetArgs builds the common in-target argv for one manager command,
// matching the generic states' own argument conventions.
func targetArgs(be backend.Backend, b *statemachine.Build, command string, extra ...string) []string {
	constraints := b.ExtraArgList("builder_constraints")
	series := b.ExtraArg("series")
	arch := b.ExtraArg("arch_tag")
	if arch == "" {
		arch = be.Arch()
	}
	args := []string{
		env.InTargetPath(),
		command,
		fmt.Sprintf("--backend=%s", be.Name()),
		fmt.Sprintf("--series=%s", series),
		fmt.Sprintf("--arch=%s", arch),
	}
	for _, c := range constraints {
		args = append(args, fmt.Sprintf("--constraint=%s", c))
	}
	args = append(args, b.ID)
	return append(args, extra...)
}

// addWaitingFile stores the file at hostPath in the cache and records it
// in the build's waiting-file map under name.
func addWaitingFile(cache *filecache.Cache, b *statemachine.Build, hostPath, name string) error {
	if name == "" {
		name = filepath.Base(hostPath)
	}
	sum, err := cache.Store(hostPath)
	if err != nil {
		return xerrors.Errorf("managers: storing %s: %w", hostPath, err)
	}
	b.WaitingFiles[name] = sum
	return nil
}

// addWaitingFileFromBackend fetches targetPath out of the backend into a
// tempdir, then stores it as a waiting file.
func addWaitingFileFromBackend(be backend.Backend, cache *filecache.Cache, b *statemachine.Build, targetPath, name string) error {
	fetched, err := os.MkdirTemp("", "buildd-gather-")
	if err != nil {
		return xerrors.Errorf("managers: gather: %w", err)
	}
	defer os.RemoveAll(fetched)
	hostPath := filepath.Join(fetched, path.Base(targetPath))
	if err := be.CopyOut(targetPath, hostPath); err != nil {
		return xerrors.Errorf("managers: gather %s: %w", targetPath, err)
	}
	return addWaitingFile(cache, b, hostPath, name)
}

// gatherBySuffix walks dir inside be and uploads every non-symlink
// direct entry whose name ends in one of suffixes (all entries if
// suffixes is empty), keyed by its base name. A missing dir is not an
// error: a payload that produced nothing simply has nothing to gather.
func gatherBySuffix(be backend.Backend, cache *filecache.Cache, b *statemachine.Build, dir string, suffixes []string) error {
	exists, err := be.PathExists(dir)
	if err != nil {
		return xerrors.Errorf("managers: gather: %w", err)
	}
	if !exists {
		return nil
	}
	names, err := be.ListDir(dir)
	if err != nil {
		return xerrors.Errorf("managers: gather: %w", err)
	}
	for _, name := range names {
		p := path.Join(dir, name)
		if link, err := be.IsLink(p); err != nil || link {
			continue
		}
		if !suffixMatches(name, suffixes) {
			continue
		}
		if err := addWaitingFileFromBackend(be, cache, b, p, name); err != nil {
			return err
		}
	}
	return nil
}

func suffixMatches(name string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	for _, s := range suffixes {
		if len(name) >= len(s) && name[len(name)-len(s):] == s {
			return true
		}
	}
	return false
}

// sortedKeys is used when a map-valued extra arg (channels, environment
// variables) must become a stable argv.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildProxy is the per-payload proxy/token handling shared by every
// proxied manager (snap, oci, docker, ci, rock, source, charm, craft):
// start a local forwarding proxy before the payload, hand its URL to the
// payload, stop it and revoke the dispatcher-issued token afterwards.
type buildProxy struct {
	Logger  *log.Logger
	session *proxy.Session
}

// start launches the session if extra_args carry a proxy_url and returns
// the payload arguments describing it. Idempotent across Command retries
// within one build: an existing session is reused.
func (p *buildProxy) start(b *statemachine.Build) ([]string, error) {
	proxyURL := b.ExtraArg("proxy_url")
	if proxyURL == "" {
		return nil, nil
	}
	if p.session == nil {
		session, err := proxy.Start(proxyURL, p.Logger)
		if err != nil {
			return nil, err
		}
		p.session = session
	}
	args := []string{"--proxy-url", p.session.URL()}
	if ep := b.ExtraArg("revocation_endpoint"); ep != "" {
		args = append(args, "--revocation-endpoint", ep)
	}
	return args, nil
}

// finish stops the session and revokes the proxy token, if any.
func (p *buildProxy) finish(b *statemachine.Build) {
	if p.session != nil {
		p.session.Stop()
		p.session = nil
	}
	if proxyURL := b.ExtraArg("proxy_url"); proxyURL != "" {
		proxy.RevokeToken(proxyURL, b.ExtraArg("revocation_endpoint"), p.Logger)
	}
}

// fetchServiceArgs returns the extra payload arguments for fetch-service
// mode: the upstream there is a MITM proxy whose CA certificate the
// payload must install.
func fetchServiceArgs(b *statemachine.Build) []string {
	if !b.ExtraArgBool("use_fetch_service") {
		return nil
	}
	args := []string{"--use_fetch_service"}
	if secrets := b.ExtraArgMap("secrets"); secrets != nil {
		if cert, ok := secrets["fetch_service_mitm_certificate"]; ok {
			args = append(args, "--fetch-service-mitm-certificate", cert)
		}
	}
	return args
}
