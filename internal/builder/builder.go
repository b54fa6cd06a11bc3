// Package builder implements the builder facade: the worker-wide
// IDLE/BUILDING/WAITING/ABORTING state machine that owns the current
// build manager, publishes the waiting-file map, and exposes
// start/abort/clean/status to the RPC layer.
package builder

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/managers"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

// ManagerDeps is everything a manager factory may need.
type ManagerDeps struct {
	Backend    backend.Backend
	Cache      *filecache.Cache
	Sink       *logsink.Sink
	StatusPath string
	Logger     *log.Logger
}

// ManagerFactory describes one registered build type: which backend
// variant its payload runs in and how to construct its manager.
type ManagerFactory struct {
	BackendName string
	New         func(deps ManagerDeps) statemachine.Manager
}

// Builder is the facade. All exported methods are safe for concurrent
// use; the RPC layer additionally serializes the mutating calls against
// one another.
type Builder struct {
	Cache   *filecache.Cache
	Sink    *logsink.Sink
	Logger  *log.Logger
	Home    string
	ArchTag string
	// Version is the worker package version reported by status(), or ""
	// when unknown.
	Version string

	mu       sync.Mutex
	status   statemachine.BuilderStatus
	build    *statemachine.Build
	manager  statemachine.Manager
	core     *statemachine.Core
	registry map[string]ManagerFactory
}

// New creates an IDLE Builder with the default manager registry.
func New(cache *filecache.Cache, sink *logsink.Sink, home, archTag, version string, logger *log.Logger) *Builder {
	w := &Builder{
		Cache:    cache,
		Sink:     sink,
		Logger:   logger,
		Home:     home,
		ArchTag:  archTag,
		Version:  version,
		status:   statemachine.BuilderIDLE,
		registry: map[string]ManagerFactory{},
	}
	w.registerDefaults()
	return w
}

// registerDefaults wires up the twelve recognized build types. The
// Debian-native types run in a chroot; everything else needs a full
// container.
func (w *Builder) registerDefaults() {
	chroot := func(tag string, f func(ManagerDeps) statemachine.Manager) {
		w.Register(tag, ManagerFactory{BackendName: "chroot", New: f})
	}
	lxd := func(tag string, f func(ManagerDeps) statemachine.Manager) {
		w.Register(tag, ManagerFactory{BackendName: "lxd", New: f})
	}

	chroot("binarypackage", func(d ManagerDeps) statemachine.Manager {
		return managers.NewBinaryPackage(d.Backend, d.Cache, d.Sink)
	})
	chroot("sourcepackagerecipe", func(d ManagerDeps) statemachine.Manager {
		return managers.NewSourcePackageRecipe(d.Backend, d.Cache, d.Sink)
	})
	chroot("translationtemplates", func(d ManagerDeps) statemachine.Manager {
		return managers.NewTranslationTemplates(d.Backend, d.Cache)
	})
	lxd("livefs", func(d ManagerDeps) statemachine.Manager {
		return managers.NewLiveFS(d.Backend, d.Cache)
	})
	lxd("snap", func(d ManagerDeps) statemachine.Manager {
		return managers.NewSnap(d.Backend, d.Cache, d.Logger)
	})
	lxd("oci", func(d ManagerDeps) statemachine.Manager {
		return managers.NewOCI(d.Backend, d.Cache, d.Logger)
	})
	lxd("docker", func(d ManagerDeps) statemachine.Manager {
		return managers.NewDocker(d.Backend, d.Cache, d.Logger)
	})
	lxd("ci", func(d ManagerDeps) statemachine.Manager {
		return managers.NewCI(d.Backend, d.Cache, d.StatusPath, d.Logger)
	})
	lxd("rock", func(d ManagerDeps) statemachine.Manager {
		return managers.NewRock(d.Backend, d.Cache, d.Logger)
	})
	lxd("source", func(d ManagerDeps) statemachine.Manager {
		return managers.NewSource(d.Backend, d.Cache, d.Logger)
	})
	lxd("charm", func(d ManagerDeps) statemachine.Manager {
		return managers.NewCharm(d.Backend, d.Cache, d.Logger)
	})
	lxd("craft", func(d ManagerDeps) statemachine.Manager {
		return managers.NewCraft(d.Backend, d.Cache, d.Logger)
	})
}

// Register adds (or replaces) a manager factory for tag.
func (w *Builder) Register(tag string, f ManagerFactory) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry[tag] = f
}

// Tags returns the recognized manager tags, sorted.
func (w *Builder) Tags() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	tags := make([]string, 0, len(w.registry))
	for tag := range w.registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Knows reports whether tag names a registered build type.
func (w *Builder) Knows(tag string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.registry[tag]
	return ok
}

// EnsurePresent is the file cache's ensure_present, exposed for the RPC
// layer.
func (w *Builder) EnsurePresent(sha1sum, url, username, password string) (bool, string) {
	return w.Cache.EnsurePresent(sha1sum, url, username, password)
}

// Start begins a build: it prepares the build tree (symlinks to cached
// input files), empties the build log, constructs the manager and its
// backend, and kicks the state machine. The builder must be IDLE.
func (w *Builder) Start(ctx context.Context, buildID, tag, chrootDigest string, inputFiles map[string]string, extraArgs map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != statemachine.BuilderIDLE {
		return xerrors.Errorf("builder: not IDLE when asked to start building (%s)", w.status)
	}
	factory, ok := w.registry[tag]
	if !ok {
		return xerrors.Errorf("builder: unknown manager tag %q", tag)
	}

	build := statemachine.NewBuild(buildID, tag, w.Cache.Path(chrootDigest), inputFiles, extraArgs)
	if err := w.makeBuildTree(build); err != nil {
		return err
	}
	if err := w.Sink.Reopen(); err != nil {
		return err
	}
	if u := build.ExtraArg("build_url"); u != "" {
		w.Sink.Write([]byte(u + "\n"))
	}

	series := build.ExtraArg("series")
	arch := build.ExtraArg("arch_tag")
	if arch == "" {
		arch = w.ArchTag
	}
	constraints := build.ExtraArgList("builder_constraints")
	var be backend.Backend
	switch factory.BackendName {
	case "lxd":
		be = backend.NewLXD("lp-"+series+"-"+arch, series, arch, constraints)
	default:
		be = backend.NewChroot(env.BuildPath(w.Home, buildID, "chroot-autobuild"), series, arch, constraints)
	}

	statusPath := env.BuildPath(w.Home, buildID, "status")
	manager := factory.New(ManagerDeps{
		Backend:    be,
		Cache:      w.Cache,
		Sink:       w.Sink,
		StatusPath: statusPath,
		Logger:     w.Logger,
	})

	core := &statemachine.Core{
		Build:      build,
		Backend:    be,
		Sink:       w.Sink,
		Manager:    manager,
		Logger:     w.Logger,
		StatusPath: statusPath,
		OnTerminal: func(statemachine.BuildStatus) { w.buildComplete() },
	}

	w.build = build
	w.manager = manager
	w.core = core
	w.status = statemachine.BuilderBUILDING
	if err := core.Start(ctx); err != nil {
		w.build = nil
		w.manager = nil
		w.core = nil
		w.status = statemachine.BuilderIDLE
		return err
	}
	return nil
}

// makeBuildTree creates build-<id>/ under the home directory with a
// symlink per input file pointing into the cache.
func (w *Builder) makeBuildTree(b *statemachine.Build) error {
	dir := env.BuildPath(w.Home, b.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return xerrors.Errorf("builder: %w", err)
	}
	for name, sha1sum := range b.InputFiles {
		if err := os.Symlink(w.Cache.Path(sha1sum), env.BuildPath(w.Home, b.ID, name)); err != nil {
			return xerrors.Errorf("builder: %w", err)
		}
	}
	return nil
}

// buildComplete is the core's terminal callback: BUILDING and ABORTING
// both end in WAITING, where the dispatcher collects results.
func (w *Builder) buildComplete() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = statemachine.BuilderWAITING
}

// Abort interrupts the current build. A second abort is a no-op; an
// abort outside BUILDING is an error.
func (w *Builder) Abort(ctx context.Context) error {
	w.mu.Lock()
	if w.status == statemachine.BuilderABORTING {
		w.mu.Unlock()
		return nil
	}
	if w.status != statemachine.BuilderBUILDING {
		w.mu.Unlock()
		return xerrors.Errorf("builder: not BUILDING when asked to abort (%s)", w.status)
	}
	core := w.core
	w.status = statemachine.BuilderABORTING
	w.mu.Unlock()

	// Outside the lock: the abort path synchronously drives state
	// transitions, which themselves take the core's own lock.
	core.Abort(ctx)
	return nil
}

// Clean deletes the waiting files from the cache, removes the build log,
// and returns to IDLE. The builder must be WAITING.
func (w *Builder) Clean() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != statemachine.BuilderWAITING {
		return xerrors.Errorf("builder: not WAITING when asked to clean (%s)", w.status)
	}
	seen := map[string]bool{}
	for _, sha1sum := range w.build.WaitingFiles {
		if seen[sha1sum] {
			continue
		}
		seen[sha1sum] = true
		if err := w.Cache.Remove(sha1sum); err != nil {
			return err
		}
	}
	if err := w.Sink.Remove(); err != nil {
		return err
	}
	w.build = nil
	w.manager = nil
	w.core = nil
	w.status = statemachine.BuilderIDLE
	return nil
}

// LogTail returns up to the last 2 KiB of the build log, scrubbed when
// the current manager (or a private archive) requires it.
func (w *Builder) LogTail() []byte {
	w.mu.Lock()
	manager := w.manager
	build := w.build
	w.mu.Unlock()

	if build == nil {
		return nil
	}
	sanitize := manager.SanitizesLog() || build.ExtraArgBool("archive_private")
	tail, err := w.Sink.Tail(sanitize)
	if err != nil {
		return nil
	}
	return tail
}

// Status assembles the status() response for the dispatcher.
func (w *Builder) Status() map[string]interface{} {
	w.mu.Lock()
	status := w.status
	build := w.build
	core := w.core
	w.mu.Unlock()

	ret := map[string]interface{}{"builder_status": string(status)}
	if w.Version != "" {
		ret["builder_version"] = w.Version
	} else {
		ret["builder_version"] = nil
	}

	switch status {
	case statemachine.BuilderBUILDING:
		ret["build_id"] = build.ID
		ret["logtail"] = string(w.LogTail())
	case statemachine.BuilderWAITING:
		ret["build_status"] = string(build.BuildStatus)
		ret["build_id"] = build.ID
		switch build.BuildStatus {
		case statemachine.StatusOK, statemachine.StatusPACKAGEFAIL, statemachine.StatusDEPFAIL:
			ret["filemap"] = build.WaitingFiles
			ret["dependencies"] = build.BuildDependencies
		}
	case statemachine.BuilderABORTING:
		ret["build_id"] = build.ID
	}

	if core != nil {
		for k, v := range core.ExtraStatusSnapshot() {
			ret[k] = v
		}
	}
	return ret
}

// ProxyInfo reports the current build's proxy configuration for the
// dispatcher's proxy_info() call.
func (w *Builder) ProxyInfo() map[string]interface{} {
	w.mu.Lock()
	build := w.build
	w.mu.Unlock()

	info := map[string]interface{}{
		"use_fetch_service":   false,
		"revocation_endpoint": "",
	}
	if build != nil {
		info["use_fetch_service"] = build.ExtraArgBool("use_fetch_service")
		info["revocation_endpoint"] = build.ExtraArg("revocation_endpoint")
	}
	return info
}
