package statemachine

import (
	"context"
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/subprocess"
	"golang.org/x/xerrors"
)

// AbortTimeout is how long a subprocess killed by abort may take to exit
// before the core forcibly fails the builder.
const AbortTimeout = 120 * time.Second

// Core drives a single Build through its lifecycle, running exactly one
// subprocess at a time and routing its exit code back into the state
// machine: the build manager core plus the shared Debian lifecycle.
type Core struct {
	Build   *Build
	Backend backend.Backend
	Sink    *logsink.Sink
	Manager Manager
	Logger  *log.Logger

	// StatusPath is where the manager's extra status JSON is persisted.
	StatusPath string

	// OnTerminal is invoked exactly once, when the machine reaches
	// StateDone, with the final BuildStatus. The Builder Facade (H) uses
	// this to transition BUILDING/ABORTING to WAITING.
	OnTerminal func(status BuildStatus)

	// mu serializes every state transition. The spec models the core as a
	// single-threaded cooperative event loop; Go has no such loop, so mu
	// plays that role, held for the full synchronous chain of enter/
	// advance calls triggered by Start, a subprocess's exit callback, or
	// Abort.
	mu            sync.Mutex
	handle        *subprocess.Handle
	aborting      bool
	abortedMidway bool
	abortUnwound  bool
	gathering     bool
}

// Start begins the machine: it runs the INIT subprocess (builder-prep).
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enter(ctx, StateInit)
}

// enter runs the subprocess for state (or, for StateDone, finalizes the
// build without running anything).
func (c *Core) enter(ctx context.Context, state State) error {
	c.Build.State = state

	if state == StateDone {
		if c.OnTerminal != nil {
			c.OnTerminal(c.Build.BuildStatus)
		}
		return nil
	}

	if state == StateCleanup {
		// Fetch a final snapshot of manager-specific extra status before
		// remove-build deletes the build tree, so status() queries after
		// completion still see it.
		c.snapshotStatus()
		if c.needsSanitizedLogs() {
			if err := c.Sink.Sanitize(); err != nil && c.Logger != nil {
				c.Logger.Printf("build %s: sanitizing buildlog: %v", c.Build.ID, err)
			}
		}
	}

	if c.abortedMidway {
		// abort() fired while no subprocess was running; the next
		// iteration pretends the step we were about to take was killed
		// by SIGKILL, which steers the machine into CLEANUP.
		c.abortedMidway = false
		return c.advance(ctx, state, ExitKilledBySignal)
	}

	argv, err := c.command(state)
	if err == errSkipCleanup {
		// fast_cleanup: treat as an immediate success without running
		// remove-build.
		return c.advance(ctx, state, ExitSuccess)
	}
	if err != nil {
		return err
	}

	opts := subprocess.Options{Output: c.Sink}
	if state == StateKeys {
		stdin, err := keysPayload(c.Build)
		if err != nil {
			return err
		}
		opts.Stdin = stdin
	}
	if ep, ok := c.Manager.(EnvProvider); ok {
		opts.Env = ep.CommandEnv(c.Build, state)
	}

	h, err := subprocess.Run(ctx, argv[0], argv, opts, func(code int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.advance(context.Background(), state, code); err != nil && c.Logger != nil {
			c.Logger.Printf("build %s: %v", c.Build.ID, err)
		}
	})
	if err != nil {
		return xerrors.Errorf("statemachine: starting %s: %w", state, err)
	}
	c.handle = h
	return nil
}

// command returns the argv for the generic states; payload states are
// delegated to the active Manager.
func (c *Core) command(state State) ([]string, error) {
	b := c.Build
	constraints := b.ExtraArgList("builder_constraints")
	series := b.ExtraArg("series")
	arch := b.ExtraArg("arch_tag")
	if arch == "" {
		arch = c.Backend.Arch()
	}

	switch state {
	case StateInit:
		return []string{env.BuilderPrepPath()}, nil
	case StateUnpack:
		imageType := b.ExtraArg("image_type")
		if imageType == "" {
			imageType = "chroot"
		}
		args := subprocess.TargetArgs("unpack-chroot", c.Backend.Name(), series, arch, constraints, b.ID,
			"--image-type="+imageType, c.Build.ChrootDigest)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateMount:
		args := subprocess.TargetArgs("mount-chroot", c.Backend.Name(), series, arch, constraints, b.ID)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateSources:
		extra := []string{}
		if proxyURL := b.ExtraArg("apt_proxy_url"); proxyURL != "" {
			extra = append(extra, "--apt-proxy-url="+proxyURL)
		}
		extra = append(extra, b.ExtraArgList("archives")...)
		args := subprocess.TargetArgs("override-sources-list", c.Backend.Name(), series, arch, constraints, b.ID, extra...)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateKeys:
		args := subprocess.TargetArgs("add-trusted-keys", c.Backend.Name(), series, arch, constraints, b.ID)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateUpdate:
		args := subprocess.TargetArgs("update-debian-chroot", c.Backend.Name(), series, arch, constraints, b.ID)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateUmount:
		args := subprocess.TargetArgs("umount-chroot", c.Backend.Name(), series, arch, constraints, b.ID)
		return append([]string{env.InTargetPath()}, args...), nil
	case StateCleanup:
		if b.ExtraArgBool("fast_cleanup") {
			return nil, errSkipCleanup
		}
		args := subprocess.TargetArgs("remove-build", c.Backend.Name(), series, arch, constraints, b.ID)
		return append([]string{env.InTargetPath()}, args...), nil
	default:
		return c.Manager.Command(b, state)
	}
}

var errSkipCleanup = xerrors.New("statemachine: fast_cleanup set")

// reapCommand returns the argv for the scan-for-processes reap helper.
func (c *Core) reapCommand() []string {
	b := c.Build
	constraints := b.ExtraArgList("builder_constraints")
	series := b.ExtraArg("series")
	arch := b.ExtraArg("arch_tag")
	if arch == "" {
		arch = c.Backend.Arch()
	}
	args := subprocess.TargetArgs("scan-for-processes", c.Backend.Name(), series, arch, constraints, b.ID)
	return append([]string{env.InTargetPath()}, args...)
}

// keysPayload base64-decodes and concatenates extra_args.trusted_keys,
// used as add-trusted-keys' stdin.
func keysPayload(b *Build) ([]byte, error) {
	var out []byte
	for _, k := range b.ExtraArgList("trusted_keys") {
		decoded, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, xerrors.Errorf("statemachine: decoding trusted key: %w", err)
		}
		out = append(out, decoded...)
	}
	return out, nil
}

// advance interprets the exit code of the subprocess just run for state
// and moves the machine forward, running a mandatory reap where the
// lifecycle requires one.
func (c *Core) advance(ctx context.Context, state State, exitCode int) error {
	b := c.Build
	c.handle = nil

	if c.aborting && state != StateUmount && state != StateCleanup {
		return c.abortUnwindOnce(ctx, state)
	}

	switch state {
	case StateInit:
		if exitCode == ExitSuccess {
			return c.enter(ctx, StateUnpack)
		}
		b.latchFailure(StatusBUILDERFAIL)
		return c.enter(ctx, StateCleanup)

	case StateUnpack:
		if exitCode == ExitSuccess {
			return c.enter(ctx, StateMount)
		}
		b.latchFailure(StatusCHROOTFAIL)
		return c.enter(ctx, StateCleanup)

	case StateMount:
		if exitCode == ExitSuccess {
			return c.enter(ctx, c.afterMount())
		}
		b.latchFailure(StatusCHROOTFAIL)
		return c.enter(ctx, StateUmount)

	case StateSources:
		if exitCode == ExitSuccess {
			return c.enter(ctx, c.afterSourcesState())
		}
		b.latchFailure(StatusCHROOTFAIL)
		return c.reapThen(ctx, state, StateUmount)

	case StateKeys:
		if exitCode == ExitSuccess {
			return c.enter(ctx, StateUpdate)
		}
		b.latchFailure(StatusCHROOTFAIL)
		return c.reapThen(ctx, state, StateUmount)

	case StateUpdate:
		if exitCode == ExitSuccess {
			return c.enter(ctx, c.Manager.InitialState())
		}
		b.latchFailure(StatusCHROOTFAIL)
		return c.reapThen(ctx, state, StateUmount)

	case StateUmount:
		if exitCode != ExitSuccess {
			b.latchFailure(StatusBUILDERFAIL)
		}
		return c.enter(ctx, StateCleanup)

	case StateCleanup:
		switch {
		case exitCode != ExitSuccess:
			b.latchFailure(StatusBUILDERFAIL)
		case c.aborting:
			// An abort-timeout's BUILDERFAIL outranks the
			// administrator's abort; anything else becomes ABORTED.
			if b.BuildStatus != StatusBUILDERFAIL {
				b.BuildStatus = StatusABORTED
			}
		case !b.AlreadyFailed:
			b.BuildStatus = StatusOK
		}
		return c.enter(ctx, StateDone)

	default:
		return c.advancePayload(ctx, state, exitCode)
	}
}

// afterMount picks the next generic state per which optional prefixes
// extra_args requested.
func (c *Core) afterMount() State {
	b := c.Build
	if len(b.ExtraArgList("archives")) > 0 {
		return StateSources
	}
	return c.afterSourcesState()
}

func (c *Core) afterSourcesState() State {
	if len(c.Build.ExtraArgList("trusted_keys")) > 0 {
		return StateKeys
	}
	return StateUpdate
}

// advancePayload routes an exit code from a Manager-owned state back
// through the Manager, then, once the payload is done, either offloads
// gather-results to a worker goroutine (success) or starts the mandatory
// post-payload reap immediately (failure).
func (c *Core) advancePayload(ctx context.Context, state State, exitCode int) error {
	next, err := c.Manager.Iterate(ctx, c.Build, state, exitCode)
	if err != nil {
		c.Build.latchFailure(StatusBUILDERFAIL)
		return c.reapThen(ctx, state, StateUmount)
	}
	if next == StateUmount {
		if c.Build.BuildStatus == StatusOK && !c.aborting {
			c.startGather(state)
			return nil
		}
		return c.reapThen(ctx, state, StateUmount)
	}
	return c.enter(ctx, next)
}

// startGather runs the manager's GatherResults in a worker goroutine: it
// does synchronous copy_out from the backend and must not block the
// state loop. Its completion posts back into the loop and kicks the
// post-payload reap; a failure to gather is promoted to a build
// failure. If an abort arrived while gathering, the abort path owns the
// unwind and the gather's outcome is discarded.
func (c *Core) startGather(origin State) {
	c.gathering = true
	go func() {
		err := c.Manager.GatherResults(context.Background(), c.Build)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.gathering = false
		if c.aborting {
			return
		}
		if err != nil {
			if c.Logger != nil {
				c.Logger.Printf("build %s: failed to gather results: %v", c.Build.ID, err)
			}
			c.Build.latchFailure(StatusPACKAGEFAIL)
		}
		if err := c.reapThen(context.Background(), origin, StateUmount); err != nil && c.Logger != nil {
			c.Logger.Printf("build %s: %v", c.Build.ID, err)
		}
	}()
}

// snapshotStatus merges the persisted status file into the in-memory
// extra status. A parse error is logged and otherwise ignored: the
// daemon never fails a build over bad status JSON.
func (c *Core) snapshotStatus() {
	if c.StatusPath == "" {
		return
	}
	m, err := ReadStatus(c.StatusPath)
	if err != nil && c.Logger != nil {
		c.Logger.Printf("build %s: reading extra status: %v", c.Build.ID, err)
	}
	for k, v := range m {
		c.Build.ExtraStatus[k] = v
	}
}

func (c *Core) needsSanitizedLogs() bool {
	return c.Manager.SanitizesLog() || c.Build.ExtraArgBool("archive_private")
}

// ExtraStatusSnapshot copies the build's extra status under the state
// lock, for status() queries racing against a manager's updates.
func (c *Core) ExtraStatusSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.Build.ExtraStatus))
	for k, v := range c.Build.ExtraStatus {
		out[k] = v
	}
	return out
}

// reapThen runs scan-for-processes once per originating state (tracked
// in ReapedStates to avoid re-entry), then continues to target.
func (c *Core) reapThen(ctx context.Context, origin, target State) error {
	b := c.Build
	if b.ReapedStates[origin] {
		return c.enter(ctx, target)
	}
	b.ReapedStates[origin] = true

	h, err := subprocess.Run(ctx, c.reapCommand()[0], c.reapCommand(), subprocess.Options{Output: c.Sink}, func(code int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.enter(context.Background(), target); err != nil && c.Logger != nil {
			c.Logger.Printf("build %s: %v", b.ID, err)
		}
	})
	if err != nil {
		return xerrors.Errorf("statemachine: reap: %w", err)
	}
	c.handle = h
	return nil
}

// abortUnwindOnce runs the mandatory post-abort reap exactly once, no
// matter whether it is reached via the interrupted subprocess's own exit
// callback or via the abort-timeout's forced path.
func (c *Core) abortUnwindOnce(ctx context.Context, origin State) error {
	if c.abortUnwound {
		return nil
	}
	c.abortUnwound = true
	return c.reapThen(ctx, origin, StateUmount)
}

// Abort implements the Builder Facade's abort(): it latches
// already_failed so no later failure kind overwrites the abort, kills
// whatever is currently running with SIGKILL at once, and kicks the
// mandatory reap. If the killed subprocess does not exit within
// AbortTimeout, the core forcibly fails the builder and proceeds without
// waiting further. The timer is disarmed once that subprocess exits, so
// the reap that follows runs without a time limit.
func (c *Core) Abort(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborting {
		return
	}
	c.aborting = true
	c.Build.AlreadyFailed = true
	origin := c.Build.State

	if c.handle == nil {
		if c.gathering {
			// The gather worker is in flight; it will notice the abort
			// and discard its outcome, so the abort path drives the
			// reap itself.
			if err := c.abortUnwindOnce(ctx, origin); err != nil && c.Logger != nil {
				c.Logger.Printf("build %s: abort: %v", c.Build.ID, err)
			}
			return
		}
		// Between subprocesses: the next one we were about to start is
		// pretended to have been killed by SIGKILL, which routes back
		// into advance() and from there into abortUnwindOnce.
		c.abortedMidway = true
		if err := c.enter(ctx, origin); err != nil && c.Logger != nil {
			c.Logger.Printf("build %s: abort: %v", c.Build.ID, err)
		}
		return
	}

	h := c.handle
	h.ArmFailTimer(AbortTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Failure to kill everything in the chroot is an infrastructure
		// fault; set BUILDERFAIL directly since already_failed was
		// latched when the abort began.
		c.Build.BuildStatus = StatusBUILDERFAIL
		h.Kill()
		if err := c.abortUnwindOnce(context.Background(), origin); err != nil && c.Logger != nil {
			c.Logger.Printf("build %s: abort timeout: %v", c.Build.ID, err)
		}
	})
	h.Kill()
}
