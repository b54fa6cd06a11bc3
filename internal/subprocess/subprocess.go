// Package subprocess supervises the single child process a build may
// have running at any given time: it spawns it, streams its combined
// stdout/stderr into a log sink, delivers its exit code to a callback
// exactly once, and can kill it with SIGKILL. Killing is immediate, with no
// gentler signal first; ArmFailTimer runs a callback if the child has not
// exited within a given time.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Options configures a single Run call.
type Options struct {
	// Env, if non-nil, replaces the child's environment entirely (as
	// with exec.Cmd.Env); nil means the child inherits the worker's own
	// environment.
	Env []string
	// Dir is the child's working directory.
	Dir string
	// Stdin, if non-nil, is written to the child's stdin and then the
	// pipe is closed; otherwise stdin is /dev/null.
	Stdin []byte
	// Output receives the interleaved stdout+stderr of the child.
	Output io.Writer
}

// Handle is the supervisor's view of one running (or just-finished)
// child process. At most one Handle is ever active per build.
type Handle struct {
	cmd *exec.Cmd

	mu               sync.Mutex
	ignore           bool
	failTimer        *time.Timer
	failTimerPending bool
}

// ExitCallback is invoked exactly once with the child's exit code, or -1
// if it was killed by a signal. It is never invoked if the
// handle's ignore latch has been set via Ignore.
type ExitCallback func(exitCode int)

// Run starts path with argv (argv[0] names the program, as with
// exec.Cmd; callers pass the path there) and streams its output into
// opts.Output. onExit is delivered exactly once, from a background
// goroutine, once the child has been fully reaped.
func Run(ctx context.Context, path string, argv []string, opts Options, onExit ExitCallback) (*Handle, error) {
	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.Output != nil {
		cmd.Stdout = opts.Output
		cmd.Stderr = opts.Output
	}

	var stdin io.WriteCloser
	if opts.Stdin != nil {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, xerrors.Errorf("subprocess: %w", err)
		}
		stdin = w
	} else {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, xerrors.Errorf("subprocess: %w", err)
		}
		cmd.Stdin = devnull
	}

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("subprocess: starting %v: %w", cmd.Args, err)
	}

	h := &Handle{cmd: cmd}

	var eg errgroup.Group
	if stdin != nil {
		data := opts.Stdin
		eg.Go(func() error {
			if _, err := stdin.Write(data); err != nil {
				stdin.Close()
				return err
			}
			return stdin.Close()
		})
	}

	go func() {
		waitErr := eg.Wait()
		err := cmd.Wait()
		if err == nil {
			err = waitErr
		}
		code := exitCodeOf(err)

		h.mu.Lock()
		ignore := h.ignore
		if h.failTimerPending {
			h.failTimer.Stop()
			h.failTimerPending = false
		}
		h.mu.Unlock()

		if !ignore && onExit != nil {
			onExit(code)
		}
	}()

	return h, nil
}

// exitCodeOf turns the error from cmd.Wait into a shell-style exit code:
// 0 on success, the child's own code if it exited normally, or -1 if it
// was killed by a signal or never started.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Ignore suppresses the exit callback: the state machine no longer
// cares about this child's outcome, but the process itself is left
// running so an administrator can inspect it.
func (h *Handle) Ignore() {
	h.mu.Lock()
	h.ignore = true
	h.mu.Unlock()
}

// Kill sends SIGKILL to the child immediately.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(unix.SIGKILL); err != nil {
		return xerrors.Errorf("subprocess: kill: %w", err)
	}
	return nil
}

// ArmFailTimer schedules fn to run after d unless DisarmFailTimer is
// called first (on a graceful reap) or the child exits naturally (which
// also disarms it). It models the deferred builder_fail_call from
// the abort path: exactly one of {timer fires, timer cancelled} ever happens.
func (h *Handle) ArmFailTimer(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failTimer = time.AfterFunc(d, fn)
	h.failTimerPending = true
}

// DisarmFailTimer cancels a previously armed fail timer, if it hasn't
// already fired.
func (h *Handle) DisarmFailTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failTimerPending {
		h.failTimer.Stop()
		h.failTimerPending = false
	}
}

// TargetArgs builds the common arguments every in-target helper
// invocation shares: the subcommand, then --backend=, --series=,
// --arch=, one --constraint= per constraint, and the build id, followed
// by command-specific extra arguments. The caller prepends the in-target
// dispatcher's path as argv[0].
func TargetArgs(command, backend, series, arch string, constraints []string, buildID string, extra ...string) []string {
	args := []string{
		command,
		fmt.Sprintf("--backend=%s", backend),
		fmt.Sprintf("--series=%s", series),
		fmt.Sprintf("--arch=%s", arch),
	}
	for _, c := range constraints {
		args = append(args, fmt.Sprintf("--constraint=%s", c))
	}
	args = append(args, buildID)
	args = append(args, extra...)
	return args
}
