package statemachine

import "context"

// Manager is a build-type payload specialization (Component G). The core
// hands control to a Manager once the generic INIT..UPDATE prefix has
// succeeded, and gets control back once the manager's payload states
// reach a terminal point (success or failure), at which point the core
// resumes the generic UMOUNT/CLEANUP suffix.
type Manager interface {
	// Tag identifies the manager, e.g. "binarypackage", "livefs".
	Tag() string

	// InitialState is the first payload state entered after UPDATE
	// succeeds.
	InitialState() State

	// Command returns the argv to run for the given payload state.
	Command(b *Build, state State) ([]string, error)

	// Iterate interprets the exit code of the subprocess run for state,
	// mutating b's BuildStatus/BuildDependencies/ExtraStatus as needed,
	// and returns the next state: either another payload state, or
	// StateUmount once the payload is done (success or failure).
	Iterate(ctx context.Context, b *Build, state State, exitCode int) (next State, err error)

	// GatherResults runs once, in a worker goroutine, after a payload
	// terminates with BuildStatus OK. Implementations upload build
	// artifacts via the backend's CopyOut into the file cache.
	GatherResults(ctx context.Context, b *Build) error

	// SanitizesLog reports whether this manager's build log must always
	// be scrubbed before being shown to the dispatcher, independent of
	// archive_private: true for the proxied managers (snap, oci, docker,
	// ci, rock, source, charm, craft), false for binarypackage,
	// sourcepackagerecipe, translationtemplates and livefs.
	SanitizesLog() bool
}

// EnvProvider is implemented by managers whose payload subprocess needs
// an environment other than the worker's own (e.g. sbuild's
// DEB_BUILD_OPTIONS handling).
type EnvProvider interface {
	CommandEnv(b *Build, state State) []string
}
