// Package statemachine implements the build manager core: the per-build
// state machine that drives a build from INIT through its payload states
// to CLEANUP, one subprocess at a time.
package statemachine

// State identifies a step in the build lifecycle. The generic states are
// fixed; payload states are defined by the active Manager (see F's
// InitialState/Iterate).
type State string

const (
	StateInit    State = "INIT"
	StateUnpack  State = "UNPACK"
	StateMount   State = "MOUNT"
	StateSources State = "SOURCES"
	StateKeys    State = "KEYS"
	StateUpdate  State = "UPDATE"
	StateUmount  State = "UMOUNT"
	StateCleanup State = "CLEANUP"
	// StateDone is a sentinel: the machine has reached CLEANUP and
	// finished. No subprocess runs in this state.
	StateDone State = "DONE"
)

// BuildStatus is the final classification of a completed (or in-progress
// but already-failed) build. Exactly one of these is ever latched.
type BuildStatus string

const (
	StatusOK          BuildStatus = "OK"
	StatusCHROOTFAIL  BuildStatus = "CHROOTFAIL"
	StatusPACKAGEFAIL BuildStatus = "PACKAGEFAIL"
	StatusDEPFAIL     BuildStatus = "DEPFAIL"
	StatusGIVENBACK   BuildStatus = "GIVENBACK"
	StatusBUILDERFAIL BuildStatus = "BUILDERFAIL"
	StatusABORTED     BuildStatus = "ABORTED"
)

// BuilderStatus is the builder facade state.
type BuilderStatus string

const (
	BuilderIDLE     BuilderStatus = "IDLE"
	BuilderBUILDING BuilderStatus = "BUILDING"
	BuilderWAITING  BuilderStatus = "WAITING"
	BuilderABORTING BuilderStatus = "ABORTING"
)

// Payload-exit-code taxonomy shared by every build-type manager.
const (
	ExitSuccess        = 0
	ExitFailureInstall = 200
	ExitFailureBuild   = 201
	// ExitKilledBySignal is the synthetic exit code used when abort()
	// fires between subprocesses: 128 + SIGKILL(9).
	ExitKilledBySignal = 128 + 9
)
