package statemachine

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Build is the core's view of one in-progress (or just-finished) build.
// See the data model's "Build" entity.
type Build struct {
	ID           string
	ManagerTag   string
	ChrootDigest string
	// InputFiles maps a filename to its SHA-1 digest in the file cache
	// the same direction as WaitingFiles.
	InputFiles map[string]string
	ExtraArgs  map[string]interface{}

	State         State
	AlreadyFailed bool
	BuildStatus   BuildStatus

	// WaitingFiles maps a gathered output's filename to its SHA-1 digest
	// in the file cache, matching the filename->sha1 waiting_files map
	// published by status().
	WaitingFiles      map[string]string
	BuildDependencies string
	ExtraStatus       map[string]interface{}

	ReapedStates map[State]bool
}

// NewBuild creates a Build in state INIT.
func NewBuild(id, managerTag, chrootDigest string, inputFiles map[string]string, extraArgs map[string]interface{}) *Build {
	return &Build{
		ID:           id,
		ManagerTag:   managerTag,
		ChrootDigest: chrootDigest,
		InputFiles:   inputFiles,
		ExtraArgs:    extraArgs,
		State:        StateInit,
		WaitingFiles: map[string]string{},
		ExtraStatus:  map[string]interface{}{},
		ReapedStates: map[State]bool{},
	}
}

// latchFailure records kind as the build's failure reason unless a
// failure has already been latched: the first failure always wins.
func (b *Build) latchFailure(kind BuildStatus) {
	if b.AlreadyFailed {
		return
	}
	b.AlreadyFailed = true
	b.BuildStatus = kind
}

// Fail is the exported form of the failure latch, used by the build-type
// managers: once a failure kind has been recorded, later failures do not
// overwrite it.
func (b *Build) Fail(kind BuildStatus) {
	b.latchFailure(kind)
}

// ExtraArg returns the string value of a recognized extra_args key, or
// "" if absent or not a string.
func (b *Build) ExtraArg(key string) string {
	v, ok := b.ExtraArgs[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ExtraArgBool returns the boolean value of a recognized extra_args key.
func (b *Build) ExtraArgBool(key string) bool {
	v, ok := b.ExtraArgs[key]
	if !ok {
		return false
	}
	bl, _ := v.(bool)
	return bl
}

// ExtraArgList returns the string-list value of a recognized extra_args
// key.
func (b *Build) ExtraArgList(key string) []string {
	v, ok := b.ExtraArgs[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ExtraArgMap returns the string-map value of a recognized extra_args
// key (e.g. channels, environment_variables).
func (b *Build) ExtraArgMap(key string) map[string]string {
	v, ok := b.ExtraArgs[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case map[string]string:
		return vv
	case map[string]interface{}:
		out := make(map[string]string, len(vv))
		for k, e := range vv {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// WriteStatus atomically persists extraStatus to path, merging it into
// b.ExtraStatus: tmpfile + rename.
func (b *Build) WriteStatus(path string, extraStatus map[string]interface{}) error {
	for k, v := range extraStatus {
		b.ExtraStatus[k] = v
	}
	data, err := json.Marshal(b.ExtraStatus)
	if err != nil {
		return xerrors.Errorf("statemachine: marshal status: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return xerrors.Errorf("statemachine: write status: %w", err)
	}
	return nil
}

// ReadStatus loads the persisted status file at path into memory. A
// missing file is not an error (empty status). A parse error is logged
// by the caller and treated as an empty object; the daemon never dies
// over bad status JSON.
func ReadStatus(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, xerrors.Errorf("statemachine: read status: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}, xerrors.Errorf("statemachine: parse status: %w", err)
	}
	return m, nil
}
