package managers

import (
	"context"
	"path"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const stateGenerate statemachine.State = "GENERATE"

// defaultResultArchive is the tarball name generate-translation-templates
// leaves in the build user's home directory.
const defaultResultArchive = "translation-templates.tar.gz"

// TranslationTemplates generates translation templates from a branch.
// Unlike most managers the payload's
// install failure means the chroot was unusable, not the branch.
type TranslationTemplates struct {
	Backend backend.Backend
	Cache   *filecache.Cache

	// ResultName is the tarball filename to collect; the generate
	// helper is told to produce exactly this name.
	ResultName string

	// HomeDir is the in-target home directory holding the result.
	HomeDir string
}

func NewTranslationTemplates(be backend.Backend, cache *filecache.Cache) *TranslationTemplates {
	return &TranslationTemplates{
		Backend:    be,
		Cache:      cache,
		ResultName: defaultResultArchive,
		HomeDir:    "/home/buildd",
	}
}

func (m *TranslationTemplates) Tag() string                      { return "translationtemplates" }
func (m *TranslationTemplates) InitialState() statemachine.State { return stateGenerate }
func (m *TranslationTemplates) SanitizesLog() bool               { return false }

func (m *TranslationTemplates) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != stateGenerate {
		return nil, xerrors.Errorf("managers: translationtemplates: unexpected state %s", state)
	}
	branchURL := b.ExtraArg("branch_url")
	if branchURL == "" {
		return nil, xerrors.New("managers: translationtemplates: no branch_url")
	}
	return targetArgs(m.Backend, b, "generate-translation-templates", branchURL, m.ResultName), nil
}

func (m *TranslationTemplates) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != stateGenerate {
		return statemachine.StateUmount, xerrors.Errorf("managers: translationtemplates: unexpected state %s", state)
	}
	switch exitCode {
	case statemachine.ExitSuccess:
		b.BuildStatus = statemachine.StatusOK
	case statemachine.ExitFailureInstall:
		b.Fail(statemachine.StatusCHROOTFAIL)
	case statemachine.ExitFailureBuild:
		b.Fail(statemachine.StatusPACKAGEFAIL)
	default:
		b.Fail(statemachine.StatusBUILDERFAIL)
	}
	return statemachine.StateUmount, nil
}

// GatherResults uploads the single result tarball, if the generation
// left one behind.
func (m *TranslationTemplates) GatherResults(ctx context.Context, b *statemachine.Build) error {
	p := path.Join(m.HomeDir, m.ResultName)
	exists, err := m.Backend.PathExists(p)
	if err != nil {
		return xerrors.Errorf("managers: translationtemplates: %w", err)
	}
	if !exists {
		return nil
	}
	return addWaitingFileFromBackend(m.Backend, m.Cache, b, p, "")
}

var _ statemachine.Manager = (*TranslationTemplates)(nil)
