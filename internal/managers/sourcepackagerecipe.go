package managers

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const stateBuildRecipe statemachine.State = "BUILD_RECIPE"

// Recipe-specific exit codes, on top of the shared 0/200/201 taxonomy:
// 202 is a failure to install the build-dependencies of the recipe's
// resulting tree (a dep-wait candidate), 203 is dpkg-buildpackage
// failing on the assembled source package.
const (
	exitRecipeInstallBuildDeps   = 202
	exitRecipeBuildSourcePackage = 203
)

// recipeDepFailRE extracts the missing dependency from apt's output when
// installing the recipe tree's build-dependencies failed.
var recipeDepFailRE = regexp.MustCompile(
	`(?m)The following packages have unmet dependencies:\n.*: Depends: ([^ ]*( \([^)]*\))?)`)

// SourcePackageRecipe builds a source package from a recipe (a base
// branch plus merge/nest instructions) rather than from an uploaded
// .dsc. The buildrecipe helper runs on the host and drives
// dpkg-buildpackage inside the chroot itself.
type SourcePackageRecipe struct {
	Backend backend.Backend
	Cache   *filecache.Cache
	Sink    *logsink.Sink
}

func NewSourcePackageRecipe(be backend.Backend, cache *filecache.Cache, sink *logsink.Sink) *SourcePackageRecipe {
	return &SourcePackageRecipe{Backend: be, Cache: cache, Sink: sink}
}

func (m *SourcePackageRecipe) Tag() string                      { return "sourcepackagerecipe" }
func (m *SourcePackageRecipe) InitialState() statemachine.State { return stateBuildRecipe }
func (m *SourcePackageRecipe) SanitizesLog() bool               { return false }

func (m *SourcePackageRecipe) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != stateBuildRecipe {
		return nil, xerrors.Errorf("managers: sourcepackagerecipe: unexpected state %s", state)
	}
	recipeText := b.ExtraArg("recipe_text")
	if recipeText == "" {
		return nil, xerrors.New("managers: sourcepackagerecipe: no recipe_text")
	}
	if err := m.writeRecipe(recipeText); err != nil {
		return nil, err
	}

	argv := []string{env.HelperPath("buildrecipe")}
	if b.ExtraArgBool("git") {
		argv = append(argv, "--git")
	}
	return append(argv,
		b.ID,
		b.ExtraArg("author_name"),
		b.ExtraArg("author_email"),
		b.ExtraArg("suite"),
		b.ExtraArg("series"),
		b.ExtraArg("ogrecomponent"),
		b.ExtraArg("archive_purpose"),
	), nil
}

// writeRecipe places the recipe text where buildrecipe expects it,
// inside the build user's work directory in the target.
func (m *SourcePackageRecipe) writeRecipe(text string) error {
	if _, err := m.Backend.Run(context.Background(),
		[]string{"mkdir", "-p", "/home/buildd/work"}, backend.RunOptions{}); err != nil {
		return xerrors.Errorf("managers: sourcepackagerecipe: %w", err)
	}
	f, err := m.Backend.Open("/home/buildd/work/recipe", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return xerrors.Errorf("managers: sourcepackagerecipe: %w", err)
	}
	if _, err := f.Write([]byte(text)); err != nil {
		f.Close()
		return xerrors.Errorf("managers: sourcepackagerecipe: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("managers: sourcepackagerecipe: %w", err)
	}
	return nil
}

func (m *SourcePackageRecipe) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != stateBuildRecipe {
		return statemachine.StateUmount, xerrors.Errorf("managers: sourcepackagerecipe: unexpected state %s", state)
	}
	switch {
	case exitCode == statemachine.ExitSuccess:
		b.BuildStatus = statemachine.StatusOK
	case exitCode == exitRecipeInstallBuildDeps:
		if dep := m.missingDependency(); dep != "" {
			b.BuildDependencies = dep
			b.Fail(statemachine.StatusDEPFAIL)
		} else {
			b.Fail(statemachine.StatusPACKAGEFAIL)
		}
	case exitCode >= statemachine.ExitFailureInstall && exitCode <= exitRecipeBuildSourcePackage:
		b.Fail(statemachine.StatusPACKAGEFAIL)
	default:
		b.Fail(statemachine.StatusBUILDERFAIL)
	}
	return statemachine.StateUmount, nil
}

// missingDependency scans the build log for apt's unmet-dependency
// message and returns the dependency relation, or "".
func (m *SourcePackageRecipe) missingDependency() string {
	if m.Sink == nil {
		return ""
	}
	i, mo := searchLog(m.Sink.Path(), []*regexp.Regexp{recipeDepFailRE}, nil)
	if i < 0 || len(mo) < 2 {
		return ""
	}
	return string(mo[1])
}

// GatherResults locates the *_source.changes in the build tree, uploads
// it and every file its Files: section lists, plus the recipe manifest.
func (m *SourcePackageRecipe) GatherResults(ctx context.Context, b *statemachine.Build) error {
	buildDir := env.BuildPath(env.Home, b.ID)
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return xerrors.Errorf("managers: sourcepackagerecipe: %w", err)
	}
	changes := ""
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_source.changes") {
			changes = e.Name()
			break
		}
	}
	if changes == "" {
		return xerrors.New("managers: sourcepackagerecipe: no _source.changes in build tree")
	}

	changesPath := env.BuildPath(env.Home, b.ID, changes)
	if err := addWaitingFile(m.Cache, b, changesPath, changes); err != nil {
		return err
	}
	names, err := changesFiles(changesPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := addWaitingFile(m.Cache, b, env.BuildPath(env.Home, b.ID, name), name); err != nil {
			return err
		}
	}
	return addWaitingFile(m.Cache, b, env.BuildPath(env.Home, b.ID, "manifest"), "manifest")
}

var _ statemachine.Manager = (*SourcePackageRecipe)(nil)
