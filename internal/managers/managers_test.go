package managers

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/statemachine"
)

func newFakeCache(t *testing.T) *filecache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := filecache.New(dir)
	if err != nil {
		t.Fatalf("filecache.New: %v", err)
	}
	return c
}

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	orig := env.Home
	env.Home = home
	t.Cleanup(func() { env.Home = orig })
	return home
}

func TestSnapCommandArgs(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	cache := newFakeCache(t)
	m := NewSnap(be, cache, nil)

	b := statemachine.NewBuild("1", "snap", "digest", nil, map[string]interface{}{
		"series":   "noble",
		"name":     "mysnap",
		"channels": map[string]interface{}{"snapcraft": "stable", "core22": "candidate"},
		"branch":   "lp:mysnap",
	})
	argv, err := m.Command(b, statemachine.State("BUILD_SNAP"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "buildsnap") {
		t.Errorf("argv missing buildsnap: %q", joined)
	}
	// Channels are emitted in sorted snap order.
	if !strings.Contains(joined, "--channel core22=candidate --channel snapcraft=stable") {
		t.Errorf("argv missing sorted channels: %q", joined)
	}
	if !strings.Contains(joined, "--branch lp:mysnap") {
		t.Errorf("argv missing branch: %q", joined)
	}
	if argv[len(argv)-1] != "mysnap" {
		t.Errorf("name must be the final argument, got %q", argv[len(argv)-1])
	}
}

func TestSnapGatherFiltersBySuffixAndSymlink(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Files["/build/mysnap/mysnap_1.0_amd64.snap"] = []byte("snap!")
	be.Files["/build/mysnap/mysnap_1.0_amd64.manifest"] = []byte("manifest")
	be.Files["/build/mysnap/README"] = []byte("not gathered")
	be.Files["/build/mysnap/link.snap"] = []byte("link")
	be.Links["/build/mysnap/link.snap"] = true
	be.Files["/build/mysnap.tar.gz"] = []byte("source tarball")
	cache := newFakeCache(t)
	m := NewSnap(be, cache, nil)

	b := statemachine.NewBuild("1", "snap", "digest", nil, map[string]interface{}{
		"name":                "mysnap",
		"build_source_tarball": true,
	})
	b.BuildStatus = statemachine.StatusOK
	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}

	want := []string{"mysnap_1.0_amd64.snap", "mysnap_1.0_amd64.manifest", "mysnap.tar.gz"}
	for _, name := range want {
		if _, ok := b.WaitingFiles[name]; !ok {
			t.Errorf("missing waiting file %q (have %v)", name, b.WaitingFiles)
		}
	}
	if _, ok := b.WaitingFiles["README"]; ok {
		t.Errorf("README must not be gathered")
	}
	if _, ok := b.WaitingFiles["link.snap"]; ok {
		t.Errorf("symlinks must not be gathered")
	}
}

func TestLiveFSGatherOnlyLivecdFiles(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Files["/build/livecd.ubuntu.squashfs"] = []byte("squashfs")
	be.Files["/build/livecd.ubuntu.kernel"] = []byte("kernel")
	be.Files["/build/auto"] = []byte("not an image")
	be.Files["/build/livecd.link"] = []byte("link")
	be.Links["/build/livecd.link"] = true
	cache := newFakeCache(t)
	m := NewLiveFS(be, cache)

	b := statemachine.NewBuild("1", "livefs", "digest", nil, map[string]interface{}{})
	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}
	if len(b.WaitingFiles) != 2 {
		t.Fatalf("WaitingFiles = %v, want exactly the two livecd files", b.WaitingFiles)
	}
}

func TestLiveFSCommandFlags(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	m := NewLiveFS(be, newFakeCache(t))

	b := statemachine.NewBuild("1", "livefs", "digest", nil, map[string]interface{}{
		"series":  "noble",
		"project": "ubuntu",
		"pocket":  "proposed",
		"extra_ppas": []interface{}{"owner1/name1", "owner2/name2"},
	})
	argv, err := m.Command(b, statemachine.State("BUILD_LIVEFS"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	joined := strings.Join(argv, " ")
	for _, want := range []string{"--project ubuntu", "--proposed", "--extra-ppa owner1/name1", "--extra-ppa owner2/name2"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %q", want, joined)
		}
	}
}

func TestCIPipelineStopsAfterFailedStage(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Files["/build/output/lint/0/log"] = []byte("lint log")
	be.Files["/build/output/build/0/log"] = []byte("build log")
	be.Files["/build/output/build/0/binary"] = []byte("binary")
	cache := newFakeCache(t)
	statusPath := filepath.Join(t.TempDir(), "status")
	m := NewCI(be, cache, statusPath, nil)

	b := statemachine.NewBuild("1", "ci", "digest", nil, map[string]interface{}{
		"series": "noble",
		"jobs": []interface{}{
			[]interface{}{
				[]interface{}{"lint", float64(0)},
				[]interface{}{"build", float64(0)},
			},
			[]interface{}{
				[]interface{}{"test", float64(0)},
			},
		},
	})

	next, err := m.Iterate(context.Background(), b, stateCIPrepare, 0)
	if err != nil {
		t.Fatalf("Iterate PREPARE: %v", err)
	}
	if next != stateCIRunJob {
		t.Fatalf("next after PREPARE = %v, want RUN_JOB", next)
	}

	next, err = m.Iterate(context.Background(), b, stateCIRunJob, 201)
	if err != nil {
		t.Fatalf("Iterate lint: %v", err)
	}
	if next != stateCIRunJob {
		t.Fatalf("next after lint = %v, want RUN_JOB (stage continues past a failed job)", next)
	}

	next, err = m.Iterate(context.Background(), b, stateCIRunJob, 0)
	if err != nil {
		t.Fatalf("Iterate build: %v", err)
	}
	if next != statemachine.StateUmount {
		t.Fatalf("next after stage one = %v, want UMOUNT (failed stage stops the pipeline)", next)
	}
	if b.BuildStatus != statemachine.StatusPACKAGEFAIL {
		t.Fatalf("BuildStatus = %v, want PACKAGEFAIL", b.BuildStatus)
	}

	for _, name := range []string{"lint:0.log", "build:0.log"} {
		if _, ok := b.WaitingFiles[name]; !ok {
			t.Errorf("missing waiting file %q (have %v)", name, b.WaitingFiles)
		}
	}
	jobs, _ := b.ExtraStatus["jobs"].(map[string]interface{})
	if jobs == nil {
		t.Fatalf("ExtraStatus has no jobs map: %v", b.ExtraStatus)
	}
	lint, _ := jobs["lint:0"].(map[string]interface{})
	if lint == nil || lint["result"] != "FAILED" {
		t.Errorf("lint:0 = %v, want result FAILED", jobs["lint:0"])
	}
	buildJob, _ := jobs["build:0"].(map[string]interface{})
	if buildJob == nil || buildJob["result"] != "SUCCEEDED" {
		t.Errorf("build:0 = %v, want result SUCCEEDED", jobs["build:0"])
	}
	if _, ok := jobs["test:0"]; ok {
		t.Errorf("stage two must never run: %v", jobs)
	}
}

func TestCISingleJobStageFailsImmediately(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	cache := newFakeCache(t)
	m := NewCI(be, cache, filepath.Join(t.TempDir(), "status"), nil)

	b := statemachine.NewBuild("1", "ci", "digest", nil, map[string]interface{}{
		"jobs": []interface{}{
			[]interface{}{[]interface{}{"only", float64(0)}},
			[]interface{}{[]interface{}{"later", float64(0)}},
		},
	})
	if _, err := m.Iterate(context.Background(), b, stateCIPrepare, 0); err != nil {
		t.Fatalf("Iterate PREPARE: %v", err)
	}
	next, err := m.Iterate(context.Background(), b, stateCIRunJob, 201)
	if err != nil {
		t.Fatalf("Iterate only: %v", err)
	}
	if next != statemachine.StateUmount {
		t.Fatalf("next = %v, want UMOUNT", next)
	}
	if b.BuildStatus != statemachine.StatusPACKAGEFAIL {
		t.Fatalf("BuildStatus = %v, want PACKAGEFAIL", b.BuildStatus)
	}
}

// dockerSaveTar builds a minimal docker-save stream: one layer
// directory, a manifest, and an image config.
func dockerSaveTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	add := func(name string, body []byte, typeflag byte) {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: typeflag}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader %s: %v", name, err)
		}
		if typeflag != tar.TypeDir {
			if _, err := tw.Write(body); err != nil {
				t.Fatalf("Write %s: %v", name, err)
			}
		}
	}

	add("abc123/", nil, tar.TypeDir)
	add("abc123/VERSION", []byte("1.0"), tar.TypeReg)
	add("abc123/layer.tar", []byte("layer bytes"), tar.TypeReg)
	add("abc123/json", []byte("{}"), tar.TypeReg)
	manifest, _ := json.Marshal([]map[string]interface{}{{
		"Config": "cfg.json",
		"Layers": []string{"abc123/layer.tar"},
	}})
	add("manifest.json", manifest, tar.TypeReg)
	config, _ := json.Marshal(map[string]interface{}{
		"rootfs": map[string]interface{}{"diff_ids": []string{"sha256:feedface"}},
	})
	add("cfg.json", config, tar.TypeReg)

	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestOCIGatherRepacksLayers(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Outputs["docker"] = dockerSaveTar(t)
	cache := newFakeCache(t)
	m := NewOCI(be, cache, nil)

	b := statemachine.NewBuild("1", "oci", "digest", nil, map[string]interface{}{"name": "myimage"})
	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}

	for _, name := range []string{"manifest.json", "cfg.json", "abc123.tar.gz", "digests.json"} {
		if _, ok := b.WaitingFiles[name]; !ok {
			t.Errorf("missing waiting file %q (have %v)", name, b.WaitingFiles)
		}
	}

	data, err := os.ReadFile(cache.Path(b.WaitingFiles["digests.json"]))
	if err != nil {
		t.Fatalf("reading digests.json: %v", err)
	}
	var digestMaps []map[string]map[string]string
	if err := json.Unmarshal(data, &digestMaps); err != nil {
		t.Fatalf("parsing digests.json: %v", err)
	}
	if len(digestMaps) != 1 {
		t.Fatalf("digestMaps = %v, want one section", digestMaps)
	}
	entry := digestMaps[0]["sha256:feedface"]
	if entry == nil {
		t.Fatalf("no digest entry for diff-id: %v", digestMaps)
	}
	// The layer was built locally: source empty, digest freshly computed.
	if entry["source"] != "" || entry["digest"] == "" || entry["layer_id"] != "abc123" {
		t.Errorf("digest entry = %v", entry)
	}
}

func TestOCIGatherPreservesPulledLayerDigest(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Outputs["docker"] = dockerSaveTar(t)
	meta, _ := json.Marshal([]map[string]string{{
		"Digest":           "sha256:pulleddigest",
		"SourceRepository": "registry.example/ubuntu",
	}})
	be.Files[dockerDiffIDPath+"/feedface"] = meta
	cache := newFakeCache(t)
	m := NewDocker(be, cache, nil)

	b := statemachine.NewBuild("1", "docker", "digest", nil, map[string]interface{}{"name": "myimage"})
	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}
	data, err := os.ReadFile(cache.Path(b.WaitingFiles["digests.json"]))
	if err != nil {
		t.Fatalf("reading digests.json: %v", err)
	}
	var digestMaps []map[string]map[string]string
	if err := json.Unmarshal(data, &digestMaps); err != nil {
		t.Fatalf("parsing digests.json: %v", err)
	}
	entry := digestMaps[0]["sha256:feedface"]
	if entry["digest"] != "sha256:pulleddigest" || entry["source"] != "registry.example/ubuntu" {
		t.Errorf("digest entry = %v, want the upstream digest preserved", entry)
	}
}

func TestBinaryPackageSuccessGathersChangesFiles(t *testing.T) {
	home := setHome(t)
	buildDir := filepath.Join(home, "build-1")
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	changes := "Format: 1.8\n" +
		"Files:\n" +
		" 0123 100 main optional pkg_1.0_amd64.deb\n" +
		"Checksums-Sha256:\n"
	if err := os.WriteFile(filepath.Join(buildDir, "pkg_1.0_amd64.changes"), []byte(changes), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "pkg_1.0_amd64.deb"), []byte("fake deb"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	be := backend.NewFake("noble", "amd64", nil)
	cache := newFakeCache(t)
	m := NewBinaryPackage(be, cache, nil)

	b := statemachine.NewBuild("1", "binarypackage", "digest",
		map[string]string{"pkg_1.0.dsc": "abc"}, map[string]interface{}{"series": "noble"})

	next, err := m.Iterate(context.Background(), b, stateSbuild, 0)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if next != statemachine.StateUmount || b.BuildStatus != statemachine.StatusOK {
		t.Fatalf("next=%v status=%v", next, b.BuildStatus)
	}

	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}
	for _, name := range []string{"pkg_1.0_amd64.changes", "pkg_1.0_amd64.deb"} {
		if _, ok := b.WaitingFiles[name]; !ok {
			t.Errorf("missing waiting file %q (have %v)", name, b.WaitingFiles)
		}
	}
}

func TestBinaryPackageCurrentlyBuilding(t *testing.T) {
	be := backend.NewFake("i386", "i386", nil)
	cache := newFakeCache(t)
	m := NewBinaryPackage(be, cache, nil)

	b := statemachine.NewBuild("1", "binarypackage", "digest",
		map[string]string{"foo_1.dsc": "abc"}, map[string]interface{}{
			"series":          "jammy",
			"suite":           "jammy",
			"arch_tag":        "i386",
			"ogrecomponent":   "main",
			"archive_purpose": "PRIMARY",
		})
	if _, err := m.Command(b, stateSbuild); err != nil {
		t.Fatalf("Command: %v", err)
	}
	got := string(be.Files["/CurrentlyBuilding"])
	want := "Package: foo\nComponent: main\nSuite: jammy\nPurpose: PRIMARY\n"
	if got != want {
		t.Fatalf("/CurrentlyBuilding = %q, want %q", got, want)
	}
}

func TestBinaryPackageDepFailFromHardUnmet(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "buildlog")
	logContents := "Some build output\n" +
		"The following packages have unmet dependencies:\n" +
		" sbuild-build-depends-foo-dummy : Depends: libfoo (>= 2) but it is not installable\n" +
		"E: Unable to correct problems, you have held broken packages.\n" +
		"Fail-Stage: install-deps\n"
	if err := os.WriteFile(logPath, []byte(logContents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	be := backend.NewFake("noble", "amd64", nil)
	cache := newFakeCache(t)
	sink := logsink.New(logPath, logPath+".unsanitized", nil)
	m := NewBinaryPackage(be, cache, sink)

	b := statemachine.NewBuild("1", "binarypackage", "digest",
		map[string]string{"pkg_1.0.dsc": "abc"}, map[string]interface{}{"series": "noble"})

	next, err := m.Iterate(context.Background(), b, stateSbuild, sbuildGivenBack)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if next != statemachine.StateUmount {
		t.Fatalf("next = %v, want UMOUNT", next)
	}
	if b.BuildStatus != statemachine.StatusDEPFAIL {
		t.Fatalf("BuildStatus = %v, want DEPFAIL", b.BuildStatus)
	}
	if b.BuildDependencies != "libfoo (>= 2)" {
		t.Fatalf("BuildDependencies = %q", b.BuildDependencies)
	}
}

func TestBinaryPackageGivenBackWithoutReasonFails(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "buildlog")
	if err := os.WriteFile(logPath, []byte("nothing of interest here\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	be := backend.NewFake("noble", "amd64", nil)
	cache := newFakeCache(t)
	sink := logsink.New(logPath, logPath+".unsanitized", nil)
	m := NewBinaryPackage(be, cache, sink)

	b := statemachine.NewBuild("1", "binarypackage", "digest",
		map[string]string{"pkg_1.0.dsc": "abc"}, map[string]interface{}{"series": "noble"})

	_, err := m.Iterate(context.Background(), b, stateSbuild, sbuildGivenBack)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if b.BuildStatus != statemachine.StatusPACKAGEFAIL {
		t.Fatalf("BuildStatus = %v, want PACKAGEFAIL (no discoverable reason to give back)", b.BuildStatus)
	}
}

func TestBinaryPackageFailureDoesNotOverwriteEarlierFailure(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	m := NewBinaryPackage(be, newFakeCache(t), nil)
	b := statemachine.NewBuild("1", "binarypackage", "digest",
		map[string]string{"pkg_1.0.dsc": "abc"}, map[string]interface{}{})
	b.Fail(statemachine.StatusCHROOTFAIL)

	if _, err := m.Iterate(context.Background(), b, stateSbuild, sbuildBuilderFail); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if b.BuildStatus != statemachine.StatusCHROOTFAIL {
		t.Fatalf("BuildStatus = %v, want the first failure preserved", b.BuildStatus)
	}
}

func TestRecipeDepFailScan(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "buildlog")
	logContents := "Reading package lists...\n" +
		"The following packages have unmet dependencies:\n" +
		" pbuilder-satisfydepends-dummy : Depends: libbar-dev (>= 1.2) but it is not going to be installed\n"
	if err := os.WriteFile(logPath, []byte(logContents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	be := backend.NewFake("noble", "amd64", nil)
	sink := logsink.New(logPath, logPath+".unsanitized", nil)
	m := NewSourcePackageRecipe(be, newFakeCache(t), sink)

	b := statemachine.NewBuild("1", "sourcepackagerecipe", "digest", nil, map[string]interface{}{})
	next, err := m.Iterate(context.Background(), b, stateBuildRecipe, exitRecipeInstallBuildDeps)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if next != statemachine.StateUmount {
		t.Fatalf("next = %v, want UMOUNT", next)
	}
	if b.BuildStatus != statemachine.StatusDEPFAIL {
		t.Fatalf("BuildStatus = %v, want DEPFAIL", b.BuildStatus)
	}
	if b.BuildDependencies != "libbar-dev (>= 1.2)" {
		t.Fatalf("BuildDependencies = %q", b.BuildDependencies)
	}
}

func TestRecipeBuildSourcePackageFailure(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	m := NewSourcePackageRecipe(be, newFakeCache(t), nil)
	b := statemachine.NewBuild("1", "sourcepackagerecipe", "digest", nil, map[string]interface{}{})

	if _, err := m.Iterate(context.Background(), b, stateBuildRecipe, exitRecipeBuildSourcePackage); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if b.BuildStatus != statemachine.StatusPACKAGEFAIL {
		t.Fatalf("BuildStatus = %v, want PACKAGEFAIL", b.BuildStatus)
	}
}

func TestCraftToolGatherSuffixes(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Files["/build/myrock/myrock_1.0.rock"] = []byte("rock!")
	be.Files["/build/myrock/other.txt"] = []byte("notes")
	cache := newFakeCache(t)
	m := NewRock(be, cache, nil)

	b := statemachine.NewBuild("1", "rock", "digest", nil, map[string]interface{}{"name": "myrock"})
	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}
	if _, ok := b.WaitingFiles["myrock_1.0.rock"]; !ok {
		t.Errorf("missing .rock artifact: %v", b.WaitingFiles)
	}
	if _, ok := b.WaitingFiles["other.txt"]; ok {
		t.Errorf("non-.rock file must not be gathered: %v", b.WaitingFiles)
	}
}

func TestCraftEnvironmentVariables(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	m := NewCraft(be, newFakeCache(t), nil)

	b := statemachine.NewBuild("1", "craft", "digest", nil, map[string]interface{}{
		"name": "mycraft",
		"environment_variables": map[string]interface{}{
			"CARGO_ARTIFACTORY1_URL": "https://example.test/cargo",
		},
	})
	argv, err := m.Command(b, statemachine.State("BUILD_CRAFT"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "--environment-variable CARGO_ARTIFACTORY1_URL=https://example.test/cargo") {
		t.Errorf("argv missing environment variable passthrough: %q", joined)
	}
}

func TestTranslationTemplatesGather(t *testing.T) {
	be := backend.NewFake("noble", "amd64", nil)
	be.Files["/home/buildd/translation-templates.tar.gz"] = []byte("templates")
	cache := newFakeCache(t)
	m := NewTranslationTemplates(be, cache)

	b := statemachine.NewBuild("1", "translationtemplates", "digest", nil, map[string]interface{}{
		"branch_url": "lp:~translator/project/trunk",
	})
	argv, err := m.Command(b, stateGenerate)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if argv[len(argv)-2] != "lp:~translator/project/trunk" || argv[len(argv)-1] != defaultResultArchive {
		t.Errorf("argv tail = %v", argv[len(argv)-2:])
	}

	if err := m.GatherResults(context.Background(), b); err != nil {
		t.Fatalf("GatherResults: %v", err)
	}
	if _, ok := b.WaitingFiles[defaultResultArchive]; !ok {
		t.Errorf("missing result tarball: %v", b.WaitingFiles)
	}
}
