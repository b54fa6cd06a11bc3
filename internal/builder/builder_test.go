package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/managers"
	"github.com/canonical/buildd-worker/internal/statemachine"
)

// writeScript installs an executable shell script at dir/bin/name, for
// use as the builder-prep/in-target helpers.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()

	share := t.TempDir()
	writeScript(t, share, "builder-prep", "exit 0")
	writeScript(t, share, "in-target", "exit 0")
	origShare := env.SharePath
	env.SharePath = share
	t.Cleanup(func() { env.SharePath = origShare })

	home := t.TempDir()
	origHome := env.Home
	env.Home = home
	t.Cleanup(func() { env.Home = origHome })

	cacheDir := t.TempDir()
	cache, err := filecache.New(cacheDir)
	if err != nil {
		t.Fatalf("filecache.New: %v", err)
	}
	sink := logsink.New(filepath.Join(cacheDir, "buildlog"), filepath.Join(cacheDir, "buildlog.unsanitized"), nil)

	w := New(cache, sink, home, "amd64", "1.0-test", nil)
	// The trivial tag runs the livefs manager against an in-memory fake
	// backend whose /build is empty, so the whole lifecycle completes
	// with helper scripts alone.
	w.Register("trivial", ManagerFactory{BackendName: "chroot", New: func(d ManagerDeps) statemachine.Manager {
		return managers.NewLiveFS(backend.NewFake("noble", "amd64", nil), d.Cache)
	}})
	return w
}

func waitForStatus(t *testing.T, w *Builder, want statemachine.BuilderStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.Status()["builder_status"] == string(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for builder status %s (currently %v)", want, w.Status()["builder_status"])
}

func startTrivialBuild(t *testing.T, w *Builder, id string) {
	t.Helper()
	err := w.Start(context.Background(), id, "trivial", "digest", nil, map[string]interface{}{
		"series": "noble",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestDefaultRegistryCoversAllBuildTypes(t *testing.T) {
	w := newTestBuilder(t)
	for _, tag := range []string{
		"binarypackage", "livefs", "snap", "oci", "docker", "ci",
		"sourcepackagerecipe", "translationtemplates", "rock", "source",
		"charm", "craft",
	} {
		if !w.Knows(tag) {
			t.Errorf("registry missing %q", tag)
		}
	}
}

func TestLifecycleBuildingWaitingIdle(t *testing.T) {
	w := newTestBuilder(t)

	if got := w.Status()["builder_status"]; got != "IDLE" {
		t.Fatalf("initial status = %v, want IDLE", got)
	}

	startTrivialBuild(t, w, "1")
	waitForStatus(t, w, statemachine.BuilderWAITING, 5*time.Second)

	status := w.Status()
	if status["build_status"] != "OK" {
		t.Fatalf("build_status = %v, want OK (full status: %v)", status["build_status"], status)
	}
	if status["build_id"] != "1" {
		t.Fatalf("build_id = %v", status["build_id"])
	}
	if _, ok := status["filemap"]; !ok {
		t.Fatalf("WAITING status missing filemap: %v", status)
	}

	if err := w.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if got := w.Status()["builder_status"]; got != "IDLE" {
		t.Fatalf("status after clean = %v, want IDLE", got)
	}
}

func TestStartWhileBuildingIsRejected(t *testing.T) {
	w := newTestBuilder(t)
	startTrivialBuild(t, w, "1")

	err := w.Start(context.Background(), "2", "trivial", "digest", nil, map[string]interface{}{"series": "noble"})
	if err == nil {
		t.Fatalf("second Start must be rejected")
	}
	waitForStatus(t, w, statemachine.BuilderWAITING, 5*time.Second)
}

func TestCleanOutsideWaitingIsRejected(t *testing.T) {
	w := newTestBuilder(t)
	if err := w.Clean(); err == nil {
		t.Fatalf("Clean in IDLE must be rejected")
	}
}

func TestAbortOutsideBuildingIsRejected(t *testing.T) {
	w := newTestBuilder(t)
	if err := w.Abort(context.Background()); err == nil {
		t.Fatalf("Abort in IDLE must be rejected")
	}
}

func TestCleanRemovesWaitingFilesAndBuildlog(t *testing.T) {
	w := newTestBuilder(t)
	startTrivialBuild(t, w, "1")
	waitForStatus(t, w, statemachine.BuilderWAITING, 5*time.Second)

	// Simulate a gathered artifact.
	artifact := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(artifact, []byte("artifact"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := w.Cache.Store(artifact)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	w.build.WaitingFiles["out.bin"] = sum

	if err := w.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(w.Cache.Path(sum)); !os.IsNotExist(err) {
		t.Fatalf("waiting file still present after clean")
	}
	if _, err := os.Stat(w.Sink.Path()); !os.IsNotExist(err) {
		t.Fatalf("buildlog still present after clean")
	}
}

func TestBuildTreeSymlinksInputFiles(t *testing.T) {
	w := newTestBuilder(t)

	input := filepath.Join(t.TempDir(), "pkg_1.0.dsc")
	if err := os.WriteFile(input, []byte("dsc"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := w.Cache.Store(input)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	err = w.Start(context.Background(), "7", "trivial", "digest",
		map[string]string{"pkg_1.0.dsc": sum}, map[string]interface{}{"series": "noble"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	link := env.BuildPath(w.Home, "7", "pkg_1.0.dsc")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != w.Cache.Path(sum) {
		t.Fatalf("symlink target = %q, want %q", target, w.Cache.Path(sum))
	}
	waitForStatus(t, w, statemachine.BuilderWAITING, 5*time.Second)
}

func TestProxyInfoReflectsCurrentBuild(t *testing.T) {
	w := newTestBuilder(t)

	info := w.ProxyInfo()
	if info["use_fetch_service"] != false || info["revocation_endpoint"] != "" {
		t.Fatalf("idle proxy info = %v", info)
	}

	err := w.Start(context.Background(), "1", "trivial", "digest", nil, map[string]interface{}{
		"series":              "noble",
		"use_fetch_service":   true,
		"revocation_endpoint": "https://proxy.example/tokens/1",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	info = w.ProxyInfo()
	if info["use_fetch_service"] != true || info["revocation_endpoint"] != "https://proxy.example/tokens/1" {
		t.Fatalf("proxy info = %v", info)
	}
	waitForStatus(t, w, statemachine.BuilderWAITING, 5*time.Second)
}

func TestUnknownTagIsRejected(t *testing.T) {
	w := newTestBuilder(t)
	err := w.Start(context.Background(), "1", "nonesuch", "digest", nil, map[string]interface{}{"series": "noble"})
	if err == nil {
		t.Fatalf("unknown tag must be rejected")
	}
	if got := w.Status()["builder_status"]; got != "IDLE" {
		t.Fatalf("status after rejected start = %v, want IDLE", got)
	}
}
