package rpcapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/canonical/buildd-worker/internal/builder"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cacheDir := t.TempDir()
	cache, err := filecache.New(cacheDir)
	if err != nil {
		t.Fatalf("filecache.New: %v", err)
	}
	sink := logsink.New(filepath.Join(cacheDir, "buildlog"), filepath.Join(cacheDir, "buildlog.unsanitized"), nil)
	b := builder.New(cache, sink, t.TempDir(), "amd64", "1.0-test", nil)
	s := New(b, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, ts *httptest.Server, method string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/"+method, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Post %s: %v", method, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", method, err)
		}
	}
	return resp
}

func TestEcho(t *testing.T) {
	_, ts := newTestServer(t)
	var got []interface{}
	post(t, ts, "echo", map[string]interface{}{"args": []interface{}{"a", float64(2)}}, &got)
	if len(got) != 2 || got[0] != "a" || got[1] != float64(2) {
		t.Fatalf("echo = %v", got)
	}
}

func TestInfo(t *testing.T) {
	_, ts := newTestServer(t)
	var got []interface{}
	post(t, ts, "info", map[string]interface{}{}, &got)
	if len(got) != 3 {
		t.Fatalf("info = %v", got)
	}
	if got[0] != ProtocolVersion {
		t.Errorf("protocol = %v, want %q", got[0], ProtocolVersion)
	}
	if got[1] != "amd64" {
		t.Errorf("arch = %v", got[1])
	}
	tags, _ := got[2].([]interface{})
	if len(tags) == 0 {
		t.Errorf("no manager tags reported")
	}
}

func TestStatusIdle(t *testing.T) {
	_, ts := newTestServer(t)
	var got map[string]interface{}
	post(t, ts, "status", map[string]interface{}{}, &got)
	if got["builder_status"] != "IDLE" {
		t.Fatalf("status = %v", got)
	}
	if _, ok := got["builder_version"]; !ok {
		t.Fatalf("status missing builder_version: %v", got)
	}
}

func TestEnsurePresentNoURL(t *testing.T) {
	_, ts := newTestServer(t)
	var got []interface{}
	post(t, ts, "ensurepresent", map[string]interface{}{"sha1sum": "deadbeef"}, &got)
	if got[0] != false || got[1] != "No URL" {
		t.Fatalf("ensurepresent = %v", got)
	}
}

func TestEnsurePresentCacheHit(t *testing.T) {
	s, ts := newTestServer(t)
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := s.Builder.Cache.Store(path)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	var got []interface{}
	post(t, ts, "ensurepresent", map[string]interface{}{"sha1sum": sum, "url": "http://unused.example/"}, &got)
	if got[0] != true || got[1] != "Cache" {
		t.Fatalf("ensurepresent = %v", got)
	}
}

func TestBuildUnknownManagerTag(t *testing.T) {
	_, ts := newTestServer(t)
	var got []interface{}
	post(t, ts, "build", map[string]interface{}{
		"build_id":    "1",
		"manager_tag": "nonesuch",
		"chroot_sha1": "deadbeef",
	}, &got)
	if got[0] != StatusUnknownBuilder {
		t.Fatalf("build = %v, want UNKNOWNBUILDER", got)
	}
}

func TestBuildUnknownChrootSum(t *testing.T) {
	_, ts := newTestServer(t)
	var got []interface{}
	post(t, ts, "build", map[string]interface{}{
		"build_id":    "1",
		"manager_tag": "binarypackage",
		"chroot_sha1": "deadbeef",
	}, &got)
	if got[0] != StatusUnknownSum {
		t.Fatalf("build = %v, want UNKNOWNSUM", got)
	}
}

func TestBuildUnknownInputFileSum(t *testing.T) {
	s, ts := newTestServer(t)
	chroot := filepath.Join(t.TempDir(), "chroot.tar.gz")
	if err := os.WriteFile(chroot, []byte("chroot"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := s.Builder.Cache.Store(chroot)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	var got []interface{}
	post(t, ts, "build", map[string]interface{}{
		"build_id":    "1",
		"manager_tag": "binarypackage",
		"chroot_sha1": sum,
		"filemap":     map[string]string{"pkg_1.0.dsc": "feedfacefeedface"},
	}, &got)
	if got[0] != StatusUnknownSum {
		t.Fatalf("build = %v, want UNKNOWNSUM for the missing input file", got)
	}
}

func TestAbortWhenIdleConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	resp := post(t, ts, "abort", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("abort status = %d, want 409", resp.StatusCode)
	}
}

func TestCleanWhenIdleConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	resp := post(t, ts, "clean", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("clean status = %d, want 409", resp.StatusCode)
	}
}

func TestProxyInfoIdle(t *testing.T) {
	_, ts := newTestServer(t)
	var got map[string]interface{}
	post(t, ts, "proxy_info", map[string]interface{}{}, &got)
	if got["use_fetch_service"] != false {
		t.Fatalf("proxy_info = %v", got)
	}
}
