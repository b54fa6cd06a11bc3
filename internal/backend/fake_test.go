package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFakeCopyInOutRoundTrip(t *testing.T) {
	f := NewFake("noble", "amd64", nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "payload")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.CopyIn(src, "/build/payload"); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out")
	if err := f.CopyOut("/build/payload", dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestFakeRunRecordsCallsAndExitCode(t *testing.T) {
	f := NewFake("noble", "amd64", nil)
	f.ExitCodes["sbuild-package"] = 3
	f.Outputs["sbuild-package"] = []byte("GIVENBACK\n")

	res, err := f.Run(context.Background(), []string{"sbuild-package", "--arg"}, RunOptions{GetOutput: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if string(res.Stdout) != "GIVENBACK\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if len(f.Calls) != 1 || f.Calls[0].Argv[0] != "sbuild-package" {
		t.Fatalf("calls not recorded: %+v", f.Calls)
	}
}

func TestFakeListDirAndFind(t *testing.T) {
	f := NewFake("noble", "amd64", nil)
	f.Files["/build/a.snap"] = []byte("x")
	f.Files["/build/sub/b.manifest"] = []byte("y")

	names, err := f.ListDir("/build")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a.snap" || names[1] != "sub" {
		t.Fatalf("listdir = %v", names)
	}

	all, err := f.Find("/build", true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.snap", "sub", "sub/b.manifest"}
	if len(all) != len(want) {
		t.Fatalf("find = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("find[%d] = %q, want %q", i, all[i], want[i])
		}
	}
}

func TestFakeScopedFileWritesBack(t *testing.T) {
	f := NewFake("noble", "amd64", nil)
	f.Files["/build/status"] = []byte(`{"a":1}`)

	sf, err := f.Open("/build/status", os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sf.Write([]byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := sf.Close(); err != nil {
		t.Fatal(err)
	}
	if string(f.Files["/build/status"]) != `{"a":1}{"a":2}` {
		t.Fatalf("got %q", f.Files["/build/status"])
	}
}
