package subprocess

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestRunDeliversExitCodeOnce(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	var calls int
	var gotCode int
	done := make(chan struct{})

	h, err := Run(context.Background(), "/bin/sh", []string{"sh", "-c", "echo hi; exit 3"}, Options{Output: &buf}, func(code int) {
		mu.Lock()
		calls++
		gotCode = code
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = h

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("exit callback invoked %d times, want 1", calls)
	}
	if gotCode != 3 {
		t.Fatalf("exit code = %d, want 3", gotCode)
	}
	if !bytes.Contains(buf.Bytes(), []byte("hi")) {
		t.Fatalf("output = %q, want it to contain %q", buf.String(), "hi")
	}
}

func TestIgnoreSuppressesCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	h, err := Run(context.Background(), "/bin/sh", []string{"sh", "-c", "exit 0"}, Options{}, func(int) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	h.Ignore()

	select {
	case <-called:
		t.Fatal("exit callback fired despite Ignore")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFailTimerDisarmedOnNaturalExit(t *testing.T) {
	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	h, err := Run(context.Background(), "/bin/sh", []string{"sh", "-c", "exit 0"}, Options{}, func(int) {
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	h.ArmFailTimer(50*time.Millisecond, func() { fired <- struct{}{} })

	<-done
	select {
	case <-fired:
		t.Fatal("fail timer fired even though the process exited naturally")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDisarmFailTimerPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	h, err := Run(context.Background(), "/bin/sh", []string{"sh", "-c", "sleep 5"}, Options{}, func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	h.ArmFailTimer(30*time.Millisecond, func() { fired <- struct{}{} })
	h.DisarmFailTimer()
	h.Kill()

	select {
	case <-fired:
		t.Fatal("fail timer fired after being disarmed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTargetArgs(t *testing.T) {
	got := TargetArgs("buildrecipe", "lxd", "noble", "amd64", []string{"gpu"}, "BUILD-123", "--trusted-keys=abc")
	want := []string{
		"buildrecipe",
		"--backend=lxd", "--series=noble", "--arch=amd64",
		"--constraint=gpu",
		"BUILD-123",
		"--trusted-keys=abc",
	}
	if len(got) != len(want) {
		t.Fatalf("len(args) = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
