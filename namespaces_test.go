package main

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestCloneFlags(t *testing.T) {
	base := cloneFlags(NamespaceConfig{})
	for _, flag := range []uintptr{syscall.CLONE_NEWNS, syscall.CLONE_NEWPID, syscall.CLONE_NEWUTS} {
		if base&flag == 0 {
			t.Errorf("mandatory namespace flag %#x missing", flag)
		}
	}
	if base&syscall.CLONE_NEWNET != 0 || base&syscall.CLONE_NEWUSER != 0 {
		t.Error("optional namespaces enabled without being requested")
	}

	withNet := cloneFlags(NamespaceConfig{Network: true})
	if withNet&syscall.CLONE_NEWNET == 0 {
		t.Error("network namespace not enabled")
	}
	withUser := cloneFlags(NamespaceConfig{User: true})
	if withUser&syscall.CLONE_NEWUSER == 0 {
		t.Error("user namespace not enabled")
	}
}

func TestIDMappings(t *testing.T) {
	in := []IDMap{
		{ContainerID: 0, HostID: 1000, Size: 1},
		{ContainerID: 1, HostID: 100000, Size: 65536},
	}
	out := idMappings(in)
	if len(out) != 2 {
		t.Fatalf("got %d mappings, want 2", len(out))
	}
	if out[0].HostID != 1000 || out[1].Size != 65536 {
		t.Errorf("mappings translated wrong: %+v", out)
	}
}

func TestCloseProceedUnblocksReader(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	child := &ChildProcess{proceed: w}
	child.closeProceed()
	// A second close must be a no-op, including after signalProceed already
	// released the pipe.
	child.closeProceed()

	buf := make([]byte, 1)
	n, err := r.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("reader got (%d, %v), want immediate EOF once the parent drops the pipe", n, err)
	}
}

func TestExitStatus(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	waitErr := cmd.Wait()

	if code := exitStatus(&ChildProcess{Cmd: cmd}, waitErr); code != 7 {
		t.Errorf("exit status = %d, want 7 propagated verbatim", code)
	}
}

func TestExitStatusSignaled(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cmd.Process.Signal(syscall.SIGTERM)
	}()
	waitErr := cmd.Wait()

	want := 128 + int(syscall.SIGTERM)
	if code := exitStatus(&ChildProcess{Cmd: cmd}, waitErr); code != want {
		t.Errorf("exit status = %d, want %d for a signaled process", code, want)
	}
}

func TestExitStatusSuccess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	waitErr := cmd.Wait()

	if code := exitStatus(&ChildProcess{Cmd: cmd}, waitErr); code != 0 {
		t.Errorf("exit status = %d, want 0", code)
	}
}
