package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/vishvananda/netlink"
)

// TestMain routes the re-exec of the test binary into the in-namespace
// setup path, the same dispatch the real binary does in main. It also
// doubles as the sandboxed workload for the end-to-end tests: the test
// binary is statically linked, so a copy of it inside an otherwise empty
// rootfs is a runnable command.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == childArg {
		ctx := WithLogger(context.Background(),
			slog.New(slog.NewTextHandler(os.Stderr, nil)))
		if err := runChild(ctx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if len(os.Args) > 2 && os.Args[1] == "workload" {
		os.Exit(runWorkloadHelper(os.Args[2:]))
	}
	os.Exit(m.Run())
}

// runWorkloadHelper is the in-sandbox side of the end-to-end tests.
func runWorkloadHelper(args []string) int {
	switch args[0] {
	case "write-exit":
		// write-exit <path> <content> <code>
		if err := os.WriteFile(args[1], []byte(args[2]), 0o644); err != nil {
			return 1
		}
		code, err := strconv.Atoi(args[3])
		if err != nil {
			return 1
		}
		return code
	case "hog":
		// Touch far more memory than the test's memory.max allows; under an
		// enforced limit the kernel kills us before the loop finishes.
		var blocks [][]byte
		for i := 0; i < 256; i++ {
			b := make([]byte, 1<<20)
			for j := 0; j < len(b); j += 4096 {
				b[j] = 1
			}
			blocks = append(blocks, b)
		}
		runtime.KeepAlive(blocks)
		return 0
	}
	return 2
}

// installWorkload copies the test binary into the rootfs so the sandbox has
// a command to exec.
func installWorkload(t *testing.T, root string) {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	if err := copyFile(self, filepath.Join(root, "rootfs", "workload"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestSandboxStateString(t *testing.T) {
	cases := map[SandboxState]string{
		StateCreated:        "created",
		StateMounted:        "mounted",
		StateRunning:        "running",
		StateCleaned:        "cleaned",
		SandboxState(99):    "unknown(99)",
		StateTearingDown:    "tearing_down",
		StateLayersPrepared: "layers_prepared",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestTeardownReverseOrder(t *testing.T) {
	s := NewSandbox(validTestSpec())

	var order []string
	for _, name := range []string{"layers", "overlay", "network"} {
		name := name
		s.pushTeardown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	s.Teardown(testContext())

	want := []string{"network", "overlay", "layers"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("teardown order %v, want %v", order, want)
		}
	}
	if s.State() != StateCleaned {
		t.Errorf("state after teardown = %s, want cleaned", s.State())
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	s := NewSandbox(validTestSpec())
	runs := 0
	s.pushTeardown("counter", func(context.Context) error {
		runs++
		return nil
	})

	s.Teardown(testContext())
	s.Teardown(testContext())

	if runs != 1 {
		t.Fatalf("teardown step ran %d times, want 1", runs)
	}
}

func TestTeardownCollectsWarnings(t *testing.T) {
	s := NewSandbox(validTestSpec())
	var ran []string
	s.pushTeardown("first", func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	s.pushTeardown("failing", func(context.Context) error {
		ran = append(ran, "failing")
		return errors.New("cannot release")
	})
	s.pushTeardown("last", func(context.Context) error {
		ran = append(ran, "last")
		return nil
	})

	warnings := s.Teardown(testContext())

	// A failing step is recorded but never stops the remaining steps.
	if len(ran) != 3 {
		t.Fatalf("only %v ran; a failure must not abort teardown", ran)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
}

func TestRunFailsPreconditionWithoutTeardown(t *testing.T) {
	spec := validTestSpec()
	spec.Root = "/nonexistent/sandbox/root"
	s := NewSandbox(spec)

	code, err := s.Run(testContext())
	if !IsKind(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1 for a run that never started", code)
	}
	if s.State() != StateCleaned {
		t.Errorf("state = %s, want cleaned", s.State())
	}
	if s.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d, want -1", s.ExitCode())
	}
}

func TestPreconditionLeavesNoSideEffects(t *testing.T) {
	root := makeSandboxRoot(t)
	if err := os.WriteFile(filepath.Join(root, "upper", "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec := validTestSpec()
	spec.Root = root

	s := NewSandbox(spec)
	if _, err := s.Run(testContext()); !IsKind(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	// Nothing may have been created: no merge point, no recreated work dir.
	if _, err := os.Stat(filepath.Join(root, "merged")); !os.IsNotExist(err) {
		t.Error("merge directory was created despite the failed precondition")
	}
	if _, err := os.Stat(filepath.Join(root, "work")); !os.IsNotExist(err) {
		t.Error("work directory was created despite the failed precondition")
	}
}

func TestSandboxIsSingleUse(t *testing.T) {
	spec := validTestSpec()
	spec.Root = "/nonexistent/sandbox/root"
	s := NewSandbox(spec)

	s.Run(testContext())
	if _, err := s.Run(testContext()); err == nil {
		t.Fatal("second Run on the same sandbox must fail")
	}
}

func TestRunWithoutNetworkCreatesNoLinks(t *testing.T) {
	requireRoot(t)

	countVeths := func() int {
		links, err := netlink.LinkList()
		if err != nil {
			t.Skipf("netlink unavailable: %v", err)
		}
		n := 0
		for _, l := range links {
			if strings.HasPrefix(l.Attrs().Name, vethPrefix) {
				n++
			}
		}
		return n
	}

	before := countVeths()

	root := makeSandboxRoot(t)
	spec := validTestSpec()
	spec.Root = root
	spec.Namespaces.Network = false

	s := NewSandbox(spec)
	if _, err := s.Run(testContext()); err != nil {
		t.Skipf("full lifecycle unavailable in this environment: %v", err)
	}

	if after := countVeths(); after != before {
		t.Errorf("veth count changed from %d to %d on a run with no network requested", before, after)
	}
}

func TestRunPropagatesExitCodeAndDelta(t *testing.T) {
	requireRoot(t)

	root := makeSandboxRoot(t)
	installWorkload(t, root)
	spec := validTestSpec()
	spec.Root = root
	spec.Command = []string{"/workload", "workload", "write-exit", "/out.txt", "delta", "7"}

	s := NewSandbox(spec)
	code, err := s.Run(testContext())
	if err != nil {
		t.Skipf("full lifecycle unavailable in this environment: %v", err)
	}

	if code != 7 {
		t.Fatalf("exit code = %d, want 7 propagated verbatim", code)
	}
	// The workload's write lands in upper, and only in upper.
	data, err := os.ReadFile(filepath.Join(root, "upper", "out.txt"))
	if err != nil || string(data) != "delta" {
		t.Errorf("workload write missing from upper: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "rootfs", "out.txt")); !os.IsNotExist(err) {
		t.Error("workload write leaked into the read-only rootfs layer")
	}
	if s.State() != StateCleaned {
		t.Errorf("state = %s, want cleaned", s.State())
	}
}

func TestRunMemoryLimitKillsWorkload(t *testing.T) {
	requireRoot(t)

	root := makeSandboxRoot(t)
	installWorkload(t, root)
	spec := validTestSpec()
	spec.Root = root
	spec.Command = []string{"/workload", "workload", "hog"}
	spec.Cgroup.Memory = "32Mi"

	s := NewSandbox(spec)
	code, err := s.Run(testContext())
	if IsKind(err, ErrResource) {
		t.Fatalf("an enforced memory limit must surface as the kill status, never a resource error: %v", err)
	}
	if err != nil {
		t.Skipf("full lifecycle unavailable in this environment: %v", err)
	}
	if code == 0 {
		t.Skip("memory controller unavailable; limit was not enforced")
	}
	if want := 128 + int(syscall.SIGKILL); code != want {
		t.Errorf("exit code = %d, want %d from the kernel's kill", code, want)
	}
}
