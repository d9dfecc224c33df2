package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// childArg is the argv[1] token that routes a re-exec of this binary into
// the in-namespace setup path instead of the CLI.
const childArg = "child"

// childPayload is what the parent hands the child over the config pipe. The
// child re-derives network addresses from the spec, so only the spec and
// the mount point need to cross.
type childPayload struct {
	Spec     *SandboxSpec `json:"spec"`
	MergeDir string       `json:"merge_dir"`
}

// ChildProcess is the parent's handle on the re-executed child: the process
// itself plus the two handshake pipe ends the parent keeps.
type ChildProcess struct {
	Cmd *exec.Cmd
	// ready is the read end the child reports setup completion on.
	ready *os.File
	// proceed is the write end that releases the child into exec.
	proceed *os.File
	// pty is the master end of the pseudo-terminal, set only in TTY mode.
	pty *os.File
}

func (c *ChildProcess) Pid() int {
	return c.Cmd.Process.Pid
}

// closeProceed drops the parent's end of the proceed pipe without granting
// the go-ahead. A child still blocked in its handshake sees EOF and exits
// instead of waiting out the full pipe timeout. Idempotent, and safe after
// signalProceed has already closed the pipe.
func (c *ChildProcess) closeProceed() {
	if c.proceed != nil {
		c.proceed.Close()
		c.proceed = nil
	}
}

// cloneFlags composes the namespace clone set for a spec. Mount, PID and
// UTS namespaces are unconditional; network and user are opt-in.
func cloneFlags(cfg NamespaceConfig) uintptr {
	flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS
	if cfg.Network {
		flags |= syscall.CLONE_NEWNET
	}
	if cfg.User {
		flags |= syscall.CLONE_NEWUSER
	}
	return uintptr(flags)
}

// spawnChild re-executes this binary with the namespace clone flags and
// starts it. The child blocks after its in-namespace setup until
// signalProceed is called, which keeps network wiring and cgroup attachment
// strictly before the workload's exec.
func spawnChild(ctx context.Context, spec *SandboxSpec, mergeDir string) (*ChildProcess, error) {
	logger := Logger(ctx).With("component", "namespaces")

	payload, err := json.Marshal(childPayload{Spec: spec, MergeDir: mergeDir})
	if err != nil {
		return nil, namespaceError("payload", err)
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, namespaceError("pipe", err)
	}
	proceedR, proceedW, err := os.Pipe()
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, namespaceError("pipe", err)
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		readyR.Close()
		readyW.Close()
		proceedR.Close()
		proceedW.Close()
		return nil, namespaceError("pipe", err)
	}
	// The payload is far below the pipe buffer size, so this write cannot
	// block before the child starts reading.
	if _, err := configW.Write(payload); err != nil {
		readyR.Close()
		readyW.Close()
		proceedR.Close()
		proceedW.Close()
		configR.Close()
		configW.Close()
		return nil, namespaceError("payload", err)
	}
	configW.Close()

	cmd := exec.Command("/proc/self/exe", childArg)
	// ExtraFiles land at fd 3, 4 and 5 in the child, matching readyPipeFD,
	// proceedPipeFD and configPipeFD.
	cmd.ExtraFiles = []*os.File{readyW, proceedR, configR}

	attr := &syscall.SysProcAttr{
		Cloneflags:   cloneFlags(spec.Namespaces),
		Unshareflags: syscall.CLONE_NEWNS,
	}
	if spec.Namespaces.User {
		attr.UidMappings = idMappings(spec.Namespaces.UIDMappings)
		attr.GidMappings = idMappings(spec.Namespaces.GIDMappings)
		attr.GidMappingsEnableSetgroups = false
	}

	var ptmx *os.File
	if spec.Process.TTY {
		attr.Setsid = true
		attr.Setctty = true
		ptmx, err = pty.StartWithAttrs(cmd, nil, attr)
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = attr
		err = cmd.Start()
	}
	if err != nil {
		readyR.Close()
		readyW.Close()
		proceedR.Close()
		proceedW.Close()
		configR.Close()
		return nil, namespaceError("clone", fmt.Errorf("failed to start sandbox process: %w", err))
	}
	// The child owns its copies now.
	readyW.Close()
	proceedR.Close()
	configR.Close()

	logger.Debug("Sandbox process started", "pid", cmd.Process.Pid,
		"user_ns", spec.Namespaces.User, "net_ns", spec.Namespaces.Network)
	return &ChildProcess{Cmd: cmd, ready: readyR, proceed: proceedW, pty: ptmx}, nil
}

func idMappings(maps []IDMap) []syscall.SysProcIDMap {
	out := make([]syscall.SysProcIDMap, 0, len(maps))
	for _, m := range maps {
		out = append(out, syscall.SysProcIDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		})
	}
	return out
}

// waitForChildReady blocks until the child reports that its in-namespace
// setup finished, or failed, or the handshake timed out. On failure the
// child is killed so the parent never tears down around a half-built
// sandbox that is still running.
func waitForChildReady(ctx context.Context, child *ChildProcess) error {
	defer child.ready.Close()

	child.ready.SetReadDeadline(time.Now().Add(pipeTimeout))
	buf := make([]byte, 1024)
	n, err := child.ready.Read(buf)
	if err != nil && n == 0 {
		child.Cmd.Process.Kill()
		return namespaceError("handshake",
			fmt.Errorf("sandbox process did not report readiness: %w", err))
	}
	if n == 1 && buf[0] == '1' {
		return nil
	}

	child.Cmd.Process.Kill()
	var ce ChildError
	if jsonErr := json.Unmarshal(buf[:n], &ce); jsonErr == nil && ce.Msg != "" {
		return childPhaseError(ce)
	}
	return namespaceError("handshake",
		fmt.Errorf("unexpected readiness message from sandbox process: %q", buf[:n]))
}

// childPhaseError maps a failure reported by the child onto the error kind
// of the phase it failed in.
func childPhaseError(ce ChildError) error {
	err := fmt.Errorf("sandbox setup failed in phase %s: %s", ce.Phase, ce.Msg)
	switch ce.Phase {
	case "pivot", "proc", "mount":
		return mountError(ce.Phase, err)
	case "network":
		return networkError(ce.Phase, err)
	case "exec":
		return processError(ce.Phase, err)
	default:
		return namespaceError(ce.Phase, err)
	}
}

// signalProceed releases the child into its final phase (network bring-up
// and exec). Host-side wiring must be complete before this is called.
func signalProceed(child *ChildProcess) error {
	defer child.closeProceed()
	if _, err := child.proceed.Write([]byte{'1'}); err != nil {
		return namespaceError("proceed", fmt.Errorf("failed to release sandbox process: %w", err))
	}
	return nil
}

// --- Child side ---

// runChild is the entry point of the re-executed binary. It runs inside the
// new namespaces, performs the in-namespace half of sandbox setup, and ends
// in an exec that replaces this process with the workload. It only returns
// on error.
func runChild(ctx context.Context) error {
	logger := Logger(ctx).With("component", "sandbox-init")

	ready := os.NewFile(readyPipeFD, "ready")
	proceed := os.NewFile(proceedPipeFD, "proceed")
	config := os.NewFile(configPipeFD, "config")
	if ready == nil || proceed == nil || config == nil {
		return fmt.Errorf("handshake pipes not inherited")
	}

	var payload childPayload
	if err := json.NewDecoder(config).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode sandbox payload: %w", err)
	}
	config.Close()
	spec := payload.Spec

	fail := func(phase string, err error) error {
		msg, _ := json.Marshal(ChildError{Phase: phase, Msg: err.Error()})
		ready.Write(msg)
		ready.Close()
		return err
	}

	// Mount propagation from the host must not leak our mounts back, and
	// pivot_root requires the new root to be a private mount.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fail("mount", fmt.Errorf("failed to make / private: %w", err))
	}

	if err := pivotRoot(payload.MergeDir); err != nil {
		return fail("pivot", err)
	}

	if err := mountProc(); err != nil {
		return fail("proc", err)
	}

	if err := unix.Sethostname([]byte(spec.Name)); err != nil {
		return fail("hostname", fmt.Errorf("failed to set hostname: %w", err))
	}

	if _, err := ready.Write([]byte{'1'}); err != nil {
		return fmt.Errorf("failed to report readiness: %w", err)
	}
	ready.Close()

	// Block until the parent has wired the network and attached us to the
	// cgroup. EOF means the parent died; there is nothing to clean up on
	// this side, so just exit.
	proceed.SetReadDeadline(time.Now().Add(pipeTimeout))
	buf := make([]byte, 1)
	if n, err := proceed.Read(buf); err != nil || n == 0 || buf[0] != '1' {
		return fmt.Errorf("orchestrator went away before releasing the sandbox")
	}
	proceed.Close()

	if spec.Namespaces.Network {
		if err := setupSandboxNetwork(ctx, spec); err != nil {
			if spec.Network.Required {
				return fmt.Errorf("required network setup failed: %w", err)
			}
			logger.Warn("Network setup failed, continuing without network", "error", err)
		}
	}

	return execWorkload(spec)
}

// pivotRoot swaps the process's root filesystem for newRoot. The directory
// is bind-mounted onto itself first because pivot_root requires the new
// root to be a mount point. Falls back to chroot on kernels or filesystems
// where pivot_root is unavailable.
func pivotRoot(newRoot string) error {
	if err := unix.Mount(newRoot, newRoot, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind mount new root %s: %w", newRoot, err)
	}

	putOld := filepath.Join(newRoot, ".pivot_root")
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return fmt.Errorf("failed to create put_old directory: %w", err)
	}

	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		if chrootErr := unix.Chroot(newRoot); chrootErr != nil {
			return fmt.Errorf("pivot_root failed (%v) and chroot fallback failed: %w", err, chrootErr)
		}
		return unix.Chdir("/")
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir into new root: %w", err)
	}

	// The old root stays visible under /.pivot_root until detached; leaving
	// it mounted would expose the entire host filesystem.
	if err := unix.Unmount("/.pivot_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to unmount old root: %w", err)
	}
	return os.Remove("/.pivot_root")
}

// mountProc mounts a fresh procfs so the sandbox sees its own PID namespace
// rather than the host's process table.
func mountProc() error {
	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return fmt.Errorf("failed to create /proc: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("failed to mount /proc: %w", err)
	}
	return nil
}

// execWorkload resolves the command and replaces this process with it. On
// success it does not return. An exec failure here surfaces to the parent
// as the child's own exit status 1, indistinguishable from the workload
// itself exiting 1; the error text on stderr is the only discriminator.
func execWorkload(spec *SandboxSpec) error {
	if spec.Process.WorkDir != "" {
		if err := os.Chdir(spec.Process.WorkDir); err != nil {
			return fmt.Errorf("failed to enter working directory %s: %w", spec.Process.WorkDir, err)
		}
	}

	env := os.Environ()
	if len(spec.Process.Env) > 0 {
		env = append(env, spec.Process.Env...)
	}

	argv := spec.Command
	if spec.Process.Interactive && len(argv) == 0 {
		argv = []string{"/bin/sh"}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("command %q not found in sandbox: %w", argv[0], err)
	}
	if err := unix.Exec(path, argv, env); err != nil {
		return fmt.Errorf("failed to exec %s: %w", path, err)
	}
	return nil
}
