package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
)

// SandboxState tracks where a sandbox is in its lifecycle. Transitions only
// move forward; a Cleaned sandbox cannot be run again.
type SandboxState int

const (
	StateCreated SandboxState = iota
	StateLayersPrepared
	StateMounted
	StateNamespacesEntered
	StateNetworkWired
	StateResourceLimited
	StateRunning
	StateExited
	StateTearingDown
	StateCleaned
)

func (s SandboxState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLayersPrepared:
		return "layers_prepared"
	case StateMounted:
		return "mounted"
	case StateNamespacesEntered:
		return "namespaces_entered"
	case StateNetworkWired:
		return "network_wired"
	case StateResourceLimited:
		return "resource_limited"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTearingDown:
		return "tearing_down"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// teardownStep is one registered cleanup action. Steps are registered as
// their setup succeeds and run in reverse order, so nothing is ever torn
// down that was not set up.
type teardownStep struct {
	name string
	fn   func(context.Context) error
}

// Sandbox drives one sandbox run through its lifecycle: compose layers,
// mount the overlay, enter namespaces, wire the network, apply limits, run
// the workload, tear everything down in reverse. A Sandbox is single-use.
type Sandbox struct {
	spec  *SandboxSpec
	state SandboxState

	stack   *LayerStack
	overlay *OverlayMount
	child   *ChildProcess
	link    *NetworkLink
	cgroup  *CgroupHandle

	steps        []teardownStep
	teardownOnce sync.Once
	warnings     CleanupWarnings

	exitCode int
}

func NewSandbox(spec *SandboxSpec) *Sandbox {
	return &Sandbox{spec: spec, state: StateCreated, exitCode: -1}
}

func (s *Sandbox) State() SandboxState { return s.state }

// ExitCode returns the workload's exit status, or -1 if it never ran.
func (s *Sandbox) ExitCode() int { return s.exitCode }

// Warnings returns the non-fatal problems collected during teardown.
func (s *Sandbox) Warnings() []error { return s.warnings.Warnings }

// pushTeardown registers a cleanup step. Prepending keeps the slice in
// reverse setup order, which is the order Teardown runs it in.
func (s *Sandbox) pushTeardown(name string, fn func(context.Context) error) {
	s.steps = append([]teardownStep{{name: name, fn: fn}}, s.steps...)
}

// Run executes the full lifecycle and returns the workload's exit code.
// Teardown always runs before Run returns, whether the run succeeded,
// failed during setup, or was interrupted.
func (s *Sandbox) Run(ctx context.Context) (int, error) {
	if s.state != StateCreated {
		return -1, fmt.Errorf("sandbox already ran (state %s): create a new one", s.state)
	}
	logger := Logger(ctx).With("component", "sandbox", "name", s.spec.Name)

	if err := s.setup(ctx); err != nil {
		// A failed precondition means nothing was touched yet; everything
		// else unwinds whatever steps had been registered.
		if !IsKind(err, ErrPrecondition) {
			s.Teardown(ctx)
		} else {
			s.state = StateCleaned
		}
		return -1, err
	}

	stop := s.forwardSignals(logger)
	waitErr := s.child.Cmd.Wait()
	stop()
	s.state = StateExited
	s.exitCode = exitStatus(s.child, waitErr)
	logger.Info("Sandbox exited", "exit_code", s.exitCode)

	s.Teardown(ctx)
	return s.exitCode, nil
}

// setup runs the forward sequence. Each phase registers its teardown step
// only after succeeding.
func (s *Sandbox) setup(ctx context.Context) error {
	logger := Logger(ctx).With("component", "sandbox", "name", s.spec.Name)

	stack, err := prepareLayers(ctx, s.spec)
	if err != nil {
		return err
	}
	s.stack = stack
	s.state = StateLayersPrepared
	s.pushTeardown("layers", func(ctx context.Context) error {
		return cleanupLayers(ctx, s.stack)
	})

	overlay, err := mountOverlay(ctx, stack)
	if err != nil {
		return err
	}
	s.overlay = overlay
	s.state = StateMounted
	s.pushTeardown("overlay", func(ctx context.Context) error {
		return unmountOverlay(ctx, s.overlay)
	})

	child, err := spawnChild(ctx, s.spec, overlay.MergeDir)
	if err != nil {
		return err
	}
	s.child = child
	s.pushTeardown("process", func(ctx context.Context) error {
		// If setup failed before the go-ahead, dropping the proceed pipe
		// unblocks a child still waiting in its handshake.
		s.child.closeProceed()
		return reapChild(s.child)
	})
	if err := waitForChildReady(ctx, child); err != nil {
		return err
	}
	s.state = StateNamespacesEntered

	if s.spec.Namespaces.Network {
		link, err := wireNetwork(ctx, s.spec, child.Pid())
		if err != nil {
			if s.spec.Network.Required {
				return err
			}
			logger.Warn("Network wiring failed, sandbox continues without network", "error", err)
		} else {
			s.link = link
			s.state = StateNetworkWired
			s.pushTeardown("network", func(ctx context.Context) error {
				return unwireNetwork(ctx, s.link)
			})
		}
	}

	if s.spec.Cgroup.CPULimit > 0 || s.spec.Cgroup.Memory != "" {
		handle, err := applyCgroup(ctx, s.spec, child.Pid())
		if err != nil {
			// Resource limits degrade, they never abort a run.
			logger.Warn("Cgroup setup failed, sandbox runs without limits", "error", err)
		} else {
			s.cgroup = handle
			s.state = StateResourceLimited
			s.pushTeardown("cgroup", func(ctx context.Context) error {
				return releaseCgroup(ctx, s.cgroup)
			})
		}
	}

	if err := signalProceed(child); err != nil {
		return err
	}
	s.state = StateRunning

	if child.pty != nil {
		session, err := startTTYSession(ctx, child.pty)
		if err != nil {
			logger.Warn("Terminal session setup failed", "error", err)
		} else {
			s.pushTeardown("tty", func(context.Context) error {
				session.Close()
				return nil
			})
		}
	}
	return nil
}

// Teardown unwinds the registered steps in reverse setup order. Failures
// are collected as warnings rather than aborting: a later resource must not
// be stranded because an earlier one failed to release. Safe to call more
// than once.
func (s *Sandbox) Teardown(ctx context.Context) []error {
	s.teardownOnce.Do(func() {
		logger := Logger(ctx).With("component", "sandbox", "name", s.spec.Name)
		s.state = StateTearingDown

		for _, step := range s.steps {
			if err := step.fn(ctx); err != nil {
				logger.Warn("Teardown step failed", "step", step.name, "error", err)
				s.warnings.Add(fmt.Errorf("%s: %w", step.name, err))
			} else {
				logger.Debug("Teardown step done", "step", step.name)
			}
		}
		s.state = StateCleaned
	})
	return s.warnings.Warnings
}

// reapChild makes sure the sandboxed process is dead and reaped. During a
// normal run Wait has already returned and this is a no-op.
func reapChild(child *ChildProcess) error {
	if child == nil || child.Cmd.Process == nil {
		return nil
	}
	if child.Cmd.ProcessState != nil {
		return nil
	}
	child.Cmd.Process.Kill()
	err := child.Cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return processError("reap", err)
	}
	return nil
}

// exitStatus extracts the workload's exit code from Wait's result. A child
// killed by a signal maps to 128 plus the signal number, the convention
// shells use.
func exitStatus(child *ChildProcess, waitErr error) int {
	state := child.Cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if waitErr != nil {
		return 1
	}
	return 0
}

// forwardSignals relays interrupt-style signals to the sandboxed process so
// a Ctrl-C against the orchestrator reaches the workload, whose exit then
// drives the normal teardown path. Returns a stop function.
func (s *Sandbox) forwardSignals(logger *slog.Logger) func() {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigs:
				logger.Debug("Forwarding signal to sandbox", "signal", sig)
				s.child.Cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
