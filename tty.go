package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ttySession connects the user's terminal to the sandbox's pseudo-terminal:
// raw mode on the local side, window resizes propagated, bytes copied both
// ways until the workload exits.
type ttySession struct {
	ptmx    *os.File
	oldTerm *term.State
	resize  chan os.Signal
	done    chan struct{}
}

// startTTYSession puts the controlling terminal into raw mode and starts
// the copy loops. Callers must Close the session to restore the terminal.
func startTTYSession(ctx context.Context, ptmx *os.File) (*ttySession, error) {
	logger := Logger(ctx).With("component", "tty")

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return nil, processError("raw_mode", err)
	}

	s := &ttySession{
		ptmx:    ptmx,
		oldTerm: oldState,
		resize:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	signal.Notify(s.resize, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-s.resize:
				if err := pty.InheritSize(os.Stdin, s.ptmx); err != nil {
					logger.Debug("Failed to propagate window size", "error", err)
				}
			case <-s.done:
				return
			}
		}
	}()
	// Prime the size once so the workload starts with the right geometry.
	s.resize <- syscall.SIGWINCH

	go func() {
		io.Copy(s.ptmx, os.Stdin)
	}()
	go func() {
		io.Copy(os.Stdout, s.ptmx)
	}()

	return s, nil
}

// Close restores the terminal and stops the resize handler. The copy loops
// end on their own when the pty master is closed.
func (s *ttySession) Close() {
	signal.Stop(s.resize)
	close(s.done)
	s.ptmx.Close()
	term.Restore(int(os.Stdin.Fd()), s.oldTerm)
}
