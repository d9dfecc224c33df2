package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// OverlayMount represents one active overlay mount. There is at most one per
// sandbox run, created by mountOverlay and released by unmountOverlay; it is
// never mutated while the sandboxed process is running.
type OverlayMount struct {
	// MergeDir is the mount point exposing the union of all layers.
	MergeDir string
	// LowerDirs is the read-only stack in the order handed to the kernel.
	LowerDirs []string
	Upper     string
	Work      string

	mounted bool
}

// lowerDirOption builds the overlay lowerdir option string from a layer
// stack. The kernel treats the FIRST lowerdir entry as the top of the
// read-only stack, so the stack (which is ordered lowest precedence first)
// is emitted in reverse. Getting this backwards silently inverts layer
// precedence without any error, which is why overlay_test.go pins both the
// string and the resulting shadowing behavior.
func lowerDirOption(stack *LayerStack) string {
	dirs := make([]string, 0, len(stack.Layers))
	for i := len(stack.Layers) - 1; i >= 0; i-- {
		dirs = append(dirs, stack.Layers[i])
	}
	return strings.Join(dirs, ":")
}

// mountOverlay mounts an overlay filesystem composed from the layer stack at
// the merge point <root>/merged. A pre-existing merge directory is deleted
// and recreated so the mount always lands on a clean mount point.
func mountOverlay(ctx context.Context, stack *LayerStack) (*OverlayMount, error) {
	logger := Logger(ctx).With("component", "overlay")

	mergeDir := filepath.Join(stack.Root, "merged")
	if err := recreateDir(mergeDir); err != nil {
		return nil, mountError("mountpoint", fmt.Errorf("failed to recreate merge directory %s: %w", mergeDir, err))
	}

	lower := lowerDirOption(stack)
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, stack.Upper, stack.Work)

	if err := unix.Mount("overlay", mergeDir, "overlay", 0, opts); err != nil {
		os.Remove(mergeDir)
		return nil, mountError("mount", fmt.Errorf("mount overlay at %s with %q: %w", mergeDir, opts, err))
	}

	logger.Info("Overlay mounted", "merge", mergeDir, "lower", lower)
	m := &OverlayMount{
		MergeDir:  mergeDir,
		LowerDirs: strings.Split(lower, ":"),
		Upper:     stack.Upper,
		Work:      stack.Work,
		mounted:   true,
	}
	return m, nil
}

// unmountOverlay unmounts the merge point and removes the merge directory.
// It is safe to call after the sandboxed process has already exited, and a
// second call is a no-op. A busy mount point falls back to a lazy detach so
// teardown can always make progress.
func unmountOverlay(ctx context.Context, m *OverlayMount) error {
	if m == nil || !m.mounted {
		return nil
	}
	logger := Logger(ctx).With("component", "overlay")

	err := unix.Unmount(m.MergeDir, 0)
	if err == unix.EBUSY {
		logger.Warn("Merge point busy, falling back to lazy unmount", "path", m.MergeDir)
		err = unix.Unmount(m.MergeDir, unix.MNT_DETACH)
	}
	if err != nil && err != unix.EINVAL && !os.IsNotExist(err) {
		return mountError("unmount", fmt.Errorf("unmount %s: %w", m.MergeDir, err))
	}
	m.mounted = false

	if err := os.Remove(m.MergeDir); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove merge directory", "path", m.MergeDir, "error", err)
	}
	logger.Debug("Overlay unmounted", "merge", m.MergeDir)
	return nil
}
