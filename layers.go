package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// LayerStack is the resolved on-disk layout for one sandbox run: the ordered
// read-only layers plus the writable upper and scratch work directories.
// Layer order is lowest precedence first; the overlay mounter inverts it
// when building the lowerdir option.
type LayerStack struct {
	// Root is the directory everything below lives in.
	Root string
	// Layers holds absolute paths, rootfs first, then layerNN ascending.
	Layers []string
	// Upper is the writable delta directory. It must be empty at mount time.
	Upper string
	// Work is the overlay's kernel-internal scratch directory, recreated
	// empty for every run.
	Work string
}

// layerNamePattern matches layer directories: "layer" followed by exactly
// two decimal digits. The numeric suffix determines overlay precedence.
var layerNamePattern = regexp.MustCompile(`^layer(\d{2})$`)

// prepareLayers validates the root directory layout and resolves the layer
// stack. It fails with a precondition error before any kernel state has been
// touched, so no teardown is required on failure.
func prepareLayers(ctx context.Context, spec *SandboxSpec) (*LayerStack, error) {
	logger := Logger(ctx).With("component", "layers")

	info, err := os.Stat(spec.Root)
	if err != nil {
		return nil, preconditionError(fmt.Sprintf("sandbox root %s is not accessible", spec.Root), err)
	}
	if !info.IsDir() {
		return nil, preconditionError(fmt.Sprintf("sandbox root %s is not a directory", spec.Root), nil)
	}

	rootfs := filepath.Join(spec.Root, "rootfs")
	if info, err := os.Stat(rootfs); err != nil || !info.IsDir() {
		return nil, preconditionError(fmt.Sprintf("base layer %s missing or not a directory", rootfs), err)
	}

	layers, err := findLayers(spec.Root)
	if err != nil {
		return nil, err
	}
	stack := &LayerStack{
		Root:   spec.Root,
		Layers: append([]string{rootfs}, layers...),
		Upper:  filepath.Join(spec.Root, "upper"),
		Work:   filepath.Join(spec.Root, "work"),
	}

	// A non-empty upper would silently merge a previous run's delta into
	// this one, so it is a hard precondition, not something to fix up.
	if err := ensureEmptyDir(stack.Upper); err != nil {
		return nil, err
	}

	// work is kernel scratch space; stale contents are discarded.
	if err := recreateDir(stack.Work); err != nil {
		return nil, preconditionError(fmt.Sprintf("failed to recreate work directory %s", stack.Work), err)
	}

	logger.Debug("Layer stack prepared", "layers", len(stack.Layers), "upper", stack.Upper)
	return stack, nil
}

// cleanupLayers removes the scratch work directory. The upper directory is
// left alone: its contents are the run's filesystem delta.
func cleanupLayers(ctx context.Context, stack *LayerStack) error {
	if stack == nil {
		return nil
	}
	if err := os.RemoveAll(stack.Work); err != nil {
		return fmt.Errorf("failed to remove work directory %s: %w", stack.Work, err)
	}
	Logger(ctx).Debug("Removed work directory", "path", stack.Work)
	return nil
}

// findLayers enumerates layerNN directories under root, sorted ascending by
// their numeric suffix, and returns their absolute paths.
func findLayers(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, preconditionError(fmt.Sprintf("failed to read sandbox root %s", root), err)
	}

	type layer struct {
		index int
		path  string
	}
	var found []layer
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := layerNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, layer{index: idx, path: filepath.Join(root, entry.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	paths := make([]string, 0, len(found))
	for _, l := range found {
		paths = append(paths, l.path)
	}
	return paths, nil
}

// MaterializeUpper copies the upper directory's contents into the next free
// layerNN directory so the run's delta can be reused as a read-only layer.
// This is an explicit opt-in operation; it copies rather than moves, leaving
// upper untouched. Returns the new layer's path.
func MaterializeUpper(ctx context.Context, stack *LayerStack) (string, error) {
	next := 1
	if len(stack.Layers) > 1 {
		last := filepath.Base(stack.Layers[len(stack.Layers)-1])
		m := layerNamePattern.FindStringSubmatch(last)
		if m != nil {
			n, _ := strconv.Atoi(m[1])
			next = n + 1
		}
	}
	if next > 99 {
		return "", fmt.Errorf("layer numbering exhausted: cannot create layer%d", next)
	}

	dest := filepath.Join(stack.Root, fmt.Sprintf("layer%02d", next))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("layer directory %s already exists", dest)
	}
	if err := copyTree(stack.Upper, dest); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("failed to materialize upper into %s: %w", dest, err)
	}

	Logger(ctx).Info("Materialized upper layer", "layer", dest)
	return dest, nil
}

// copyTree recursively copies src into dst, preserving permissions and
// symlinks. dst must not exist.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Device nodes and sockets in the delta are skipped; they are
			// recreated by whatever produced them.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ensureEmptyDir verifies path exists, is a directory, and has no entries.
func ensureEmptyDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return preconditionError(fmt.Sprintf("upper directory %s is not accessible", path), err)
	}
	if len(entries) > 0 {
		return preconditionError(
			fmt.Sprintf("upper directory %s is not empty: it holds a previous run's delta", path), nil).
			WithContext("entries", len(entries))
	}
	return nil
}

// recreateDir removes path if it exists and creates it empty.
func recreateDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}
