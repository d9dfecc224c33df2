package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return WithLogger(context.Background(), logger)
}

// makeSandboxRoot lays out a minimal root directory: rootfs plus the named
// extra layer directories, with an empty upper.
func makeSandboxRoot(t *testing.T, layers ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range append([]string{"rootfs", "upper"}, layers...) {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestPrepareLayersOrdering(t *testing.T) {
	root := makeSandboxRoot(t, "layer02", "layer10", "layer01")
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}

	stack, err := prepareLayers(testContext(), spec)
	if err != nil {
		t.Fatalf("prepareLayers: %v", err)
	}

	want := []string{
		filepath.Join(root, "rootfs"),
		filepath.Join(root, "layer01"),
		filepath.Join(root, "layer02"),
		filepath.Join(root, "layer10"),
	}
	if len(stack.Layers) != len(want) {
		t.Fatalf("got %d layers, want %d: %v", len(stack.Layers), len(want), stack.Layers)
	}
	for i, p := range want {
		if stack.Layers[i] != p {
			t.Errorf("layer[%d] = %s, want %s", i, stack.Layers[i], p)
		}
	}
}

func TestPrepareLayersIgnoresMalformedNames(t *testing.T) {
	root := makeSandboxRoot(t, "layer01", "layer1", "layer001", "layerXY", "layers")
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}

	stack, err := prepareLayers(testContext(), spec)
	if err != nil {
		t.Fatalf("prepareLayers: %v", err)
	}
	// Only rootfs and layer01 qualify; the suffix must be exactly two digits.
	if len(stack.Layers) != 2 {
		t.Fatalf("got layers %v, want rootfs and layer01 only", stack.Layers)
	}
}

func TestPrepareLayersMissingRootfs(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "upper"), 0o755)
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}

	_, err := prepareLayers(testContext(), spec)
	if !IsKind(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for missing rootfs, got %v", err)
	}
}

func TestPrepareLayersNonEmptyUpper(t *testing.T) {
	root := makeSandboxRoot(t)
	if err := os.WriteFile(filepath.Join(root, "upper", "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}

	_, err := prepareLayers(testContext(), spec)
	if !IsKind(err, ErrPrecondition) {
		t.Fatalf("expected precondition error for non-empty upper, got %v", err)
	}
}

func TestPrepareLayersRecreatesWork(t *testing.T) {
	root := makeSandboxRoot(t)
	workFile := filepath.Join(root, "work", "leftover")
	os.MkdirAll(filepath.Join(root, "work"), 0o755)
	if err := os.WriteFile(workFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}

	if _, err := prepareLayers(testContext(), spec); err != nil {
		t.Fatalf("prepareLayers: %v", err)
	}
	if _, err := os.Stat(workFile); !os.IsNotExist(err) {
		t.Error("stale work contents survived prepareLayers")
	}
}

func TestCleanupLayersKeepsUpper(t *testing.T) {
	root := makeSandboxRoot(t)
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}
	stack, err := prepareLayers(testContext(), spec)
	if err != nil {
		t.Fatal(err)
	}

	delta := filepath.Join(stack.Upper, "result.txt")
	if err := os.WriteFile(delta, []byte("kept"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := cleanupLayers(testContext(), stack); err != nil {
		t.Fatalf("cleanupLayers: %v", err)
	}
	if _, err := os.Stat(stack.Work); !os.IsNotExist(err) {
		t.Error("work directory survived cleanup")
	}
	if _, err := os.Stat(delta); err != nil {
		t.Errorf("upper delta was removed during cleanup: %v", err)
	}
}

func TestMaterializeUpper(t *testing.T) {
	root := makeSandboxRoot(t, "layer01", "layer02")
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}
	stack, err := prepareLayers(testContext(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Join(stack.Upper, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stack.Upper, "etc", "app.conf"), []byte("v=1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("app.conf", filepath.Join(stack.Upper, "etc", "link")); err != nil {
		t.Fatal(err)
	}

	layer, err := MaterializeUpper(testContext(), stack)
	if err != nil {
		t.Fatalf("MaterializeUpper: %v", err)
	}
	if filepath.Base(layer) != "layer03" {
		t.Errorf("expected next layer layer03, got %s", layer)
	}

	data, err := os.ReadFile(filepath.Join(layer, "etc", "app.conf"))
	if err != nil || string(data) != "v=1" {
		t.Errorf("copied file content wrong: %q, %v", data, err)
	}
	if target, err := os.Readlink(filepath.Join(layer, "etc", "link")); err != nil || target != "app.conf" {
		t.Errorf("symlink not preserved: %q, %v", target, err)
	}

	// The source delta stays put; commit is a copy, not a move.
	if _, err := os.Stat(filepath.Join(stack.Upper, "etc", "app.conf")); err != nil {
		t.Errorf("upper was modified by commit: %v", err)
	}
}

func TestMaterializeUpperFirstLayer(t *testing.T) {
	root := makeSandboxRoot(t)
	spec := &SandboxSpec{Name: "t", Root: root, Command: []string{"true"}}
	stack, err := prepareLayers(testContext(), spec)
	if err != nil {
		t.Fatal(err)
	}

	layer, err := MaterializeUpper(testContext(), stack)
	if err != nil {
		t.Fatalf("MaterializeUpper: %v", err)
	}
	if filepath.Base(layer) != "layer01" {
		t.Errorf("expected layer01 for a rootfs-only stack, got %s", layer)
	}
}
