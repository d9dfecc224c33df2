package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// CgroupHandle is the parent's view of the cgroup node created for one
// sandbox: its path, the limits that were actually applied, and the PID
// attached to it.
type CgroupHandle struct {
	Path string
	// Applied maps limit file names to the values written. Limits whose
	// controller was unavailable are absent here and listed in Skipped.
	Applied map[string]string
	// Skipped lists limits that could not be applied. Resource isolation is
	// best effort, but skipping must be observable, not silent.
	Skipped []string
	Pid     int

	released bool
}

// cfsPeriodUs is the CFS scheduling period used for cpu.max, in microseconds.
const cfsPeriodUs = 100000

// applyCgroup creates a cgroup v2 node named after the sandbox, writes the
// configured CPU and memory limits, and attaches pid. Limits are written
// before the attach so the process never runs unbounded inside the group.
// Individual limit failures degrade to warnings; only a failure to create
// the node or attach the PID is reported as an error, and even that is
// non-fatal to the run.
func applyCgroup(ctx context.Context, spec *SandboxSpec, pid int) (*CgroupHandle, error) {
	logger := Logger(ctx).With("component", "cgroup")

	path := filepath.Join(cgroupRoot, "boxling-"+spec.Name)
	if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
		return nil, resourceError("create", fmt.Errorf("failed to create cgroup %s: %w", path, err))
	}

	handle := &CgroupHandle{Path: path, Applied: make(map[string]string), Pid: pid}

	// Enable the controllers we need in the root's subtree_control. This is
	// best effort: a hierarchy without the controller simply rejects the
	// write, and the corresponding limit is skipped below.
	for _, ctrl := range []string{"+cpu", "+memory"} {
		subtree := filepath.Join(cgroupRoot, "cgroup.subtree_control")
		if err := os.WriteFile(subtree, []byte(ctrl), 0o644); err != nil {
			logger.Debug("Could not enable controller", "controller", ctrl, "error", err)
		}
	}

	limits := make(map[string]string)
	if spec.Cgroup.CPULimit > 0 {
		limits["cpu.max"] = formatCPUMax(spec.Cgroup.CPULimit)
	}
	if spec.Cgroup.Memory != "" {
		value, err := parseMemoryLimit(spec.Cgroup.Memory)
		if err != nil {
			// Validated earlier; a failure here means the spec bypassed
			// validation, which is still only worth a skipped limit.
			logger.Warn("Invalid memory limit, skipping", "value", spec.Cgroup.Memory, "error", err)
			handle.Skipped = append(handle.Skipped, "memory.max")
		} else {
			limits["memory.max"] = value
		}
	}

	for file, value := range limits {
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0o644); err != nil {
			logger.Warn("Failed to apply cgroup limit, controller may be unavailable",
				"file", file, "value", value, "error", err)
			handle.Skipped = append(handle.Skipped, file)
			continue
		}
		handle.Applied[file] = value
	}

	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		os.Remove(path)
		return nil, resourceError("attach", fmt.Errorf("failed to attach pid %d to %s: %w", pid, path, err))
	}

	logger.Info("Cgroup applied", "path", path, "pid", pid,
		"limits", len(handle.Applied), "skipped", len(handle.Skipped))
	return handle, nil
}

// releaseCgroup removes the cgroup node. The kernel refuses to remove a
// cgroup that still has member processes, so removal is retried on a short
// pace while the exited process finishes being reaped; lingering descendants
// are killed first. Calling release twice is a no-op.
func releaseCgroup(ctx context.Context, handle *CgroupHandle) error {
	if handle == nil || handle.released {
		return nil
	}
	handle.released = true
	logger := Logger(ctx).With("component", "cgroup", "path", handle.Path)

	killCgroupProcs(logger, handle.Path)

	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		err := os.Remove(handle.Path)
		if err == nil || os.IsNotExist(err) {
			logger.Debug("Cgroup removed")
			return nil
		}
		lastErr = err
		if err := limiter.Wait(ctx); err != nil {
			break
		}
	}
	return resourceError("release", fmt.Errorf("failed to remove cgroup %s: %w", handle.Path, lastErr))
}

// killCgroupProcs sends SIGKILL to every process still listed in the
// cgroup's procs file. Errors are ignored: the processes may be exiting
// already, and removal retries handle the rest.
func killCgroupProcs(logger *slog.Logger, path string) {
	procs, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(procs), "\n") {
		pidStr := strings.TrimSpace(line)
		if pidStr == "" {
			continue
		}
		if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil {
				logger.Warn("Failed to kill lingering process", "pid", pid, "error", err)
			}
		}
	}
}

// formatCPUMax converts a fractional core count into the cpu.max
// "quota period" format. The quota is clamped to the kernel's 1ms minimum.
func formatCPUMax(fraction float64) string {
	quota := int(fraction * cfsPeriodUs)
	if quota < 1000 {
		quota = 1000
	}
	return fmt.Sprintf("%d %d", quota, cfsPeriodUs)
}

// memoryLimitPattern accepts "max", a plain byte count, or a count with a
// decimal (K/M/G) or binary (Ki/Mi/Gi) suffix, case-insensitively.
var memoryLimitPattern = regexp.MustCompile(`^(?i)(max|\d+(k|m|g|ki|mi|gi)?)$`)

// validateMemoryLimit checks the syntax of a memory.max value without
// converting it.
func validateMemoryLimit(limit string) error {
	if !memoryLimitPattern.MatchString(limit) {
		return fmt.Errorf("unsupported memory limit %q: use max, a byte count, or units K/M/G/Ki/Mi/Gi", limit)
	}
	if limit != "max" && strings.TrimRight(strings.ToLower(limit), "kmgi") == "0" {
		return fmt.Errorf("memory limit must be greater than zero")
	}
	return nil
}

// memoryUnits maps limit suffixes to multipliers. Single-letter units are
// decimal, the IEC forms are binary.
var memoryUnits = map[string]int64{
	"k": 1_000, "m": 1_000_000, "g": 1_000_000_000,
	"ki": 1 << 10, "mi": 1 << 20, "gi": 1 << 30,
}

// parseMemoryLimit converts a configured memory limit into the exact string
// written to memory.max: "max" or a byte count. The kernel's own suffix
// parsing is not relied on because it disagrees with the documented units.
func parseMemoryLimit(limit string) (string, error) {
	if err := validateMemoryLimit(limit); err != nil {
		return "", err
	}
	lower := strings.ToLower(limit)
	if lower == "max" {
		return "max", nil
	}

	digits := strings.TrimRight(lower, "kmgi")
	suffix := lower[len(digits):]
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	if suffix == "" {
		return strconv.FormatInt(n, 10), nil
	}
	mult, ok := memoryUnits[suffix]
	if !ok {
		return "", fmt.Errorf("unsupported memory unit %q", suffix)
	}
	return strconv.FormatInt(n*mult, 10), nil
}
