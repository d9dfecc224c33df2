package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// LoadOCIBundle builds a SandboxSpec from an OCI bundle directory, reading
// the subset of config.json this runtime understands: process, root,
// hostname, namespaces, ID mappings and CPU/memory limits. Everything else
// in the bundle config is ignored.
func LoadOCIBundle(bundle string) (*SandboxSpec, error) {
	data, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle config: %w", err)
	}
	var oci specs.Spec
	if err := json.Unmarshal(data, &oci); err != nil {
		return nil, fmt.Errorf("failed to parse bundle config: %w", err)
	}
	return fromOCISpec(bundle, &oci)
}

func fromOCISpec(bundle string, oci *specs.Spec) (*SandboxSpec, error) {
	spec := defaultSpec()

	if oci.Hostname != "" {
		spec.Name = oci.Hostname
	}

	// The layer layout lives in the directory that holds the rootfs, so the
	// bundle's root path is resolved and its parent becomes the sandbox
	// root. A bundle with the conventional "rootfs" entry maps directly.
	if oci.Root == nil || oci.Root.Path == "" {
		return nil, fmt.Errorf("bundle config has no root path")
	}
	rootPath := oci.Root.Path
	if !filepath.IsAbs(rootPath) {
		rootPath = filepath.Join(bundle, rootPath)
	}
	if filepath.Base(rootPath) != "rootfs" {
		return nil, fmt.Errorf("bundle root must be a directory named rootfs, got %s", oci.Root.Path)
	}
	spec.Root = filepath.Dir(rootPath)

	if oci.Process != nil {
		spec.Command = oci.Process.Args
		spec.Process.Env = oci.Process.Env
		spec.Process.TTY = oci.Process.Terminal
		if oci.Process.Cwd != "" && oci.Process.Cwd != "/" {
			spec.Process.WorkDir = oci.Process.Cwd
		}
	}

	if oci.Linux != nil {
		for _, ns := range oci.Linux.Namespaces {
			switch ns.Type {
			case specs.UserNamespace:
				spec.Namespaces.User = true
			case specs.NetworkNamespace:
				spec.Namespaces.Network = true
			}
		}
		spec.Namespaces.UIDMappings = fromOCIMappings(oci.Linux.UIDMappings)
		spec.Namespaces.GIDMappings = fromOCIMappings(oci.Linux.GIDMappings)

		if res := oci.Linux.Resources; res != nil {
			if res.CPU != nil && res.CPU.Quota != nil && *res.CPU.Quota > 0 {
				period := int64(cfsPeriodUs)
				if res.CPU.Period != nil && *res.CPU.Period > 0 {
					period = int64(*res.CPU.Period)
				}
				spec.Cgroup.CPULimit = float64(*res.CPU.Quota) / float64(period)
			}
			if res.Memory != nil && res.Memory.Limit != nil && *res.Memory.Limit > 0 {
				spec.Cgroup.Memory = strconv.FormatInt(*res.Memory.Limit, 10)
			}
		}
	}

	return spec, nil
}

func fromOCIMappings(maps []specs.LinuxIDMapping) []IDMap {
	out := make([]IDMap, 0, len(maps))
	for _, m := range maps {
		out = append(out, IDMap{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
	}
	return out
}
