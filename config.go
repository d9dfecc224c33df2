package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Constants ---

const (
	// readyPipeFD is the file descriptor on which the child reports setup
	// completion (or a ChildError) to the parent.
	readyPipeFD = 3
	// proceedPipeFD is the file descriptor on which the parent tells the
	// child that host-side wiring is done and it may exec the command.
	proceedPipeFD = 4
	// configPipeFD carries the JSON payload to the child. Stdin is left
	// untouched so the workload inherits it.
	configPipeFD = 5
	// pipeTimeout bounds how long the parent waits on either handshake.
	pipeTimeout = 30 * time.Second

	// cgroupRoot is the cgroup v2 unified hierarchy mount point.
	cgroupRoot = "/sys/fs/cgroup"

	// DefaultBridgeName is the host bridge sandboxes attach to unless the
	// spec names another one.
	DefaultBridgeName = "boxling0"
	// DefaultSubnet is the sandbox network used when none is configured.
	DefaultSubnet = "172.30.0.0/24"

	// vethPrefix namespaces our host-side veth interfaces so stale ones can
	// be recognized and swept before a run. Both prefixes leave room for an
	// 8-hex-digit suffix within the kernel's 15-character interface name
	// limit.
	vethPrefix = "boxv-"
	// peerPrefix names the sandbox-side end until the child renames it eth0.
	peerPrefix = "boxp-"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const loggerKey contextKey = "logger"

// --- Configuration structs ---

// SandboxSpec is the immutable configuration for one sandbox run. It is
// assembled once, from flags, a YAML file or an OCI bundle, and is read-only
// afterwards; the child process receives it verbatim as JSON on stdin.
type SandboxSpec struct {
	// Name identifies the sandbox instance; it names the cgroup node and
	// becomes the hostname inside the UTS namespace.
	Name string `yaml:"name" json:"name"`
	// Root is the directory holding rootfs/, layerNN/ and upper/; work/ and
	// merged/ are created inside it as needed.
	Root string `yaml:"root" json:"root"`
	// Command is the argv to execute inside the sandbox.
	Command []string `yaml:"command" json:"command"`

	Namespaces NamespaceConfig `yaml:"namespaces" json:"namespaces"`
	Network    NetworkConfig   `yaml:"network" json:"network"`
	Cgroup     CgroupConfig    `yaml:"cgroup" json:"cgroup"`
	Process    ProcessConfig   `yaml:"process" json:"process"`
}

// NamespaceConfig selects the kernel namespaces the sandboxed process is
// created with. Mount, PID and UTS are always used; user and network are
// optional.
type NamespaceConfig struct {
	// User enables a user namespace with the mappings below.
	User bool `yaml:"user" json:"user"`
	// Network enables a network namespace; without it the sandbox shares
	// the host's interfaces and no wiring happens.
	Network bool `yaml:"network" json:"network"`

	UIDMappings []IDMap `yaml:"uid_mappings,omitempty" json:"uid_mappings,omitempty"`
	GIDMappings []IDMap `yaml:"gid_mappings,omitempty" json:"gid_mappings,omitempty"`
}

// IDMap defines a mapping from a host UID/GID range to a sandbox UID/GID range.
type IDMap struct {
	ContainerID uint32 `yaml:"container_id" json:"container_id"`
	HostID      uint32 `yaml:"host_id" json:"host_id"`
	Size        uint32 `yaml:"size" json:"size"`
}

// NetworkConfig defines the sandbox's veth/bridge wiring.
type NetworkConfig struct {
	// BridgeName is the host bridge the veth pair attaches to; created if
	// absent.
	BridgeName string `yaml:"bridge" json:"bridge"`
	// Subnet is the IPv4 CIDR the host and sandbox addresses are derived
	// from: the host side takes the first usable address, the sandbox side
	// the second.
	Subnet string `yaml:"subnet" json:"subnet"`
	// Required makes a wiring failure fatal to the run. When false (the
	// default) the sandbox proceeds without network on failure.
	Required bool `yaml:"required" json:"required"`
}

// CgroupConfig specifies the resource limits applied to the sandbox.
type CgroupConfig struct {
	// CPULimit is a fraction of one core (0.5 for half a core, 2.0 for two
	// cores). Zero means unlimited.
	CPULimit float64 `yaml:"cpu" json:"cpu"`
	// Memory is the memory.max value: "max", a byte count, or a count with
	// a K/M/G or Ki/Mi/Gi suffix.
	Memory string `yaml:"memory" json:"memory"`
}

// ProcessConfig holds settings for the process running inside the sandbox.
type ProcessConfig struct {
	Env     []string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string   `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	// Interactive starts a shell instead of Command.
	Interactive bool `yaml:"interactive" json:"interactive"`
	// TTY allocates a pseudo-terminal for the process.
	TTY bool `yaml:"tty" json:"tty"`
}

// Regex for validating sandbox names. The name ends up in cgroup paths and
// the UTS hostname, so it is kept to a conservative character set.
var validSandboxName = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// defaultSpec returns a SandboxSpec with the defaults flags and files are
// merged over.
func defaultSpec() *SandboxSpec {
	return &SandboxSpec{
		Name: fmt.Sprintf("boxling-%d", os.Getpid()),
		Network: NetworkConfig{
			BridgeName: DefaultBridgeName,
			Subnet:     DefaultSubnet,
		},
	}
}

// LoadSpecFile reads a SandboxSpec from a YAML file, applied over defaults.
func LoadSpecFile(path string) (*SandboxSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	spec := defaultSpec()
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
	}
	return spec, nil
}

// validateSpec checks a SandboxSpec before any kernel state is touched.
func validateSpec(spec *SandboxSpec) error {
	if spec == nil {
		return errors.New("spec cannot be nil")
	}
	if spec.Name == "" {
		return errors.New("sandbox name cannot be empty")
	}
	if len(spec.Name) > 253 {
		return fmt.Errorf("sandbox name too long (%d chars): max 253", len(spec.Name))
	}
	if !validSandboxName.MatchString(spec.Name) {
		return fmt.Errorf("invalid sandbox name %q: only alphanumerics, hyphens, underscores and periods are allowed", spec.Name)
	}

	if spec.Root == "" {
		return errors.New("sandbox root directory must be specified")
	}
	if !filepath.IsAbs(spec.Root) {
		abs, err := filepath.Abs(spec.Root)
		if err != nil {
			return fmt.Errorf("failed to resolve root directory: %w", err)
		}
		spec.Root = abs
	}

	if len(spec.Command) == 0 && !spec.Process.Interactive {
		return errors.New("a command to execute inside the sandbox must be specified")
	}

	if spec.Namespaces.Network {
		_, network, err := net.ParseCIDR(spec.Network.Subnet)
		if err != nil {
			return fmt.Errorf("invalid network subnet %q: %w", spec.Network.Subnet, err)
		}
		if network.IP.To4() == nil {
			return fmt.Errorf("network subnet %q is not IPv4: only IPv4 subnets are supported", spec.Network.Subnet)
		}
		if spec.Network.BridgeName == "" {
			return errors.New("bridge name cannot be empty when networking is requested")
		}
	}

	if spec.Cgroup.CPULimit < 0 {
		return errors.New("CPU limit cannot be negative")
	}
	if spec.Cgroup.CPULimit > 1024 {
		return fmt.Errorf("CPU limit too high (%.2f): max 1024 cores", spec.Cgroup.CPULimit)
	}
	if spec.Cgroup.Memory != "" {
		if err := validateMemoryLimit(spec.Cgroup.Memory); err != nil {
			return err
		}
	}

	if spec.Process.WorkDir != "" && !filepath.IsAbs(spec.Process.WorkDir) {
		return fmt.Errorf("working directory must be an absolute path: %s", spec.Process.WorkDir)
	}

	if spec.Namespaces.User {
		if len(spec.Namespaces.UIDMappings) == 0 {
			spec.Namespaces.UIDMappings = []IDMap{{ContainerID: 0, HostID: uint32(os.Getuid()), Size: 1}}
		}
		if len(spec.Namespaces.GIDMappings) == 0 {
			spec.Namespaces.GIDMappings = []IDMap{{ContainerID: 0, HostID: uint32(os.Getgid()), Size: 1}}
		}
	}

	return nil
}
