package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// initLogger builds the process logger. DEBUG=1 in the environment lowers
// the level; everything goes to stderr so sandbox stdout stays clean.
func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "1" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the logger from the context, falling back to the default.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func main() {
	logger := initLogger()
	ctx := WithLogger(context.Background(), logger)

	// The re-executed half of the runtime: already inside the new
	// namespaces, driven entirely by the payload pipe.
	if len(os.Args) > 1 && os.Args[1] == childArg {
		if err := runChild(ctx); err != nil {
			logger.Error("Sandbox setup failed", "error", err)
			os.Exit(1)
		}
		return
	}

	os.Exit(run(ctx, os.Args[1:]))
}

// run parses the CLI and drives one sandbox lifecycle. Returns the process
// exit code: the workload's own exit status on a completed run.
func run(ctx context.Context, args []string) int {
	logger := Logger(ctx)

	fs := flag.NewFlagSet("boxling", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] [--] command [args...]\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}

	var (
		name       = fs.String("name", "", "sandbox name (default boxling-<pid>)")
		root       = fs.String("root", "", "sandbox root directory holding rootfs/, layerNN/ and upper/")
		configFile = fs.String("config", "", "YAML spec file; flags override its values")
		ociBundle  = fs.String("oci-bundle", "", "OCI bundle directory to load the spec from")
		cpu        = fs.Float64("cpu", 0, "CPU limit as a fraction of one core (0 = unlimited)")
		mem        = fs.String("mem", "", "memory limit (max, bytes, or K/M/G/Ki/Mi/Gi suffix)")
		userNS     = fs.Bool("user", false, "run in a user namespace")
		netNS      = fs.Bool("net", false, "run in a network namespace with bridge wiring")
		bridge     = fs.String("bridge", "", "host bridge name (default "+DefaultBridgeName+")")
		subnet     = fs.String("subnet", "", "sandbox subnet CIDR (default "+DefaultSubnet+")")
		netReq     = fs.Bool("net-required", false, "abort the run if network wiring fails")
		interact   = fs.Bool("i", false, "interactive: default to a shell when no command is given")
		tty        = fs.Bool("t", false, "allocate a pseudo-terminal")
		workdir    = fs.String("workdir", "", "working directory inside the sandbox")
		commit     = fs.Bool("commit", false, "after the run, copy the upper delta into a new layer")
	)
	fs.Parse(args)

	spec, err := assembleSpec(fs, *configFile, *ociBundle)
	if err != nil {
		logger.Error("Failed to load spec", "error", err)
		return 1
	}

	if *name != "" {
		spec.Name = *name
	}
	if *root != "" {
		spec.Root = *root
	}
	if len(fs.Args()) > 0 {
		spec.Command = fs.Args()
	}
	if *cpu > 0 {
		spec.Cgroup.CPULimit = *cpu
	}
	if *mem != "" {
		spec.Cgroup.Memory = *mem
	}
	if *userNS {
		spec.Namespaces.User = true
	}
	if *netNS {
		spec.Namespaces.Network = true
	}
	if *bridge != "" {
		spec.Network.BridgeName = *bridge
	}
	if *subnet != "" {
		spec.Network.Subnet = *subnet
	}
	if *netReq {
		spec.Network.Required = true
	}
	if *interact {
		spec.Process.Interactive = true
	}
	if *tty {
		spec.Process.TTY = true
	}
	if *workdir != "" {
		spec.Process.WorkDir = *workdir
	}

	if err := validateSpec(spec); err != nil {
		logger.Error("Invalid sandbox spec", "error", err)
		return 1
	}

	if spec.Namespaces.Network {
		if err := sweepStaleLinks(ctx); err != nil {
			logger.Warn("Stale interface sweep failed", "error", err)
		}
	}

	sandbox := NewSandbox(spec)
	code, err := sandbox.Run(ctx)
	if err != nil {
		logger.Error("Sandbox run failed", "error", err)
		return 1
	}
	for _, w := range sandbox.Warnings() {
		logger.Warn("Cleanup warning", "warning", w)
	}

	if *commit {
		stack, err := prepareCommitStack(spec)
		if err != nil {
			logger.Error("Cannot commit upper layer", "error", err)
		} else if layer, err := MaterializeUpper(ctx, stack); err != nil {
			logger.Error("Failed to commit upper layer", "error", err)
		} else {
			logger.Info("Upper delta committed", "layer", layer)
		}
	}

	return code
}

// assembleSpec picks the spec source: an OCI bundle, a YAML file, or plain
// defaults to be filled by flags.
func assembleSpec(fs *flag.FlagSet, configFile, ociBundle string) (*SandboxSpec, error) {
	switch {
	case configFile != "" && ociBundle != "":
		return nil, fmt.Errorf("-config and -oci-bundle are mutually exclusive")
	case ociBundle != "":
		return LoadOCIBundle(ociBundle)
	case configFile != "":
		return LoadSpecFile(configFile)
	default:
		return defaultSpec(), nil
	}
}

// prepareCommitStack re-resolves the layer layout after a run so the commit
// sees the same ordering the mount used.
func prepareCommitStack(spec *SandboxSpec) (*LayerStack, error) {
	layers, err := findLayers(spec.Root)
	if err != nil {
		return nil, err
	}
	return &LayerStack{
		Root:   spec.Root,
		Layers: append([]string{filepath.Join(spec.Root, "rootfs")}, layers...),
		Upper:  filepath.Join(spec.Root, "upper"),
		Work:   filepath.Join(spec.Root, "work"),
	}, nil
}
