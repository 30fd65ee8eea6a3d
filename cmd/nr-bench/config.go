package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nreplicate/nr/pkg/engine"
)

const configFileOption = "config-file"

// findConfigFile scans args for --config-file without erroring out on any
// other flag it doesn't recognize, the same way cmd/tempo/main.go's
// loadConfig finds -config.file before the rest of the flags (including
// ones this prescan has never heard of) are registered: parse every
// progressively shorter suffix of args, so the flag is found wherever it
// sits; if it appears more than once, the last occurrence wins.
func findConfigFile(args []string) string {
	var configFile string
	fs := goflag.NewFlagSet("", goflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}
	return configFile
}

// benchConfig is the CLI/bench harness's own configuration, layered on top
// of engine.Config the way the teacher layers its binary flags on top of
// each module's RegisterFlagsAndApplyDefaults.
type benchConfig struct {
	engine.Config

	Ops         int
	Duration    time.Duration
	ReadRatio   float64
	PrintEveryN int
}

// parseFlags registers the exact flags named by the harness's external
// surface (--replicas, --buffer-size, --mapping, --ops, --duration),
// plus the ambient engine.Config flags this binary doesn't rename
// (spin/metrics/log-level), merged in from engine.Config's own
// RegisterFlagsAndApplyDefaults the way cmd/tempo/main.go layers a
// handful of top-level flags on top of its modules' registered ones.
func parseFlags(args []string) (benchConfig, error) {
	var cfg benchConfig

	goFS := goflag.NewFlagSet("nr-bench-engine", goflag.ContinueOnError)
	cfg.Config.RegisterFlagsAndApplyDefaults("", goFS)

	// Overlay a config file over the defaults before any flag is bound to
	// its command-line name, so a flag the caller actually passes always
	// wins over the file, and the file always wins over the built-in
	// default — the same precedence cmd/tempo/main.go's loadConfig uses.
	if configFile := findConfigFile(args); configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return benchConfig{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(buff, &cfg.Config); err != nil {
			return benchConfig{}, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	fs := flag.NewFlagSet("nr-bench", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: nr-bench [options]\n\nRuns a fixed-size (or time-bounded) workload against an in-process node-replication engine and reports throughput.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.String(configFileOption, "", "YAML file overlaying engine.Config defaults before flag overrides (see engine.Config's yaml tags).")

	goFS.VisitAll(func(f *goflag.Flag) {
		switch f.Name {
		case "num-replicas", "thread-mapping":
			// Superseded below by --replicas/--mapping, the names this
			// harness's own CLI surface is specified under.
		default:
			fs.AddGoFlag(f)
		}
	})

	fs.IntVar(&cfg.NumReplicas, "replicas", cfg.NumReplicas, "Number of replicas (one per NUMA socket in production use).")
	fs.StringVar(&cfg.ThreadMapping, "mapping", cfg.ThreadMapping, "Thread pinning strategy: none, sequential, numa-fill, interleave.")
	fs.IntVar(&cfg.Ops, "ops", 100000, "Total number of operations to submit across all replicas.")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Wall-clock duration to run (0 disables the time bound; the run stops at whichever of --ops/--duration is hit first).")
	fs.Float64Var(&cfg.ReadRatio, "read-ratio", 0.5, "Fraction of ops that are reads rather than updates, in [0,1].")
	fs.IntVar(&cfg.PrintEveryN, "print-every", 0, "Print a progress line every N completed ops (0 disables).")

	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}
	if cfg.ReadRatio < 0 || cfg.ReadRatio > 1 {
		return benchConfig{}, fmt.Errorf("--read-ratio must be in [0,1], got %f", cfg.ReadRatio)
	}
	if cfg.Ops <= 0 {
		return benchConfig{}, fmt.Errorf("--ops must be > 0, got %d", cfg.Ops)
	}
	if cfg.Duration < 0 {
		return benchConfig{}, fmt.Errorf("--duration must be >= 0, got %s", cfg.Duration)
	}
	return cfg, nil
}
