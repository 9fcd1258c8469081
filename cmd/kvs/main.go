package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/engine"
	"github.com/KevoDB/kvs/pkg/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// Options holds the command line configuration
type Options struct {
	Path                string
	LogLevel            string
	SyncMode            string
	CompactionThreshold int64
	CacheSize           int
	ShowVersion         bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation of the command and returns its exit code
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvs", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := Options{}
	fs.StringVar(&opts.Path, "path", ".", "Directory holding the store")
	fs.StringVar(&opts.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.SyncMode, "sync", config.SyncImmediate.String(), "Sync mode: none, batch, immediate")
	fs.Int64Var(&opts.CompactionThreshold, "compaction-threshold", config.DefaultCompactionThreshold,
		"Uncompacted bytes that trigger a compaction")
	fs.IntVar(&opts.CacheSize, "cache-size", config.DefaultValueCacheSize, "Number of values kept in memory, 0 disables the cache")
	fs.BoolVar(&opts.ShowVersion, "V", false, "Print version information and exit")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print version information and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "kvs - a log-structured key/value store\n\n")
		fmt.Fprintf(fs.Output(), "Usage:\n")
		fmt.Fprintf(fs.Output(), "  kvs [options] set KEY VALUE   Store VALUE under KEY\n")
		fmt.Fprintf(fs.Output(), "  kvs [options] get KEY         Print the value of KEY\n")
		fmt.Fprintf(fs.Output(), "  kvs [options] rm KEY          Remove KEY\n")
		fmt.Fprintf(fs.Output(), "  kvs [options] shell           Start an interactive shell\n\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if opts.ShowVersion {
		fmt.Fprintf(stdout, "kvs %s\n", version)
		return exitOK
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	name, cmdArgs := rest[0], rest[1:]
	want, ok := commandArgs[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command %q\n", name)
		fs.Usage()
		return exitUsage
	}
	if len(cmdArgs) != want {
		fmt.Fprintf(stderr, "Command %s takes %d arguments, got %d\n", name, want, len(cmdArgs))
		fs.Usage()
		return exitUsage
	}

	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(stderr))
	log.SetDefaultLogger(logger)

	cfg, err := opts.engineConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = version
	telCfg.LoadFromEnv()
	tel, err := telemetry.New(telCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing telemetry: %v\n", err)
		return exitFailure
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down telemetry: %v", err)
		}
	}()

	eng, err := engine.Open(opts.Path,
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithTelemetry(tel),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store at %s: %v\n", opts.Path, err)
		return exitFailure
	}
	defer func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(stderr, "Error closing store: %v\n", err)
		}
	}()

	if name == "shell" {
		if err := runShell(eng, stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	return runCommand(eng, name, cmdArgs, stdout, stderr)
}

// commandArgs maps each command to the number of arguments it takes
var commandArgs = map[string]int{
	"set":   2,
	"get":   1,
	"rm":    1,
	"shell": 0,
}

// engineConfig builds the engine configuration from the command line
func (o Options) engineConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig(o.Path)

	mode, err := config.ParseSyncMode(o.SyncMode)
	if err != nil {
		return nil, err
	}
	cfg.SyncMode = mode
	cfg.CompactionThreshold = o.CompactionThreshold
	cfg.ValueCacheSize = o.CacheSize

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCommand executes a single set, get or rm
func runCommand(eng *engine.Engine, name string, args []string, stdout, stderr io.Writer) int {
	switch name {
	case "set":
		if err := eng.Set(args[0], args[1]); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}

	case "get":
		value, found, err := eng.Get(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
		if !found {
			fmt.Fprintln(stdout, "Key not found")
			return exitOK
		}
		fmt.Fprintln(stdout, value)

	case "rm":
		err := eng.Remove(args[0])
		if errors.Is(err, engine.ErrKeyNotFound) {
			fmt.Fprintln(stdout, "Key not found")
			return exitFailure
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
	}

	return exitOK
}
