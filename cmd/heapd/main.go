package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dray-io/heapd/internal/config"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("heapd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("heapd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: heapd <command> [options]

Commands:
  serve     Start a heap node
  admin     Administrative commands against a running node (gc, roots, stats, evict)
  version   Print version information

Run 'heapd <command> --help' for more information on a command.`)
}

// serveFlags are the command line overrides applied on top of the loaded
// configuration.
type serveFlags struct {
	configPath  string
	nodeID      string
	adminAddr   string
	metricsAddr string
	logLevel    string
	noGC        bool
	noEviction  bool
}

func parseServeFlags(args []string) (serveFlags, error) {
	var f serveFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.nodeID, "node-id", "", "Override node ID (default: auto-generated UUID)")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "Override admin API address (e.g., :7070)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Override metrics address (e.g., :9090)")
	fs.StringVar(&f.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	fs.BoolVar(&f.noGC, "no-gc", false, "Disable the periodic collector")
	fs.BoolVar(&f.noEviction, "no-eviction", false, "Disable periodic map eviction")

	fs.Usage = func() {
		fmt.Println(`Usage: heapd serve [options]

Start a heap node: load the heap, run the collector and the evictor, and
serve the admin API.

Options:`)
		fs.PrintDefaults()
	}
	err := fs.Parse(args)
	return f, err
}

// loadServeConfig loads the configuration and applies the overrides.
func loadServeConfig(f serveFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFromPath(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if f.nodeID != "" {
		cfg.Node.ID = f.nodeID
	}
	if f.adminAddr != "" {
		cfg.Node.AdminAddr = f.adminAddr
	}
	if f.metricsAddr != "" {
		cfg.Observability.MetricsAddr = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.Observability.LogLevel = f.logLevel
	}
	if f.noGC {
		cfg.GC.Enabled = false
	}
	if f.noEviction {
		cfg.Eviction.Enabled = false
	}
	return cfg, cfg.Validate()
}

func runServe(args []string) {
	f, err := parseServeFlags(args)
	if err != nil {
		os.Exit(1)
	}
	cfg, err := loadServeConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	node, err := server.NewNode(server.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		logger.Errorf("failed to create node", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Errorf("node stopped with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("node shutdown complete")
}
