package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/config"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
)

const usage = `StrataFS - Resource Hierarchy Server

Usage:
  stratafs <command> [flags]

Commands:
  serve     Load the resource topology and run until interrupted
  check     Validate the configuration and load every resource plugin
  init      Write a sample configuration file
  resolve   Show the hierarchy an operation on a logical path resolves to

Run 'stratafs <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "resolve":
		err = runResolve(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("%v", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

// loadConfig loads the configuration and applies the logging section.
// A non-empty logLevel overrides the configured level.
func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(logLevel)
	}
	if err := config.ConfigureLogging(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/stratafs/config.yaml)")
	logLevel := fs.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("StrataFS - Resource Hierarchy Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Zone: %s, catalog: %s, %d resource(s)", cfg.Server.Zone, cfg.Catalog.Type, len(cfg.Resources))

	rt, err := config.NewRuntime(ctx, cfg, config.RuntimeOptions{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		_ = rt.Close(shutdownCtx)
		return fmt.Errorf("failed to start resources: %w", err)
	}
	for _, root := range rt.Registry.RootResources() {
		if h, err := rt.Registry.HierarchyOf(root); err == nil {
			logger.Info("  Root resource: %s", h)
		}
	}

	serverDone := make(chan error, 1)
	if rt.Metrics.Server != nil {
		go func() {
			serverDone <- rt.Metrics.Server.Start(ctx)
		}()
		logger.Info("Metrics available on port %d", rt.Metrics.Server.Port())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverDone:
		if err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if rt.Metrics.Server != nil {
		if err := rt.Metrics.Server.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error: %v", err)
		}
	}
	if err := rt.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := config.NewRuntime(ctx, cfg, config.RuntimeOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Catalog.Close() }()

	if err := rt.Registry.Instantiate(ctx); err != nil {
		return err
	}

	fmt.Printf("Configuration OK: %d resource(s), built-in plugins: %s\n",
		rt.Registry.Count(), strings.Join(plugin.Registered(), ", "))
	for _, d := range rt.Registry.Descriptors() {
		h, err := rt.Registry.HierarchyOf(d.Name)
		if err != nil {
			return err
		}
		host := d.Host
		if host == "" {
			host = "local"
		}
		fmt.Printf("  %-4d %-20s %-16s %-8s %s\n", d.ID, h.String(), d.Type, host, d.Status)
	}
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", "", "Write the sample config to this path instead of the default location")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := *output
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	op := fs.String("op", plugin.OpOpen, "Operation to resolve (create, open, write)")
	resc := fs.String("resc", "", "Restrict voting to this root resource")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("resolve: expected exactly one logical path")
	}
	logical := fs.Arg(0)

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := config.NewRuntime(ctx, cfg, config.RuntimeOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Catalog.Close() }()

	replicas, err := rt.Catalog.Replicas(ctx, logical)
	if err != nil {
		return err
	}

	obj := fco.NewDataObject(logical, "")
	if *resc != "" {
		obj.Cond = map[string]string{redirect.KeyRescName: *resc}
	}

	dec, err := rt.Resolver.ResolveHierarchy(ctx, obj, *op, replicas)
	if err != nil {
		return err
	}

	loc, err := rt.Locator.LocateHierarchy(ctx, dec.Hierarchy)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s -> %s (vote %.2f, %s)\n", *op, logical, dec.Hierarchy, dec.Vote, loc)
	if dec.Replica != nil {
		fmt.Printf("  existing replica %d: %s [%s]\n", dec.Replica.Number, dec.Replica.PhysicalPath, dec.Replica.State)
	}
	return nil
}

func init() {
	log.SetFlags(0)
}
