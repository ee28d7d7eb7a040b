// Command tripobserve is the observation-core binary. It loads a YAML
// configuration file, attaches the kernel/proxy/netproxy trace sources for
// one chosen host target, runs the collector and event store, and exposes
// health/debug/control surfaces until told to shut down.
//
// Usage:
//
//	tripobserve start --config /etc/tripobserve/config.yaml [--target Claude.exe]
//	tripobserve validate --config /etc/tripobserve/config.yaml
//	tripobserve version
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/tripwire/observer/internal/collector"
	"github.com/tripwire/observer/internal/config"
	"github.com/tripwire/observer/internal/envelope"
	"github.com/tripwire/observer/internal/kernelsource"
	"github.com/tripwire/observer/internal/netproxysource"
	"github.com/tripwire/observer/internal/noisefilter"
	"github.com/tripwire/observer/internal/procgraph"
	"github.com/tripwire/observer/internal/registry"
	"github.com/tripwire/observer/internal/store"
	"github.com/tripwire/observer/internal/supervisor"
	"github.com/tripwire/observer/internal/tagresolver"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// knownHostTargets is the small set offered by the interactive prompt.
// Each entry is the image-filename suffix procgraph matches against.
var knownHostTargets = []string{"Claude.exe", "Code.exe", "Cursor.exe", "claude"}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tripobserve: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tripobserve <start|validate|version> --config <path>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "start":
		return cmdStart(rest)
	case "validate":
		return cmdValidate(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use start, validate, or version", sub)
	}
}

func parseFlags(args []string) (cfgPath, target string, err error) {
	fs := flag.NewFlagSet("tripobserve", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	fs.StringVar(&target, "target", "", "host target image filename (e.g. Claude.exe); prompted interactively if omitted")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if cfgPath == "" {
		return "", "", fmt.Errorf("--config is required")
	}
	return cfgPath, target, nil
}

func cmdValidate(args []string) error {
	cfgPath, _, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("configuration is valid (host_config: %s, collector: %s, store: %s)\n",
		cfg.HostConfigPath, cfg.CollectorAddr, cfg.StorePath)
	return nil
}

// operatorError marks a failure that should surface as a non-zero exit with
// no stack trace, per the Operator class of spec.md §7 (unrecognized host
// target, no TTY and no --target, non-elevated process for kernel tracing).
type operatorError struct{ msg string }

func (e *operatorError) Error() string { return e.msg }

func cmdStart(args []string) error {
	cfgPath, target, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if target == "" {
		target = cfg.HostTarget
	}
	if target == "" {
		target, err = resolveHostTarget(os.Stdin)
		if err != nil {
			return err
		}
	}
	cfg.HostTarget = target

	logger.Info("configuration loaded",
		slog.String("config_path", cfgPath),
		slog.String("host_target", cfg.HostTarget),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("store_path", cfg.StorePath),
	)

	st, err := store.New(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open event store", slog.String("path", cfg.StorePath), slog.Any("error", err))
		os.Exit(1)
	}

	reg := registry.New(cfg.HostConfigPath, cfg.ExtensionsDir)
	if err := reg.Reload(); err != nil {
		logger.Warn("initial registry load failed; MCP tagging will degrade to host-default",
			slog.Any("error", err))
	}

	resolver, err := tagresolver.New(cfg.HostTarget, cfg.VendorExtensionDir, reg, cfg.TagCacheSize)
	if err != nil {
		logger.Error("failed to build tag resolver", slog.Any("error", err))
		os.Exit(1)
	}
	filter := noisefilter.New(cfg.HostTarget)
	graph := procgraph.New(cfg.HostTarget)

	collectorMetrics := collector.NewMetrics()
	collectorSrv := collector.New(cfg.CollectorAddr, st, collector.WithMetrics(collectorMetrics), collector.WithLogger(logger))

	kernelClient := collector.NewClient(cfg.CollectorAddr, logger)

	provider, err := kernelsource.NewDefaultProvider(cfg.KernelWatchPaths, graph.RootPID, logger)
	if err != nil {
		logger.Error("failed to attach kernel trace provider; is this process elevated?", slog.Any("error", err))
		os.Exit(1)
	}
	kernelSrc := kernelsource.New(provider, graph, resolver, filter, reg, kernelClient, envelope.ProducerAgentCore, logger)

	var netProxySrc *netproxysource.Source
	if cfg.NetProxyAddr != "" {
		netProxyClient := collector.NewClient(cfg.CollectorAddr, logger)
		netProxySrc = netproxysource.New(netProxyClient, nil, logger)
	}

	supOpts := []supervisor.Option{
		supervisor.WithGraph(graph),
		supervisor.WithRegistry(reg),
		supervisor.WithCollector(collectorSrv),
		supervisor.WithStore(st),
		supervisor.WithMetrics(collectorMetrics),
		supervisor.WithKernelSource(kernelSourceRunner{kernelSrc, kernelClient}),
	}
	if cfg.RegistryWatch {
		supOpts = append(supOpts, supervisor.WithRegistryWatch())
	}
	if netProxySrc != nil {
		supOpts = append(supOpts, supervisor.WithNetProxySource(cfg.NetProxyAddr, netProxySrc))
	}
	if cfg.ControlAddr != "" {
		supOpts = append(supOpts, supervisor.WithControlAddr(cfg.ControlAddr))
	}
	if cfg.JWTSigningKey != "" {
		supOpts = append(supOpts, supervisor.WithJWTKey([]byte(cfg.JWTSigningKey)))
	}
	if cfg.AuditLogPath != "" {
		supOpts = append(supOpts, supervisor.WithAuditLog(cfg.AuditLogPath))
	}

	sup := supervisor.New(cfg, logger, supOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	sup.Stop()
	logger.Info("tripobserve exited cleanly")
	return nil
}

// kernelSourceRunner starts the collector client's reconnect loop alongside
// the kernel source's own Run loop, so the supervisor only needs to manage
// one KernelSource component.
type kernelSourceRunner struct {
	src    *kernelsource.Source
	client *collector.Client
}

func (k kernelSourceRunner) Run(ctx context.Context) error {
	go k.client.Start(ctx)
	return k.src.Run(ctx)
}

// resolveHostTarget prompts interactively from knownHostTargets when stdin is
// a terminal. Returns an *operatorError when it is not (spec.md §6/§7: no
// --target and no TTY is an Operator-class failure, non-zero exit).
func resolveHostTarget(stdin *os.File) (string, error) {
	if !isatty.IsTerminal(stdin.Fd()) {
		return "", &operatorError{msg: "no --target given and stdin is not a terminal; pass --target explicitly"}
	}

	fmt.Fprintln(os.Stderr, "select a host target:")
	for i, name := range knownHostTargets {
		fmt.Fprintf(os.Stderr, "  [%d] %s\n", i+1, name)
	}
	fmt.Fprint(os.Stderr, "> ")

	scanner := bufio.NewScanner(stdin)
	if !scanner.Scan() {
		return "", &operatorError{msg: "no selection read from stdin"}
	}
	return pickHostTarget(strings.TrimSpace(scanner.Text()))
}

// pickHostTarget resolves a raw prompt answer (either a 1-based index or a
// case-insensitive name) against knownHostTargets.
func pickHostTarget(choice string) (string, error) {
	if idx, err := strconv.Atoi(choice); err == nil {
		if idx < 1 || idx > len(knownHostTargets) {
			return "", &operatorError{msg: fmt.Sprintf("unrecognized host target selection %q", choice)}
		}
		return knownHostTargets[idx-1], nil
	}
	for _, name := range knownHostTargets {
		if strings.EqualFold(name, choice) {
			return name, nil
		}
	}
	return "", &operatorError{msg: fmt.Sprintf("unrecognized host target %q", choice)}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
