// Package main implements keymasterd, the Keymaster tree service daemon:
// a hierarchical configuration/state tree reachable over a request/reply
// socket, with change notifications fanned out over a separate publish
// socket (§4.B).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ramoncreager/matrix/health"
	"github.com/ramoncreager/matrix/keymaster"
	"github.com/ramoncreager/matrix/metric"
	"github.com/ramoncreager/matrix/pkg/security"
	"github.com/ramoncreager/matrix/tree"
)

// Build information constants.
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "keymasterd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("keymasterd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	doc, err := loadSeedDocument(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load seed document: %w", err)
	}

	metricsRegistry := metric.NewMetricsRegistry()
	healthMonitor := health.NewMonitor()

	if cliCfg.MetricsPort != 0 {
		metricsServer, err := startMetricsServer(cliCfg.MetricsPort, metricsRegistry)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Stop()
	}

	srv := keymaster.NewServer(doc,
		keymaster.WithCloneInterval(cliCfg.CloneInterval),
		keymaster.WithHealthMonitor(healthMonitor),
		keymaster.WithMetrics(metricsRegistry.Metrics),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stateURLs, pubURLs, err := srv.Bind(ctx, initialURLs(doc, cliCfg.InitialURL))
	if err != nil {
		return fmt.Errorf("bind keymaster server: %w", err)
	}
	slog.Info("keymaster endpoints bound", "state", stateURLs, "publish", pubURLs)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start keymaster server: %w", err)
	}
	slog.Info("keymasterd started", "version", Version)

	<-ctx.Done()
	slog.Info("received shutdown signal")

	if err := shutdown(srv, cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop keymaster server: %w", err)
	}
	slog.Info("keymasterd shutdown complete")
	return nil
}

// shutdown stops srv, giving it at most timeout to finish before giving up
// and returning a timeout error (the server's goroutines are left to wind
// down on their own in that case).
func shutdown(srv *keymaster.Server, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown did not complete within %s", timeout)
	}
}

// initializeCLI parses flags, sets up logging, and reports whether the
// process should exit immediately (help/version requested).
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting keymasterd", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)
	return cliCfg, false, nil
}

// initialURLs resolves the Keymaster.URLS.Initial list the way the original
// setup_urls() does: the seed document's own Keymaster.URLS.Initial list
// takes precedence over the --initial-url flag, which only exists as a
// fallback for a document that doesn't declare one.
func initialURLs(doc *tree.Tree, flagValue string) []string {
	if n, err := doc.Get(tree.NewKeychain("Keymaster.URLS.Initial")); err == nil {
		if seq, ok := n.(*tree.Sequence); ok {
			urls := make([]string, 0, len(seq.Items))
			for _, item := range seq.Items {
				if scalar, ok := item.(*tree.Scalar); ok {
					urls = append(urls, scalar.Value)
				}
			}
			if len(urls) > 0 {
				return urls
			}
		}
	}

	parts := strings.Split(flagValue, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// loadSeedDocument loads the YAML seed configuration document named by
// path, or returns an empty tree if path is empty.
func loadSeedDocument(path string) (*tree.Tree, error) {
	if path == "" {
		return tree.New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := tree.LoadYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// startMetricsServer starts the Prometheus metrics HTTP server on port in a
// background goroutine; run only calls it when port is not 0.
func startMetricsServer(port int, registry *metric.MetricsRegistry) (*metric.Server, error) {
	server := metric.NewServer(port, "/metrics", registry, security.Config{})
	go func() {
		if err := server.Start(); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("metrics server listening", "port", port)
	return server, nil
}
