package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration for keymasterd.
type CLIConfig struct {
	ConfigPath      string
	InitialURL      string
	LogLevel        string
	LogFormat       string
	CloneInterval   time.Duration
	ShutdownTimeout time.Duration
	MetricsPort     int
	ShowVersion     bool
	ShowHelp        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("KEYMASTERD_CONFIG", ""),
		"Path to the YAML seed configuration document (env: KEYMASTERD_CONFIG)")

	flag.StringVar(&cfg.InitialURL, "initial-url",
		getEnv("KEYMASTERD_INITIAL_URL", "tcp://*:XXXXX"),
		"Comma-separated Keymaster.URLS.Initial state endpoints; publish endpoints are derived "+
			"from each (tcp: port+1, ipc/inproc: .publisher suffix). Overridden by a "+
			"Keymaster.URLS.Initial list in --config, if present (env: KEYMASTERD_INITIAL_URL)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("KEYMASTERD_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: KEYMASTERD_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("KEYMASTERD_LOG_FORMAT", "json"),
		"Log format: json, text (env: KEYMASTERD_LOG_FORMAT)")

	flag.DurationVar(&cfg.CloneInterval, "clone-interval",
		getEnvDuration("KEYMASTERD_CLONE_INTERVAL", 10*time.Minute),
		"Periodic tree re-root interval (env: KEYMASTERD_CLONE_INTERVAL)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("KEYMASTERD_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: KEYMASTERD_SHUTDOWN_TIMEOUT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("KEYMASTERD_METRICS_PORT", 9090),
		"Prometheus metrics and health HTTP port, 0 to disable (env: KEYMASTERD_METRICS_PORT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Keymaster configuration/state tree service

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a seed configuration document
  %s --config=/etc/keymasterd/seed.yaml

  # Bind to fixed endpoints instead of ephemeral ports
  %s --initial-url=tcp://*:7001,inproc://km

Version: %s
Build: %s
`, os.Args[0], os.Args[0], Version, BuildTime)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
