// Command gateway runs the API gateway: it terminates client requests,
// applies per-route policy (auth, rate limits, caching, circuit
// breaking, transforms), and proxies to the configured backends.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Build metadata, injected via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config",
			envOr("APEXGATE_CONFIG", "configs/gateway.yaml"),
			"path to the gateway configuration file")
		logLevel = flag.String("log-level",
			envOr("APEXGATE_LOG_LEVEL", ""),
			"override the configured log level (debug, info, warn, error)")
		logFormat = flag.String("log-format",
			envOr("APEXGATE_LOG_FORMAT", ""),
			"override the configured log format (json or console)")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("apexgate %s (commit %s, built %s)\n", version, commit, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	observability.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	app, err := buildApplication(*configPath, cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble gateway", observability.Error(err))
	}

	if err := app.run(); err != nil {
		logger.Fatal("gateway terminated", observability.Error(err))
	}
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
