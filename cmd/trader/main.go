package main

import (
	"flag"
	"fmt"
	"os"

	"ladder_engine/internal/bootstrap"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting trader",
		"version", version,
		"universe_db", app.Cfg.App.CandidateDB,
		"metrics", app.Cfg.Telemetry.EnableMetrics,
	)

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
