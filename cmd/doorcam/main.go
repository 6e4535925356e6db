package main

import (
	"flag"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/retrontology/doorcam/internal/config"
	"github.com/retrontology/doorcam/internal/logging"
	"github.com/retrontology/doorcam/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "doorcam.toml", "path to the TOML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	pretty := flag.Bool("pretty", false, "human-readable console log output")
	flag.Parse()

	log := logging.New(*logLevel, *pretty)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct components")
	}
	orch.Initialize()

	if err := orch.Start(); err != nil {
		log.Error().Err(err).Msg("startup failed, shutting down")
		orch.Shutdown()
		os.Exit(1)
	}

	os.Exit(orch.Run())
}
