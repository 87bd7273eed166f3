// SPDX-License-Identifier: MIT

// Command signaged runs the digital signage fleet controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/signagekit/signaged/internal/config"
	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("signaged %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "signaged",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Str(log.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
	}

	log.Reconfigure(log.Config{
		Level:   cfg.LogLevel,
		Service: "signaged",
		Version: version,
	})

	source := "defaults"
	if *configPath != "" {
		source = *configPath
	}
	logger.Info().
		Str("source", source).
		Str(log.FieldEvent, "config.loaded").
		Msg("configuration loaded")

	srv, err := server.New(ctx, cfg, version)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "server.init_failed").
			Msg("failed to initialise server")
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "server.stopped").
			Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "server.stopped").Msg("server stopped")
}
