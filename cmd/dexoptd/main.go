//go:build linux

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"dexoptd/internal/modes"
	"dexoptd/pkg/config"
	"dexoptd/pkg/logger"
)

func main() {
	cfg, path, err := config.LoadConfig(os.Getenv(config.EnvConfigPath))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	initializeLogging(cfg)

	mainLogger := logger.WithField("component", "main")
	if path != "" {
		mainLogger.Debug("configuration loaded", "path", path)
	}

	var runErr error
	switch cfg.Server.Mode {
	case "server":
		runErr = modes.RunServer(cfg)
	default:
		runErr = fmt.Errorf("unknown mode: %s", cfg.Server.Mode)
	}

	if runErr != nil {
		mainLogger.Error("dexoptd failed", "error", runErr)
		os.Exit(1)
	}
}

func initializeLogging(cfg *config.Config) {
	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		log.Printf("Invalid log level '%s', using INFO", cfg.Logging.Level)
		logger.SetLevel(logger.INFO)
	}

	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "" {
		logDir := filepath.Dir(cfg.Logging.Output)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Failed to setup log file, using stdout: %v", err)
		}
	}
}
