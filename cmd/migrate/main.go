// Migrate applies the embedded schema migrations. Usage: migrate [up|down].
package main

import (
	"os"

	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/store"
)

func main() {
	logger := logging.New(os.Stderr, "info", "migrate")

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := store.Migrate(cfg.DatabaseURL, direction); err != nil {
		logger.Error("migrate", "direction", direction, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations done", "direction", direction)
}
