package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"subscription-commerce/internal/config"
	pg "subscription-commerce/internal/infra/db/postgres"
	"subscription-commerce/internal/infra/logging"
)

// migrate applies the embedded schema migrations and exits.
func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to YAML config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, false)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, logger); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		pool.Close()
		os.Exit(1)
	}
	logger.Info().Msg("migrations applied")
}
