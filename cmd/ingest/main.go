package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/app"
	"cryptoflow/internal/config"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config")
	grace := flag.Duration("grace", 10*time.Second, "shutdown grace period")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Strs("bus", cfg.Bus.Servers).
		Str("health", cfg.Health.Addr).
		Int("exchanges", len(cfg.Exchanges)).
		Msg("Starting market data ingester")

	ingester := app.NewIngester(cfg)
	if err := ingester.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ingester")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Info().Msg("Reloading configuration")
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error().Err(err).Msg("Reload failed, keeping current configuration")
				continue
			}
			ingester.Reload(next)
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		ingester.Stop(*grace)
		return
	}
}
