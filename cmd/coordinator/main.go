package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sentry-go"

	"github.com/gpumesh/gpumesh/pkg/coordinator"
)

var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gpumesh-coordinator version %s\n", version)
		return
	}

	// Initialize Sentry
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn: dsn,
		})
		if err != nil {
			log.Error().Err(err).Msg("sentry.Init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	config, err := coordinator.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading coordinator config")
	}

	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if raw := os.Getenv("GPUMESH_LOG_LEVEL"); raw != "" {
		parsed, err := zerolog.ParseLevel(raw)
		if err != nil {
			log.Warn().Str("level", raw).Msg("Unknown GPUMESH_LOG_LEVEL, using info")
		} else {
			level = parsed
		}
	}
	if config.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if config.PrettyLogs || config.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	srv := coordinator.NewServer(config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down coordinator...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Coordinator shutdown error")
		}
	}()

	log.Info().
		Str("version", version).
		Str("addr", config.Addr()).
		Msg("GPUMesh coordinator starting")

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("error running coordinator")
	}
	log.Info().Msg("Coordinator stopped")
}
