package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hookline/server/internal/config"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/pkg/hookline"
)

func main() {
	// .env is optional; environment variables win over it either way.
	_ = godotenv.Load()

	defaultPath := os.Getenv("HOOKLINE_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New(logger.Config{})
		bootLog.Fatal().
			Err(err).
			Str("path", *configPath).
			Msg("server.config_failed")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "hookline",
		Environment: cfg.Logging.Environment,
	})

	app, err := hookline.NewApp(cfg)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("server.init_failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.Start(ctx)
	srv := app.Server()

	go func() {
		log.Info().
			Str("address", cfg.Server.Address).
			Str("backend", cfg.Storage.Backend).
			Str("inbound_backend", cfg.Storage.InboundBackend).
			Msg("server.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().
				Err(err).
				Msg("server.listen_failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server.shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().
			Err(err).
			Msg("server.shutdown_failed")
	}
	cancel()
	if err := app.Close(); err != nil {
		log.Error().
			Err(err).
			Msg("server.cleanup_failed")
	}

	log.Info().Msg("server.stopped")
}
