package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/internal/app"
	"github.com/ksred/klear-autopilot/internal/config"
)

// init configures pretty logging outside production. DEBUG=true forces
// debug level regardless of the configured level.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// main runs the autonomy scheduler and the operator API until SIGINT or
// SIGTERM, then drains both.
func main() {
	configPath := flag.String("config", os.Getenv("AUTOPILOT_CONFIG"), "path to YAML or JSON config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setLogLevel(cfg.LogLevel)

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize autopilot")
	}
	defer a.Close()

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := a.Scheduler.Run(schedulerCtx); err != nil {
			zlog.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: a.Router(),
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Str("account", cfg.Account.ID).Msg("Operator API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling first. An order already sent runs to its outcome,
	// bounded by the execution timeout.
	schedulerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	drain := config.Duration(cfg.Scheduler.ExecutionTimeout, 10*time.Second) + 5*time.Second
	select {
	case <-schedulerDone:
	case <-time.After(drain):
		zlog.Warn().Dur("waited", drain).Msg("Scheduler did not stop in time")
	}

	zlog.Info().Msg("Server exiting")
}

func setLogLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
