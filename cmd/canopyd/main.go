package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy/internal/api"
	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/calendar"
	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/dispatch"
	"github.com/canopyhq/canopy/internal/lifecycle"
	"github.com/canopyhq/canopy/internal/logging"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/store"
	"github.com/canopyhq/canopy/internal/sweep"
	"github.com/canopyhq/canopy/internal/threshold"
	"github.com/canopyhq/canopy/internal/weather"
	"github.com/canopyhq/canopy/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envPath string

var rootCmd = &cobra.Command{
	Use:     "canopyd",
	Short:   "Canopy - tree-care alert dispatch engine",
	Long:    `Canopy watches weather and care calendars for a fleet of urban trees and dispatches volunteers to the ones that need attention.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Canopy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to the .env configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config is read.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "canopyd"})

	cfg, err := config.Load(envPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "canopyd"})

	log.Info().Str("version", Version).Msg("Starting Canopy dispatch engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := store.Connect(connectCtx, cfg.DBURI, cfg.DBName)
	connectCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := db.Disconnect(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("MongoDB disconnect failed")
		}
	}()
	if err := db.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure MongoDB indexes")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTExpiry)
	hub := websocket.NewHub(verifier, cfg.AllowedClientOrigin)
	hub.SetClientCountCallback(metrics.SetPushClients)

	engine := dispatch.NewEngine(db.Alerts(), db.Trees(), db.Volunteers(), hub, cfg.VolunteerMatchRadiusKm)
	manager := lifecycle.NewManager(db.Alerts(), db.Volunteers(), hub)

	var weatherSweep *sweep.WeatherSweeper
	if cfg.WeatherAPIKey != "" {
		provider := weather.NewOpenWeatherClient(cfg.WeatherAPIKey)
		weatherSweep = sweep.NewWeatherSweeper(db.Trees(), provider, engine, cfg.Thresholds(), cfg.WeatherPollInterval)
		weatherSweep.Start(ctx)
		defer weatherSweep.Stop()
	} else {
		log.Warn().Msg("WEATHER_API_KEY not set, weather checks disabled")
	}

	var calendarSweep *sweep.CalendarSweeper
	if cfg.CalendarClientID != "" && cfg.CalendarSystemRefreshToken != "" {
		provider := calendar.NewGoogleClient(calendar.GoogleConfig{
			ClientID:     cfg.CalendarClientID,
			ClientSecret: cfg.CalendarClientSecret,
			RefreshToken: cfg.CalendarSystemRefreshToken,
		})
		calendarSweep = sweep.NewCalendarSweeper(provider, db.Trees(), engine, cfg.CalendarCareKeywords, cfg.CalendarPollInterval)
		calendarSweep.Start(ctx)
		defer calendarSweep.Stop()
	} else {
		log.Warn().Msg("Calendar credentials not set, calendar checks disabled")
	}

	retrySweep := sweep.NewRetrySweeper(db.Alerts(), db.Volunteers(), db.Trees(), hub, cfg.RetryPollInterval)
	retrySweep.Start(ctx)
	defer retrySweep.Stop()

	watcher, err := config.NewWatcher(envPath, func(r config.Reloadable) {
		engine.SetRadiusKm(r.VolunteerMatchRadiusKm)
		if weatherSweep != nil {
			weatherSweep.SetConfig(threshold.Config{
				TempHigh:      r.ThresholdTempHigh,
				WindHigh:      r.ThresholdWindHigh,
				RainLow:       r.ThresholdRainLow,
				StormKeywords: r.StormKeywords,
			})
		}
		if calendarSweep != nil {
			calendarSweep.SetKeywords(r.CalendarCareKeywords)
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, tunables require a restart")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher failed to start")
	} else {
		defer watcher.Stop()
	}

	// A disabled sweep must reach the router as an untyped nil.
	var weatherTrigger, calendarTrigger api.SweepTrigger
	if weatherSweep != nil {
		weatherTrigger = weatherSweep
	}
	if calendarSweep != nil {
		calendarTrigger = calendarSweep
	}

	router := api.NewRouter(api.Deps{
		Verifier:      verifier,
		Alerts:        api.NewAlertHandlers(db.Alerts(), engine, manager),
		Admin:         api.NewAdminHandlers(db.Alerts(), weatherTrigger, calendarTrigger),
		Pinger:        db,
		Clients:       hub,
		PushHandler:   hub.HandleWebSocket,
		AllowedOrigin: cfg.AllowedClientOrigin,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown timed out")
	}
	log.Info().Msg("Canopy stopped")
}
