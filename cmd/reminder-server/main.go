package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthtech/reminder/internal/config"
	"github.com/healthtech/reminder/internal/domain/appointment"
	"github.com/healthtech/reminder/internal/domain/reminder"
	"github.com/healthtech/reminder/internal/platform/clock"
	"github.com/healthtech/reminder/internal/platform/db"
	"github.com/healthtech/reminder/internal/platform/middleware"
	"github.com/healthtech/reminder/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reminder-server",
		Short: "Appointment reminder scheduling and delivery server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reminder server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid reminder configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Stores
	eventRepo := reminder.NewEventRepoPG(pool)
	attemptRepo := reminder.NewAttemptRepoPG(pool)
	settingsRepo := reminder.NewSettingsRepoPG(pool)
	source := appointment.NewSourcePG(pool)
	directory := appointment.NewDirectoryPG(pool)

	// Seed the settings registry from the environment on first boot. Later
	// boots keep whatever version the registry already holds; env changes do
	// not silently rewrite in-force policy.
	if err := seedSettings(ctx, settingsRepo, cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed reminder settings")
	}

	// Delivery pipeline
	clk := clock.NewSystem()
	templates := notification.NewTemplateEngine()
	senders := []notification.Sender{
		notification.NewLogSender(notification.ChannelSMS, logger),
		notification.NewLogSender(notification.ChannelEmail, logger),
		notification.NewLogSender(notification.ChannelWhatsApp, logger),
	}
	dispatcher := reminder.NewDispatcher(eventRepo, attemptRepo, settingsRepo,
		source, directory, templates, senders, clk, logger)
	scheduler := reminder.NewScheduler(eventRepo, settingsRepo, dispatcher, clk, logger, cfg.ReminderWorkers)

	// Appointment change feed
	maxLead := time.Duration(0)
	leads, _ := cfg.LeadTimes()
	for _, l := range leads {
		if l > maxLead {
			maxLead = l
		}
	}
	watcher := appointment.NewWatcher(source, scheduler, clk, logger,
		cfg.ReminderPollInterval, maxLead+24*time.Hour)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	go watcher.Run(runCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Admin surface
	handler := reminder.NewHandler(eventRepo, attemptRepo, settingsRepo, scheduler)
	handler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// seedSettings appends the first policy snapshot from the environment when the
// registry is empty.
func seedSettings(ctx context.Context, settings reminder.SettingsRepository, cfg *config.Config) error {
	_, err := settings.Current(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, reminder.ErrNotFound) {
		return err
	}

	leads, err := cfg.LeadTimes()
	if err != nil {
		return err
	}
	var channels []notification.Channel
	for _, raw := range cfg.Channels() {
		ch, err := notification.ParseChannel(raw)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	s := &reminder.PolicySettings{
		LeadTimes:       leads,
		Channels:        channels,
		RetryLimit:      cfg.ReminderRetryLimit,
		BackoffBase:     cfg.ReminderBackoffBase,
		DispatchTimeout: cfg.ReminderDispatchTimeout,
	}
	if err := reminder.ValidatePolicySettings(s); err != nil {
		return err
	}
	return settings.Append(ctx, s)
}
