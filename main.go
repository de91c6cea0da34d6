package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/handler"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coitrack",
	Short: "Certificate of insurance tracking for vendors and tenants",
	Long: `coitrack collects certificates of insurance from vendors and tenants,
checks them against requirement templates and chases missing or expiring coverage.

Commands:
  serve     Run the HTTP API
  sweep     Re-evaluate every entity and send due notifications, then exit
  migrate   Apply the postgres schema, then exit`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-evaluate every entity and send due notifications",
	Long: `Run one compliance sweep: re-evaluate every entity so date-driven statuses
advance, then dispatch every notification whose scheduled date has arrived.

Run it from a single scheduler (cron, a Kubernetes CronJob) once a day.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runSweep(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return errors.New("migrate needs store.driver postgres")
		}
		store, err := service.NewPostgresStore(cmd.Context(), cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		slog.Info("schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully", "path", configPath, "store", cfg.Store.Driver)
	return cfg, nil
}

func runServe(cfg *config.Config) error {
	ctx := context.Background()
	metrics.Register()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(cfg, a.services)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server exited gracefully")
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	evaluated, err := a.services.Compliance.ReevaluateAll(ctx, "")
	if err != nil {
		// dispatch what is already due even when some entities failed
		slog.Error("re-evaluation incomplete", "evaluated", evaluated, "error", err)
	}
	report, dispatchErr := a.services.Notifier.DispatchDue(ctx)
	slog.Info("sweep finished",
		"evaluated", evaluated,
		"sent", report.Sent,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	return errors.Join(err, dispatchErr)
}
