package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"webhooklog/internal/config"
	"webhooklog/internal/credentials"
	"webhooklog/internal/logsink"
	"webhooklog/internal/security"
	"webhooklog/internal/server"
	"webhooklog/pkg/fileutil"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long in-flight requests may take to finish
// after SIGINT/SIGTERM.
const ShutdownTimeout = 15 * time.Second

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion server",
	Long: `Start the HTTP server that appends webhook payloads to the log file.

Configuration is read from defaults, then the YAML config file, then
WEBHOOKLOG_* environment variables, then command line flags.

Send SIGHUP to rotate the log file immediately.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

// addServeFlags registers the serve flags. Defaults come from config.Default
// so that only flags the user sets override the file and environment.
func addServeFlags(f *pflag.FlagSet) {
	d := config.Default()

	f.StringVarP(&configFile, "config", "c", getEnvOrDefault("WEBHOOKLOG_CONFIG", ""), "Path to webhooklog.yaml configuration file")

	f.StringP("address", "a", d.Address, "Address to bind to")
	f.IntP("port", "p", d.Port, "Port to listen on")
	f.StringP("logfile", "l", d.LogFile, "Path to the ingestion log file")
	f.IntP("rotate", "r", d.Rotate, "Number of rotated log files to keep")
	f.StringP("htpasswd", "H", d.Htpasswd, "htpasswd file enabling Basic auth (empty accepts every request)")
	f.String("frequency", d.Frequency, "Rotation frequency: hourly, daily, weekly, monthly or yearly")
	f.Bool("compress", d.Compress, "Gzip rotated log files")
	f.Int("uncompressed", d.Uncompressed, "Number of newest rotated files left uncompressed")
	f.Duration("flush-interval", d.FlushInterval, "How often buffered records are flushed (0 flushes every request)")
	f.String("health-path", d.HealthPath, "Health check path")
	f.Int64("max-body-bytes", d.MaxBodyBytes, "Maximum request body size in bytes (0 is unlimited)")
	f.Int("rate-limit", d.RateLimit, "Requests per minute per client IP (0 disables)")
	f.String("diag-log", d.DiagLog, "Also write diagnostic logs to this file")
	f.String("log-level", d.LogLevel, "Diagnostic log level: debug, info, warn or error")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, source, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(cfg.DiagLog, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if logFileHandle != nil {
		defer logFileHandle.Close()
	}

	logger.Info("Starting webhooklog", "version", version)
	if source != "" {
		logger.Info("Loaded configuration", "config", source)
	}

	verifier, err := loadVerifier(cfg.Htpasswd, logger)
	if err != nil {
		logger.Error("Failed to load credentials", "error", err)
		return err
	}

	frequency, err := logsink.ParseFrequency(cfg.Frequency)
	if err != nil {
		return err
	}

	sink, err := logsink.Open(cfg.LogFile, logsink.Options{
		Frequency:         frequency,
		MaxFiles:          cfg.Rotate,
		Compress:          cfg.Compress,
		UncompressedFiles: cfg.Uncompressed,
		FlushInterval:     cfg.FlushInterval,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("Failed to open log file", "error", err)
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error("Failed to close log file", "error", err)
		}
	}()

	rotated, err := sink.Files()
	if err != nil {
		logger.Warn("Failed to list rotated log files", "error", err)
	}
	logger.Info("Log sink ready",
		"path", sink.Path(),
		"frequency", frequency,
		"rotated_files", len(rotated),
		"keep", cfg.Rotate)

	srv := server.NewServer(sink, verifier, logger)
	srv.HealthPath = cfg.HealthPath
	srv.MaxBodyBytes = cfg.MaxBodyBytes
	srv.RateLimit = cfg.RateLimit

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(cfg.Address, cfg.Port); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		rotateOnHangup(gctx, sink, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// loadConfig layers defaults, the YAML file, WEBHOOKLOG_* variables and
// explicitly set flags, then validates the result. It returns the config
// file used, if any.
func loadConfig(flags *pflag.FlagSet) (*config.Config, string, error) {
	cfg := config.Default()

	path := configFile
	if path == "" {
		// Search in default locations using pkg/fileutil
		path = fileutil.FindConfigOptional(config.FileName)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, "", fmt.Errorf("failed to load configuration: %w", err)
		}
	}

	if err := cfg.LoadEnv(os.LookupEnv); err != nil {
		return nil, "", fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.SetFromFlags(flags); err != nil {
		return nil, "", fmt.Errorf("invalid flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, path, nil
}

// loadVerifier returns nil when no credential file is configured, which puts
// the server in open mode.
func loadVerifier(path string, logger *slog.Logger) (server.Verifier, error) {
	if path == "" {
		logger.Warn("No htpasswd file configured, accepting all requests")
		return nil, nil
	}

	store, err := credentials.Load(path)
	if err != nil {
		return nil, err
	}

	if err := security.EnsureSecurePermissions(path, security.PermConfigFile); err != nil {
		logger.Warn("Credential file permissions", "warning", err)
	}
	for _, perr := range store.Skipped() {
		logger.Warn("Skipped malformed credential line", "htpasswd", path, "line", perr.Line, "reason", perr.Msg)
	}
	if users := store.Unsupported(); len(users) > 0 {
		logger.Warn("Users with unsupported hash schemes can never authenticate", "users", users)
	}

	logger.Info("Loaded credentials", "htpasswd", path, "users", store.Len())
	return store, nil
}

// rotateOnHangup forces a log rotation on every SIGHUP until ctx is done.
func rotateOnHangup(ctx context.Context, sink *logsink.Sink, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info("Received SIGHUP, rotating log file", "path", sink.Path())
			err := sink.Rotate()
			if errors.Is(err, logsink.ErrClosed) {
				return
			}
			if err != nil {
				logger.Error("Forced rotation failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// setupLogging configures slog for console and optional file logging.
// Returns both the logger and the file handle (nil without a file; caller
// must close it otherwise)
func setupLogging(logPath, level string) (*slog.Logger, *os.File, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out io.Writer = os.Stdout
	var file *os.File
	if logPath != "" {
		if err := security.EnsureDir(filepath.Dir(logPath), security.PermDirectory); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Open log file with secure permissions
		f, err := security.OpenAppendFile(logPath, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f

		// Create multi-writer to log to both file and console
		out = io.MultiWriter(os.Stdout, file)
	}

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: lvl,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
