package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/user/nutrisync-go/config"
)

// envFile is the optional dotenv file loaded before configuration is read.
var envFile string

// NewRootCmd creates the root command for the nutrisync CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "nutrisync",
		Short:        "NutriSync account service",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig reads the dotenv file, if present, and then the environment.
// A missing dotenv file is normal in containers and only logged.
func loadConfig() (*config.AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Debug("no dotenv file loaded", "path", envFile, "error", err)
		}
	}
	return config.LoadConfig()
}

// newLogger builds the process logger. Output is JSON on stdout.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// installLogger builds the process logger and makes it the slog default, so
// packages that log through the package-level slog functions share its level
// and JSON output.
func installLogger(level string) *slog.Logger {
	logger := newLogger(level)
	slog.SetDefault(logger)
	return logger
}
