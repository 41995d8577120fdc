package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagDataPath string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cordnode",
	Short: "Account hosting node with multi-party co-signing",
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging(flagLogLevel)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataPath, "data-path", getEnv("DATA_PATH", "./data"), "directory holding node databases")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(levelStr string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
