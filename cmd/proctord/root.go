package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/version"
)

var (
	configPath string
	httpAddr   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "proctord",
	Short: "Exam integrity monitoring service",
	Long: `proctord hosts one integrity engine per exam session. The candidate's
browser shim forwards DOM events and sensor telemetry; the service
classifies violations, flags sessions for review and hands the final
alert log to the grading service.`,
	Version:       version.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.GetEnv("PROCTOR_CONFIG", ""), "YAML or TOML config file, watched for changes")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger returns the JSON logger used by the service.
func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return log, nil
}
