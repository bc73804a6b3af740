package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	dbFilenameFlag     string
	watchFlag          bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string

	rootCmd = &cobra.Command{
		Use:   "offline-cache",
		Short: "Keep a web page working offline",
		Long: `offline-cache sits between a web page and the network. It pre-caches the
page's assets for one cache version and keeps serving them when the network
is gone.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
)

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configFilenameFlag, "config", "offline-cache.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db, default cache.db)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	serveCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&watchFlag, "watch", false, "Register a new cache version when the config file changes")

	rootCmd.AddCommand(serveCmd, installCmd, activateCmd, bucketsCmd, entriesCmd)
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
