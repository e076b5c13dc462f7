// Command agentpipe runs and administers the agent pipeline engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with every subcommand attached
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentpipe",
		Short: "Agent pipeline execution engine",
		Long: `agentpipe runs user-defined pipelines of LLM agents.

A pipeline is a graph of agent nodes and trait nodes. Runs are queued,
executed step by step by workers, and streamed live to clients.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newLinearizeCmd(),
		newPipelineCmd(),
		newCredentialsCmd(),
	)

	return rootCmd
}

// logLevel returns the --log-level flag, falling back to the configured level
func logLevel(cmd *cobra.Command, configured string) string {
	if level, err := cmd.Flags().GetString("log-level"); err == nil && level != "" {
		return level
	}
	return configured
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
