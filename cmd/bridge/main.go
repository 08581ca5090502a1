package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/application"
	"github.com/aibridge/aibridge/internal/infrastructure/config"
	"github.com/aibridge/aibridge/internal/infrastructure/logger"
)

const (
	appName    = "aibridge"
	appVersion = "0.1.0"
)

const (
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "AI Bridge — one API for Claude, OpenAI, Gemini and Ollama",
		RunE:  runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitStartupFailure)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitStartupFailure)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitStartupFailure)
	}
	defer log.Sync()

	log.Info("Starting AI Bridge",
		zap.String("version", appVersion),
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error("Server failed", zap.Error(err))
		app.Stop()
		os.Exit(exitRuntimeFailure)
	}

	log.Info("Shutdown signal received")
	app.Stop()
	return nil
}
