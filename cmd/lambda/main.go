// Package main is the AWS Lambda entry point. Each EventBridge schedule rule
// invokes it with {"cron": "<trigger>"} as the event detail.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/tminus/maintenance/internal/app"
	"github.com/tminus/maintenance/internal/config"
	"github.com/tminus/maintenance/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("MAINTENANCE_CONFIG"))
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}

	// Lambda ships stderr lines to CloudWatch; JSON keeps them queryable.
	logger, err := logging.New(cfg.Log.Level, logging.FormatJSON, os.Stderr)
	if err != nil {
		slog.Error("creating logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	application, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("initializing app", "err", err)
		os.Exit(1)
	}
	defer application.Close()

	lambda.Start(application.HandleScheduledEvent)
}
