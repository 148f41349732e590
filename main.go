package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/cmd/migrate"
	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "chat-service",
		Usage: "Conversational chat backend with websocket delivery and semantic memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Sources: cli.EnvVars("CHAT_SERVICE_LOG_LEVEL"),
				Usage:   "Minimum log level (debug|info|warn|error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Sources: cli.EnvVars("CHAT_SERVICE_LOG_FORMAT"),
				Usage:   "Log output format (text|json|logfmt)",
				Value:   "text",
			},
		},
		Before: configureLogging,
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func configureLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level, err := log.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return ctx, err
	}
	log.SetLevel(level)

	switch format := cmd.String("log-format"); format {
	case "text":
		log.SetFormatter(log.TextFormatter)
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	default:
		return ctx, fmt.Errorf("unknown log format %q", format)
	}
	log.SetReportTimestamp(true)
	return ctx, nil
}
