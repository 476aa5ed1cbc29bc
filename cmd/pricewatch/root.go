package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maltedev/price-watch/internal/config"
)

// cli carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	root := &cobra.Command{
		Use:   "pricewatch",
		Short: "Watch marketplace searches for underpriced listings",
		Long: `pricewatch periodically runs saved marketplace searches, keeps per-condition
price statistics and raises an alert whenever a listing is priced well below
its peers.

Examples:
  # Run the monitor with its operator API
  pricewatch serve

  # Hand a fresh access token to a running deployment (redis credential store)
  pricewatch inject-token eyJhbGciOi...

  # Check that queries get through without touching the database
  pricewatch check-watch --query "barbour jacket"

  # Deliver alerts from the stream to a webhook
  ALERT_WEBHOOK_URL=https://hooks.example.com/alerts pricewatch consume-alerts`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&c.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "", "override LOG_FORMAT (json, text)")

	root.AddCommand(
		newServeCmd(c),
		newInjectTokenCmd(c),
		newAcquireTokenCmd(c),
		newCheckWatchCmd(c),
		newConsumeAlertsCmd(c),
	)
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(c.logLevel)
	}
	if c.logFormat != "" {
		cfg.Logging.Format = strings.ToLower(c.logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.cfg = cfg
	c.logger = newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(c.logger)
	return nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
