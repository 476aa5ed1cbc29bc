package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maltedev/price-watch/internal/events"
	"github.com/maltedev/price-watch/internal/retry"
)

func newConsumeAlertsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "consume-alerts",
		Short: "Read underprice alerts from the alert stream and deliver them",
		Long: `consume-alerts joins the alert stream's consumer group, logs every
underprice alert and, when ALERT_WEBHOOK_URL is set, POSTs it to that URL.
Alerts that could not be delivered stay pending and are retried on the next
start.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.consumeAlerts(ctx)
		},
	}
}

func (c *cli) consumeAlerts(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	consumer := events.NewConsumer(client, c.alertHandler(), events.ConsumerConfig{
		Stream:   cfg.Alerts.Stream,
		Group:    cfg.Alerts.Group,
		Consumer: cfg.Alerts.Consumer,
	}, logger)

	err := consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("consumer stopped")
		return nil
	}
	return err
}

func (c *cli) alertHandler() events.FanOut {
	handlers := events.FanOut{events.LogHandler{Logger: c.logger}}

	a := c.cfg.Alerts
	if a.WebhookURL != "" {
		policy := retry.WebhookPolicy(a.WebhookRetries, time.Second, 10*time.Second)
		policy.Logger = c.logger
		handlers = append(handlers, events.NewWebhookHandler(a.WebhookURL,
			&http.Client{Timeout: a.WebhookTimeout}, policy))
		c.logger.Info("delivering alerts to webhook", "url", a.WebhookURL)
	}
	return handlers
}
