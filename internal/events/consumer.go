package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/ratelimit"
	"github.com/maltedev/price-watch/internal/retry"
)

// StreamClient is the subset of *redis.Client the consumer reads through.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// AlertHandler delivers one alert. Returning an error leaves the stream
// entry pending; pending entries are replayed when the consumer starts.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert UnderpriceDetectedPayload) error
}

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// Consumer reads UNDERPRICE_DETECTED events from the alert stream as part
// of a consumer group and hands them to a handler.
type Consumer struct {
	client  StreamClient
	handler AlertHandler
	cfg     ConsumerConfig
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewConsumer(client StreamClient, handler AlertHandler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = "stream:price_alerts"
	}
	if cfg.Group == "" {
		cfg.Group = "alert-consumer-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	return &Consumer{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "alert_consumer", "stream", cfg.Stream, "group", cfg.Group),
		sleep:   ratelimit.Sleep,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "consumer", c.cfg.Consumer)

	// Entries delivered to this consumer earlier but never acknowledged.
	if n, err := c.poll(ctx, "0"); err != nil {
		c.logger.Warn("failed to replay pending entries", "error", err)
	} else if n > 0 {
		c.logger.Info("replayed pending entries", "acknowledged", n)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.poll(ctx, ">"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			if err := c.sleep(ctx, time.Second); err != nil {
				return err
			}
		}
	}
}

// poll reads one batch starting at id and returns how many entries were
// acknowledged. ">" asks for new entries, "0" for this consumer's pending ones.
func (c *Consumer) poll(ctx context.Context, id string) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if !c.process(ctx, msg) {
				continue
			}
			if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				continue
			}
			acked++
		}
	}
	return acked, nil
}

// process reports whether the entry is done with and may be acknowledged.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) bool {
	if t, _ := msg.Values["event_type"].(string); t != string(EventTypeUnderpriceDetected) {
		return true
	}

	alert, err := DecodeAlert(msg)
	if err != nil {
		// Undecodable entries would stay pending forever.
		c.logger.Warn("dropping malformed alert", "id", msg.ID, "error", err)
		return true
	}

	if err := c.handler.HandleAlert(ctx, alert); err != nil {
		c.logger.Error("failed to handle alert",
			"id", msg.ID,
			"watch_id", alert.WatchID,
			"item_id", alert.ItemID,
			"error", err)
		return false
	}
	return true
}

// DecodeAlert extracts the alert payload from a relayed stream entry.
func DecodeAlert(msg redis.XMessage) (UnderpriceDetectedPayload, error) {
	var alert UnderpriceDetectedPayload

	raw, ok := msg.Values["data"].(string)
	if !ok {
		return alert, errors.New("missing data field")
	}
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return alert, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return alert, errors.New("missing payload")
	}
	if err := json.Unmarshal(envelope.Payload, &alert); err != nil {
		return alert, fmt.Errorf("failed to parse payload: %w", err)
	}
	if alert.WatchID == 0 || alert.ItemID == 0 {
		return alert, errors.New("payload without watch or item id")
	}
	return alert, nil
}

// LogHandler writes every alert to the log.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) HandleAlert(_ context.Context, a UnderpriceDetectedPayload) error {
	h.Logger.Info("underpriced item",
		"watch", a.WatchName,
		"item_id", a.ItemID,
		"title", a.Title,
		"price", a.Price,
		"currency", a.Currency,
		"mean", a.Mean,
		"z_score", a.ZScore,
		"reason", a.Reason,
		"highlighted", a.Highlighted,
		"url", a.URL)
	return nil
}

// WebhookHandler POSTs every alert as JSON to a URL.
type WebhookHandler struct {
	url    string
	client *http.Client
	policy *retry.Policy
}

func NewWebhookHandler(url string, client *http.Client, policy *retry.Policy) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy == nil {
		policy = retry.WebhookPolicy(2, time.Second, 10*time.Second)
	}
	return &WebhookHandler{url: url, client: client, policy: policy}
}

func (h *WebhookHandler) HandleAlert(ctx context.Context, a UnderpriceDetectedPayload) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	return h.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return errclass.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return errclass.New(errclass.KindRetryable, fmt.Errorf("webhook request failed: %w", err))
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errclass.New(errclass.KindRetryable, fmt.Errorf("webhook returned status %d", resp.StatusCode))
		default:
			return errclass.NonRetryable(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
	})
}

// FanOut delivers each alert to every handler and fails if any of them does.
type FanOut []AlertHandler

func (f FanOut) HandleAlert(ctx context.Context, a UnderpriceDetectedPayload) error {
	var errs []error
	for _, h := range f {
		if err := h.HandleAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
