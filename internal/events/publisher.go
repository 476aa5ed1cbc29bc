package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/models"
)

type EventType string

const (
	// EventTypeUnderpriceDetected is published once per watch and item
	// when a listing is flagged as underpriced.
	EventTypeUnderpriceDetected EventType = "UNDERPRICE_DETECTED"
)

// UnderpriceDetectedPayload is the JSON body relayed to consumers.
type UnderpriceDetectedPayload struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	models.AlertEvent
	PriceDifference float64 `json:"price_difference"`
	Source          string  `json:"source"`
}

// Store is the transactional persistence the publisher writes through.
// *database.DB implements it.
type Store interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
	InsertAlertWithTx(ctx context.Context, tx pgx.Tx, a *database.Alert) (bool, error)
}

type Outbox interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher records alerts and their outbox events in one transaction, so
// an event exists exactly when its alert row does.
type Publisher struct {
	store  Store
	outbox Outbox
	logger *slog.Logger
}

func NewPublisher(store Store, outbox Outbox, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		outbox: outbox,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishUnderprice stores the alert and queues an UNDERPRICE_DETECTED
// event. created is false when the watch already alerted on this item, in
// which case nothing is queued.
func (p *Publisher) PublishUnderprice(ctx context.Context, alert models.AlertEvent) (created bool, err error) {
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = time.Now()
	}
	payload := UnderpriceDetectedPayload{
		EventID:         uuid.New().String(),
		EventType:       string(EventTypeUnderpriceDetected),
		Timestamp:       alert.DetectedAt,
		AlertEvent:      alert,
		PriceDifference: alert.Mean - alert.Price,
		Source:          "scraper",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: "underprice_alert",
		AggregateID:   strconv.FormatInt(alert.WatchID, 10) + ":" + strconv.FormatInt(alert.ItemID, 10),
		EventType:     string(EventTypeUnderpriceDetected),
		Payload:       data,
		TargetStream:  database.AlertStream,
	}
	row := &database.Alert{
		WatchID:            alert.WatchID,
		ItemID:             alert.ItemID,
		PriceDifference:    payload.PriceDifference,
		StdDeviationsBelow: alert.ZScore,
		Reason:             alert.Reason,
		Highlighted:        alert.Highlighted,
	}

	err = p.store.Transaction(ctx, func(tx pgx.Tx) error {
		ok, err := p.store.InsertAlertWithTx(ctx, tx, row)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		created = true
		return p.outbox.InsertWithTx(ctx, tx, outboxEvent)
	})
	if err != nil {
		return false, fmt.Errorf("failed to publish event: %w", err)
	}

	if created {
		p.logger.Info("event published to outbox",
			"type", payload.EventType,
			"event_id", payload.EventID,
			"watch_id", alert.WatchID,
			"item_id", alert.ItemID,
			"outbox_id", outboxEvent.ID,
		)
	}
	return created, nil
}
