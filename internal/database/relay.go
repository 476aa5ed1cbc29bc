package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamWriter appends entries to Redis streams.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the part of OutboxRepository the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

type RelayMetrics interface {
	IncRelayed(result string)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxStreamLen trims target streams approximately; zero keeps everything.
	MaxStreamLen int64
	// MaxBatches bounds a single drain.
	MaxBatches int
	Metrics    RelayMetrics
}

// Relay moves committed outbox events to their Redis streams. A drain keeps
// fetching batches while they come back full, so a backlog left by a Redis
// outage clears in one pass instead of one batch per interval.
type Relay struct {
	streams StreamWriter
	outbox  OutboxRepo
	cfg     RelayConfig
	logger  *slog.Logger
}

func NewRelay(outbox OutboxRepo, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noRelayMetrics{}
	}
	return &Relay{
		streams: streams,
		outbox:  outbox,
		cfg:     cfg,
		logger:  logger.With("component", "outbox_relay"),
	}
}

// Run drains the outbox every poll interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay running",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.Drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error("outbox drain failed", "relayed", n, "error", err)
		case n > 0:
			r.logger.Debug("outbox drained", "relayed", n)
		}
		timer.Reset(r.cfg.PollInterval)
	}
}

// Drain relays due events and returns how many reached their stream.
// Delivery failures are recorded on the event and do not stop the drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	relayed := 0
	for range r.cfg.MaxBatches {
		batch, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return relayed, fmt.Errorf("failed to load pending events: %w", err)
		}
		for _, ev := range batch {
			if r.deliver(ctx, ev) {
				relayed++
			}
		}
		if len(batch) < r.cfg.BatchSize {
			break
		}
	}
	return relayed, nil
}

func (r *Relay) deliver(ctx context.Context, ev *OutboxEvent) bool {
	log := r.logger.With(
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"aggregate_id", ev.AggregateID)

	args, err := streamEntry(ev, r.cfg.MaxStreamLen)
	if err == nil {
		if err = r.streams.XAdd(ctx, args).Err(); err != nil {
			err = fmt.Errorf("failed to publish to redis: %w", err)
		}
	}
	if err != nil {
		r.cfg.Metrics.IncRelayed("failed")
		log.Warn("outbox event not relayed", "retry_count", ev.RetryCount, "error", err)
		if markErr := r.outbox.MarkFailed(ctx, ev.ID, err); markErr != nil {
			log.Error("failed to record delivery failure", "error", markErr)
		}
		return false
	}

	r.cfg.Metrics.IncRelayed("relayed")
	if err := r.outbox.MarkProcessed(ctx, ev.ID); err != nil {
		// Already on the stream; the next drain relays it a second time.
		log.Error("failed to mark event processed", "error", err)
	}
	log.Debug("outbox event relayed", "stream", ev.TargetStream)
	return true
}

// streamEnvelope is the JSON document stored in the "data" field of every
// relayed stream entry.
type streamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Source        string          `json:"source"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
}

func streamEntry(ev *OutboxEvent, maxLen int64) (*redis.XAddArgs, error) {
	if !json.Valid(ev.Payload) {
		return nil, errors.New("payload is not valid JSON")
	}
	data, err := json.Marshal(streamEnvelope{
		ID:            ev.ID.String(),
		Type:          ev.EventType,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		CreatedAt:     ev.CreatedAt.UTC(),
		Source:        "price-watch",
		Attempt:       ev.RetryCount + 1,
		Payload:       ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: ev.TargetStream,
		Values: map[string]any{
			"data":         string(data),
			"type":         ev.EventType,
			"event_type":   ev.EventType,
			"aggregate_id": ev.AggregateID,
			"outbox_id":    ev.ID.String(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args, nil
}

type noRelayMetrics struct{}

func (noRelayMetrics) IncRelayed(string) {}
