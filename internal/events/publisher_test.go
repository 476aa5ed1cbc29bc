package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/models"
)

type MockStore struct {
	mock.Mock
	rolledBack bool
}

func (m *MockStore) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		m.rolledBack = true
		return err
	}
	return nil
}

func (m *MockStore) InsertAlertWithTx(ctx context.Context, tx pgx.Tx, a *database.Alert) (bool, error) {
	args := m.Called(ctx, a)
	return args.Bool(0), args.Error(1)
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	return m.Called(ctx, event).Error(0)
}

func testAlert() models.AlertEvent {
	return models.AlertEvent{
		WatchID:   3,
		WatchName: "Levi's 501",
		ItemID:    4001,
		Title:     "Levi's 501 W32",
		Price:     12,
		Currency:  "EUR",
		Mean:      40,
		StdDev:    10,
		ZScore:    2.8,
		Reason:    "std_dev",
	}
}

func newPublisher(store Store, outbox Outbox) *Publisher {
	return NewPublisher(store, outbox, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishUnderprice(t *testing.T) {
	ctx := context.Background()

	t.Run("new alert queues event", func(t *testing.T) {
		store := new(MockStore)
		outbox := new(MockOutbox)
		store.On("InsertAlertWithTx", ctx, mock.MatchedBy(func(a *database.Alert) bool {
			return a.WatchID == 3 && a.ItemID == 4001 && a.PriceDifference == 28 && a.StdDeviationsBelow == 2.8
		})).Return(true, nil)

		var captured *database.OutboxEvent
		outbox.On("InsertWithTx", ctx, mock.Anything).Run(func(args mock.Arguments) {
			captured = args.Get(1).(*database.OutboxEvent)
		}).Return(nil)

		created, err := newPublisher(store, outbox).PublishUnderprice(ctx, testAlert())
		require.NoError(t, err)
		assert.True(t, created)

		require.NotNil(t, captured)
		assert.Equal(t, "UNDERPRICE_DETECTED", captured.EventType)
		assert.Equal(t, "3:4001", captured.AggregateID)
		assert.Equal(t, database.AlertStream, captured.TargetStream)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(captured.Payload, &payload))
		assert.Equal(t, "UNDERPRICE_DETECTED", payload["event_type"])
		assert.Equal(t, float64(4001), payload["item_id"])
		assert.Equal(t, "Levi's 501", payload["watch_name"])
		assert.Equal(t, float64(28), payload["price_difference"])
		assert.NotEmpty(t, payload["event_id"])
	})

	t.Run("duplicate alert queues nothing", func(t *testing.T) {
		store := new(MockStore)
		outbox := new(MockOutbox)
		store.On("InsertAlertWithTx", ctx, mock.Anything).Return(false, nil)

		created, err := newPublisher(store, outbox).PublishUnderprice(ctx, testAlert())
		require.NoError(t, err)
		assert.False(t, created)
		outbox.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything)
	})

	t.Run("outbox failure rolls back", func(t *testing.T) {
		store := new(MockStore)
		outbox := new(MockOutbox)
		store.On("InsertAlertWithTx", ctx, mock.Anything).Return(true, nil)
		outbox.On("InsertWithTx", ctx, mock.Anything).Return(errors.New("insert failed"))

		created, err := newPublisher(store, outbox).PublishUnderprice(ctx, testAlert())
		require.Error(t, err)
		assert.False(t, created)
		assert.True(t, store.rolledBack)
	})
}
