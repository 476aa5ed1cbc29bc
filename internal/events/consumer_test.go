package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/retry"
)

type fakeStream struct {
	mu       sync.Mutex
	pending  []redis.XMessage
	batches  [][]redis.XMessage
	acked    []string
	groupErr error
	// done is called once every batch has been served.
	done func()
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var msgs []redis.XMessage
	switch {
	case a.Streams[1] == "0":
		msgs, f.pending = f.pending, nil
	case len(f.batches) > 0:
		msgs, f.batches = f.batches[0], f.batches[1:]
	default:
		if f.done != nil {
			f.done()
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStream) XAck(ctx context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

type recordingHandler struct {
	alerts []UnderpriceDetectedPayload
	err    error
}

func (h *recordingHandler) HandleAlert(_ context.Context, a UnderpriceDetectedPayload) error {
	h.alerts = append(h.alerts, a)
	return h.err
}

// relayed builds a stream entry the way the outbox relay writes it.
func relayed(t *testing.T, id string, itemID int64) redis.XMessage {
	t.Helper()
	alert := testAlert()
	alert.ItemID = itemID
	payload := UnderpriceDetectedPayload{
		EventID:         "evt-" + id,
		EventType:       string(EventTypeUnderpriceDetected),
		AlertEvent:      alert,
		PriceDifference: alert.Mean - alert.Price,
		Source:          "scraper",
	}
	data, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    string(EventTypeUnderpriceDetected),
		"payload": payload,
	})
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]any{
		"data":       string(data),
		"event_type": string(EventTypeUnderpriceDetected),
	}}
}

func runConsumer(t *testing.T, stream *fakeStream, handler AlertHandler) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream.done = cancel

	c := NewConsumer(stream, handler, ConsumerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c.Run(ctx)
}

func TestConsumerHandlesAndAcknowledges(t *testing.T) {
	stream := &fakeStream{batches: [][]redis.XMessage{
		{relayed(t, "1-0", 100), relayed(t, "2-0", 101)},
		{
			{ID: "3-0", Values: map[string]any{"event_type": "SOMETHING_ELSE"}},
			{ID: "4-0", Values: map[string]any{"event_type": string(EventTypeUnderpriceDetected), "data": "{not json"}},
		},
	}}
	handler := &recordingHandler{}

	err := runConsumer(t, stream, handler)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, handler.alerts, 2)
	assert.Equal(t, int64(100), handler.alerts[0].ItemID)
	assert.Equal(t, int64(3), handler.alerts[0].WatchID)
	assert.InDelta(t, 28.0, handler.alerts[0].PriceDifference, 1e-9)
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0"}, stream.acked)
}

func TestConsumerLeavesFailedAlertsPending(t *testing.T) {
	stream := &fakeStream{batches: [][]redis.XMessage{{relayed(t, "1-0", 100)}}}
	handler := &recordingHandler{err: errors.New("webhook down")}

	_ = runConsumer(t, stream, handler)
	assert.Len(t, handler.alerts, 1)
	assert.Empty(t, stream.acked)
}

func TestConsumerReplaysPendingFirst(t *testing.T) {
	stream := &fakeStream{
		pending: []redis.XMessage{relayed(t, "1-0", 100)},
		batches: [][]redis.XMessage{{relayed(t, "2-0", 101)}},
	}
	handler := &recordingHandler{}

	_ = runConsumer(t, stream, handler)
	require.Len(t, handler.alerts, 2)
	assert.Equal(t, int64(100), handler.alerts[0].ItemID)
	assert.Equal(t, []string{"1-0", "2-0"}, stream.acked)
}

func TestConsumerGroupCreation(t *testing.T) {
	stream := &fakeStream{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	assert.ErrorIs(t, runConsumer(t, stream, &recordingHandler{}), context.Canceled)

	stream = &fakeStream{groupErr: errors.New("NOPERM no permissions")}
	err := runConsumer(t, stream, &recordingHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create consumer group")
}

func TestDecodeAlertRejectsIncompletePayload(t *testing.T) {
	_, err := DecodeAlert(redis.XMessage{Values: map[string]any{}})
	assert.Error(t, err)

	_, err = DecodeAlert(redis.XMessage{Values: map[string]any{"data": `{"payload": {"title": "x"}}`}})
	assert.Error(t, err)
}

func newTestWebhook(t *testing.T) *WebhookHandler {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	policy := retry.WebhookPolicy(2, time.Millisecond, time.Millisecond)
	policy.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewWebhookHandler("https://hooks.example.com/alerts", client, policy)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	h := newTestWebhook(t)

	calls := 0
	var got UnderpriceDetectedPayload
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.example.com/alerts",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(502, "bad gateway"), nil
			}
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(204, ""), nil
		})

	require.NoError(t, h.HandleAlert(context.Background(), UnderpriceDetectedPayload{AlertEvent: testAlert()}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(4001), got.ItemID)
	assert.Equal(t, "Levi's 501", got.WatchName)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	h := newTestWebhook(t)
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.example.com/alerts",
		httpmock.NewStringResponder(400, "bad request"))

	err := h.HandleAlert(context.Background(), UnderpriceDetectedPayload{AlertEvent: testAlert()})
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestFanOutJoinsErrors(t *testing.T) {
	ok := &recordingHandler{}
	failing := &recordingHandler{err: errors.New("boom")}

	err := FanOut{ok, failing}.HandleAlert(context.Background(), UnderpriceDetectedPayload{})
	require.Error(t, err)
	assert.Len(t, ok.alerts, 1)
	assert.Len(t, failing.alerts, 1)
}
