package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/events"
)

func recvJSON(t *testing.T, sub *events.Subscriber) map[string]any {
	t.Helper()
	select {
	case data, ok := <-sub.Events():
		require.True(t, ok, "subscriber channel closed")
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		return doc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHub_PublishFlattensPayload(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.Publish(events.SessionCreated, map[string]any{"sessionId": "s1"})

	doc := recvJSON(t, sub)
	assert.Equal(t, "session-created", doc["type"])
	assert.Equal(t, "s1", doc["sessionId"])
}

func TestHub_FanOutAndOrder(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.SubscriberCount())

	h.Publish(events.WorkerCreated, map[string]any{"workerId": "w1"})
	h.Publish(events.WorkerExited, map[string]any{"workerId": "w1"})

	for _, sub := range []*events.Subscriber{a, b} {
		assert.Equal(t, "worker-created", recvJSON(t, sub)["type"])
		assert.Equal(t, "worker-exited", recvJSON(t, sub)["type"])
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	sub := h.Subscribe()

	// Overflow the send queue without draining it.
	for i := 0; i < 70; i++ {
		h.Publish(events.JobUpdated, map[string]any{"n": i})
	}
	assert.Equal(t, 0, h.SubscriberCount())

	// The channel still delivers the queued backlog, then closes.
	n := 0
	for range sub.Events() {
		n++
	}
	assert.Equal(t, 64, n)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	sub := h.Subscribe()
	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.SubscriberCount())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Double unsubscribe is harmless.
	h.Unsubscribe(sub)
}

func TestHub_PublishActivity(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	at := time.Now()
	h.PublishActivity("s1", "w1", "waiting", at)

	doc := recvJSON(t, sub)
	assert.Equal(t, "worker-activity-state", doc["type"])
	assert.Equal(t, "s1", doc["sessionId"])
	assert.Equal(t, "w1", doc["workerId"])
	assert.Equal(t, "waiting", doc["state"])
	assert.EqualValues(t, at.UnixMilli(), doc["timestamp"])
}

func TestHub_Sync(t *testing.T) {
	h := events.NewHub()
	defer h.Close()

	h.RegisterSnapshot(events.AgentsSync, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"agents": []string{"claude"}}, nil
	})

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	require.NoError(t, h.Sync(context.Background(), sub))

	doc := recvJSON(t, sub)
	assert.Equal(t, "agents-sync", doc["type"])
	assert.Equal(t, []any{"claude"}, doc["agents"])
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := events.NewHub()
	h.Close()

	sub := h.Subscribe()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing into a closed hub is a no-op.
	h.Publish(events.SessionDeleted, nil)
}
