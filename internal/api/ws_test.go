package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/outputlog"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/testutil"
	"github.com/agentconsole/agentconsole/internal/workers"
)

// newWorkerSocketServer wires just enough of the server to open a
// worker socket against a git-diff worker, which has no process.
func newWorkerSocketServer(t *testing.T) (*httptest.Server, *events.Hub, *outputlog.Manager, *store.Session, *store.Worker) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	hub := events.NewHub()
	t.Cleanup(hub.Close)

	logs := outputlog.NewManager(t.TempDir(), outputlog.Options{})
	registry := workers.NewRegistry(st, logs, jobqueue.New(st, 1), hub, workers.Options{})
	t.Cleanup(registry.Shutdown)

	ctx := context.Background()
	sess := &store.Session{ID: "s1", Type: store.SessionQuick, LocationPath: t.TempDir()}
	require.NoError(t, st.CreateSession(ctx, sess))
	w, err := registry.CreateWorker(ctx, sess, workers.CreateRequest{
		Type: store.WorkerGitDiff,
		Name: "diff",
	}, nil)
	require.NoError(t, err)

	srv := &Server{
		cfg:        &config.Config{HandshakeTimeout: 5 * time.Second},
		store:      st,
		registry:   registry,
		hub:        hub,
		shutdownCh: make(chan struct{}),
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return ts, hub, logs, sess, w
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) workerOutMsg {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg workerOutMsg
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWorkerSocket_ExitDuringHandshakeIsDelivered(t *testing.T) {
	ts, hub, logs, sess, w := newWorkerSocketServer(t)

	logs.Append(sess.ID, w.ID, []byte("diff output\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/sessions/" + sess.ID + "/workers/" + w.ID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	// The exit lands after the server attaches but before the client
	// asks for history. The relay is already subscribed, so the frame
	// waits in its queue.
	testutil.RequireEventually(t, func() bool {
		return hub.SubscriberCount() == 1
	})
	hub.Publish(events.WorkerExited, map[string]any{
		"sessionId": sess.ID,
		"workerId":  w.ID,
		"exitCode":  1,
		"signal":    "SIGTERM",
	})

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"request-history"}`)))

	first := readFrame(t, ctx, conn)
	assert.Equal(t, "history", first.Type)
	assert.Equal(t, "diff output\n", first.Data)

	second := readFrame(t, ctx, conn)
	assert.Equal(t, "exit", second.Type)
	assert.Equal(t, 1, second.ExitCode)
	assert.Equal(t, "SIGTERM", second.Signal)
}

func TestWorkerSocket_UnknownWorkerRejected(t *testing.T) {
	ts, _, _, sess, _ := newWorkerSocketServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/sessions/" + sess.ID + "/workers/nope"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.CloseNow()
	}
}
