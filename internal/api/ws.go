package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/metrics"
)

// WebSocket close codes.
const (
	wsCloseInvalidMessage = 4002
	wsCloseOverflow       = 4008
)

// handleAppSocket serves the app-wide event stream. The client sends
// {type:"request-sync"} to receive the late-join snapshot; everything
// after is incremental.
func (s *Server) handleAppSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdownCh:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws/app: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// Reader: request-sync is the only inbound message.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "request-sync" {
				if err := s.hub.Sync(ctx, sub); err != nil {
					slog.Warn("ws/app: sync failed", "error", err)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.shutdownCh:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data, ok := <-sub.Events():
			if !ok {
				// Dropped by the hub for overflow.
				_ = conn.Close(websocket.StatusCode(wsCloseOverflow), "event queue overflow")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
			metrics.WSMessagesTotal.Inc()
		}
	}
}

// workerOutMsg is a server frame on the worker socket.
type workerOutMsg struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleWorkerSocket streams a worker's PTY bytes and accepts input,
// resize, image, and request-history messages.
//
// History handshake: the listener is attached immediately and live
// bytes are buffered until the client's request-history arrives; the
// history response carries bytes up to the attach offset, then the
// buffered live bytes follow, so the stream is contiguous.
func (s *Server) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, workerID := r.PathValue("id"), r.PathValue("wid")

	if _, err := s.store.GetWorker(r.Context(), sessionID, workerID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws/worker: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Live output is funneled through a channel so the WS writer is a
	// single goroutine.
	outCh := make(chan []byte, 256)
	_, attachOffset, detach, err := s.registry.AttachListener(sessionID, workerID, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case outCh <- buf:
		default:
			// Slow consumer: drop the connection, the client
			// reconnects and replays from its offset.
			cancel()
		}
	})
	if err != nil {
		_ = conn.Close(websocket.StatusCode(wsCloseInvalidMessage), err.Error())
		return
	}
	defer detach()

	send := func(msg workerOutMsg) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
		metrics.WSMessagesTotal.Inc()
		return nil
	}

	// Inbound messages.
	type inMsg struct {
		Type       string `json:"type"`
		Data       string `json:"data"`
		MimeType   string `json:"mimeType"`
		Cols       uint16 `json:"cols"`
		Rows       uint16 `json:"rows"`
		FromOffset *int64 `json:"fromOffset"`
	}
	historyCh := make(chan inMsg, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg inMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := s.registry.WriteInput(sessionID, workerID, []byte(msg.Data)); err != nil {
					slog.Debug("ws/worker: input failed", "worker_id", workerID, "error", err)
				}
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					_ = s.registry.Resize(sessionID, workerID, msg.Cols, msg.Rows)
				}
			case "image":
				s.forwardImage(sessionID, workerID, msg.Data, msg.MimeType)
			case "request-history":
				select {
				case historyCh <- msg:
				default:
				}
			}
		}
	}()

	// The exit relay is subscribed before the handshake: a worker that
	// dies while the client is still negotiating history keeps its exit
	// frame queued instead of losing it.
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// History handshake with timeout. Live bytes arriving meanwhile sit
	// in outCh and drain after the history frame.
	offset := attachOffset
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.HandshakeTimeout):
		_ = send(workerOutMsg{
			Type:    "error",
			Code:    "ACTIVATION_FAILED",
			Message: "History request timed out",
		})
		return
	case msg := <-historyCh:
		from := int64(0)
		if msg.FromOffset != nil && *msg.FromOffset > 0 {
			from = *msg.FromOffset
		}
		if from > attachOffset {
			from = attachOffset
		}
		history, _ := s.registry.ReadHistory(sessionID, workerID, from)
		hist := history
		if int64(len(hist)) > attachOffset-from {
			// Bytes past the attach offset flow through the listener.
			hist = hist[:attachOffset-from]
		}
		if err := send(workerOutMsg{Type: "history", Data: string(hist)}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.shutdownCh:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-outCh:
			offset += int64(len(data))
			if err := send(workerOutMsg{Type: "output", Data: string(data), Offset: offset}); err != nil {
				return
			}
		case raw, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusCode(wsCloseOverflow), "event queue overflow")
				return
			}
			var ev struct {
				Type      string `json:"type"`
				SessionID string `json:"sessionId"`
				WorkerID  string `json:"workerId"`
				ExitCode  int    `json:"exitCode"`
				Signal    string `json:"signal"`
			}
			if json.Unmarshal(raw, &ev) != nil {
				continue
			}
			if ev.Type != events.WorkerExited || ev.SessionID != sessionID || ev.WorkerID != workerID {
				continue
			}
			if err := send(workerOutMsg{Type: "exit", ExitCode: ev.ExitCode, Signal: ev.Signal}); err != nil {
				return
			}
		}
	}
}

// forwardImage decodes a base64 image into the uploads dir and forwards
// the path as PTY input.
func (s *Server) forwardImage(sessionID, workerID, data, mimeType string) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		slog.Debug("ws/worker: bad image payload", "worker_id", workerID, "error", err)
		return
	}
	ext := ".png"
	if idx := strings.Index(mimeType, "/"); idx >= 0 && idx+1 < len(mimeType) {
		ext = "." + mimeType[idx+1:]
	}
	path, err := s.saveUpload(bytes.NewReader(raw), ext)
	if err != nil {
		slog.Warn("ws/worker: save image failed", "worker_id", workerID, "error", err)
		return
	}
	if err := s.registry.WriteInput(sessionID, workerID, []byte(path+" ")); err != nil {
		slog.Debug("ws/worker: forward image failed", "worker_id", workerID, "error", err)
	}
}
