// Package events is the process-wide pub/sub bus fanning typed domain
// events into connected WebSocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event type tags.
const (
	SessionCreated       = "session-created"
	SessionUpdated       = "session-updated"
	SessionDeleted       = "session-deleted"
	SessionPaused        = "session-paused"
	SessionResumed       = "session-resumed"
	WorkerCreated        = "worker-created"
	WorkerUpdated        = "worker-updated"
	WorkerExited         = "worker-exited"
	WorkerDeleted        = "worker-deleted"
	WorkerActivityState  = "worker-activity-state"
	RepositoryCreated    = "repository-created"
	RepositoryUpdated    = "repository-updated"
	RepositoryDeleted    = "repository-deleted"
	AgentCreated         = "agent-created"
	AgentUpdated         = "agent-updated"
	AgentDeleted         = "agent-deleted"
	WorktreeCreationDone = "worktree-creation-completed"
	WorktreeCreationFail = "worktree-creation-failed"
	WorktreeDelCreated   = "worktree-deletion-task-created"
	WorktreeDelProgress  = "worktree-deletion-task-progressing"
	WorktreeDelCompleted = "worktree-deletion-task-completed"
	WorktreeDelFailed    = "worktree-deletion-task-failed"
	JobUpdated           = "job-updated"

	SessionsSync     = "sessions-sync"
	AgentsSync       = "agents-sync"
	RepositoriesSync = "repositories-sync"
)

// sendQueueSize bounds each subscriber's outbound queue. An overflowing
// subscriber is closed; the client reconnects and re-syncs.
const sendQueueSize = 64

// Event is one typed message on the bus. Payload fields are flattened
// next to the type tag on the wire.
type Event struct {
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the payload beside the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		doc[k] = v
	}
	doc["type"] = e.Type
	return json.Marshal(doc)
}

// SnapshotFunc produces the payload of one late-join sync message.
type SnapshotFunc func(ctx context.Context) (map[string]any, error)

// Subscriber receives marshaled events over a channel owned by the hub.
// The channel is closed when the subscriber is removed, whether by
// Unsubscribe or by queue overflow.
type Subscriber struct {
	ch chan []byte
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// Hub fans events out to all subscribers. Publish order is preserved
// per subscriber because each publish appends to every queue under one
// lock.
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	snapshots map[string]SnapshotFunc
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[*Subscriber]struct{}),
		snapshots: make(map[string]SnapshotFunc),
	}
}

// RegisterSnapshot binds a late-join snapshot provider to a sync
// message type (sessions-sync, agents-sync, repositories-sync).
func (h *Hub) RegisterSnapshot(syncType string, fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots[syncType] = fn
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish broadcasts an event to every subscriber. A subscriber whose
// queue is full is dropped and closed.
func (h *Hub) Publish(eventType string, payload map[string]any) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		slog.Error("marshal event failed", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			slog.Warn("slow event subscriber dropped", "type", eventType)
		}
	}
}

// PublishActivity is the transition event from the activity detectors.
func (h *Hub) PublishActivity(sessionID, workerID, state string, at time.Time) {
	h.Publish(WorkerActivityState, map[string]any{
		"sessionId": sessionID,
		"workerId":  workerID,
		"state":     state,
		"timestamp": at.UnixMilli(),
	})
}

// Sync sends the late-join snapshot messages to one subscriber. The
// three sync messages are authoritative; everything after them is
// incremental.
func (h *Hub) Sync(ctx context.Context, sub *Subscriber) error {
	h.mu.Lock()
	providers := make(map[string]SnapshotFunc, len(h.snapshots))
	for t, fn := range h.snapshots {
		providers[t] = fn
	}
	h.mu.Unlock()

	for syncType, fn := range providers {
		payload, err := fn(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(Event{Type: syncType, Payload: payload})
		if err != nil {
			return err
		}
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			select {
			case sub.ch <- data:
			default:
				delete(h.subs, sub)
				close(sub.ch)
			}
		}
		h.mu.Unlock()
	}
	return nil
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
