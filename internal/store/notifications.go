package store

import (
	"context"
)

// InboundEventNotification is the idempotency record for webhook
// fan-out: one row per (job, session, worker, handler) delivery.
type InboundEventNotification struct {
	ID        string
	JobID     string
	SessionID string
	WorkerID  string
	HandlerID string
}

// RecordInboundEventNotification inserts the idempotency row. A repeat
// delivery for the same key surfaces as conflict, which callers treat
// as "already handled".
func (s *Store) RecordInboundEventNotification(ctx context.Context, n *InboundEventNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_event_notifications (id, job_id, session_id, worker_id, handler_id)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.JobID, n.SessionID, n.WorkerID, n.HandlerID)
	return wrapErr("record inbound event notification", err)
}
