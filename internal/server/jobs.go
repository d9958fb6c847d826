package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/notify"
	"github.com/agentconsole/agentconsole/internal/outputlog"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/validate"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// Handler ids for inbound-event idempotency records. Each handler that
// fans an inbound webhook into a session has a stable id so redelivery
// of the same job is detected per target.
const (
	handlerSlackNotify = "slack-notify"
)

// registerJobHandlers binds the durable job types. Handlers are
// idempotent: the queue gives at-least-once delivery.
func registerJobHandlers(queue *jobqueue.Queue, st *store.Store, logs *outputlog.Manager, notifier *notify.Notifier, worktrees *worktree.Service) {
	queue.RegisterHandler(jobqueue.TypeSessionOutputsCleanup, func(ctx context.Context, payload string) error {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.SessionID == "" {
			return fmt.Errorf("payload has no session id")
		}
		logs.DeleteSession(p.SessionID)
		return nil
	})

	queue.RegisterHandler(jobqueue.TypeWorkerOutputCleanup, func(ctx context.Context, payload string) error {
		var p struct {
			SessionID string `json:"sessionId"`
			WorkerID  string `json:"workerId"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.SessionID == "" || p.WorkerID == "" {
			return fmt.Errorf("payload has no session/worker id")
		}
		logs.DeleteWorker(p.SessionID, p.WorkerID)
		return nil
	})

	queue.RegisterHandler(jobqueue.TypeRepositoryCleanup, func(ctx context.Context, payload string) error {
		var p struct {
			RepositoryID string   `json:"repositoryId"`
			Paths        []string `json:"paths"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		for _, path := range p.Paths {
			// Only paths inside the managed root are ever removed.
			if !validate.IsUnder(worktrees.Root(), path) {
				return fmt.Errorf("path %s is outside the managed root", path)
			}
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}
		return nil
	})

	queue.RegisterHandler(jobqueue.TypeInboundWebhook, func(ctx context.Context, payload string) error {
		return handleInboundWebhook(ctx, st, notifier, payload)
	})
}

// handleInboundWebhook fans a verified GitHub event into the sessions
// of the repositories it mentions. The idempotency table guards against
// redelivery: a conflict on the record means this (job, session,
// handler) was already notified.
func handleInboundWebhook(ctx context.Context, st *store.Store, notifier *notify.Notifier, payload string) error {
	var p struct {
		JobID    string `json:"jobId"`
		Event    string `json:"event"`
		Delivery string `json:"delivery"`
		Body     struct {
			Repository struct {
				FullName string `json:"full_name"`
				Name     string `json:"name"`
			} `json:"repository"`
			Action string `json:"action"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	jobID := p.JobID
	if jobID == "" {
		jobID = p.Delivery
	}
	if jobID == "" {
		jobID = id.New()
	}

	repos, err := st.ListRepositories(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if p.Body.Repository.Name != "" && repo.Name != p.Body.Repository.Name {
			continue
		}
		if repo.SlackChannel == nil || *repo.SlackChannel == "" {
			continue
		}
		sessions, err := st.ListSessionsByRepository(ctx, repo.ID)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			rec := &store.InboundEventNotification{
				ID:        id.New(),
				JobID:     jobID,
				SessionID: sess.ID,
				WorkerID:  "",
				HandlerID: handlerSlackNotify,
			}
			if err := st.RecordInboundEventNotification(ctx, rec); err != nil {
				if errdefs.IsConflict(err) {
					continue
				}
				return err
			}
			summary := fmt.Sprintf("GitHub %s on %s", p.Event, p.Body.Repository.FullName)
			if p.Body.Action != "" {
				summary += " (" + p.Body.Action + ")"
			}
			notifier.WebhookReceived(ctx, *repo.SlackChannel, summary)
			slog.Debug("inbound webhook delivered", "session_id", sess.ID, "event", p.Event)
		}
	}
	return nil
}
