// Package session owns session lifecycle: creation, pause/resume,
// deletion, metadata updates, and startup recovery.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"syscall"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/gitutil"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/ptyproc"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/validate"
	"github.com/agentconsole/agentconsole/internal/workers"
)

// Manager coordinates sessions across the store, the worker registry,
// the job queue, and the event hub.
type Manager struct {
	store    *store.Store
	registry *workers.Registry
	queue    *jobqueue.Queue
	hub      *events.Hub
	selfPID  int
}

// NewManager creates a Manager.
func NewManager(st *store.Store, reg *workers.Registry, queue *jobqueue.Queue, hub *events.Hub) *Manager {
	return &Manager{
		store:    st,
		registry: reg,
		queue:    queue,
		hub:      hub,
		selfPID:  os.Getpid(),
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Type          store.SessionType
	RepositoryID  string
	WorktreeID    string
	LocationPath  string
	Title         string
	InitialPrompt string
}

// CreateSession validates the location and persists the session row.
// Workers are created separately.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*store.Session, error) {
	var path string
	if req.Type == store.SessionWorktree {
		if req.RepositoryID == "" || req.WorktreeID == "" {
			return nil, errdefs.Validation("worktree sessions require repository and worktree ids")
		}
		wt, err := m.store.GetWorktree(ctx, req.WorktreeID)
		if err != nil {
			return nil, err
		}
		if wt.RepositoryID != req.RepositoryID {
			return nil, errdefs.Validation("worktree %s does not belong to repository %s",
				req.WorktreeID, req.RepositoryID)
		}
		// A worktree session is pinned to its worktree's directory; any
		// other location is refused.
		if req.LocationPath != "" && req.LocationPath != wt.Path {
			return nil, errdefs.Validation("location path %q does not match worktree path %q",
				req.LocationPath, wt.Path)
		}
		path = wt.Path
	} else {
		home, _ := os.UserHomeDir()
		path = validate.SanitizePath(req.LocationPath, home)
		if path == "" {
			return nil, errdefs.Validation("invalid location path %q", req.LocationPath)
		}
	}
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return nil, errdefs.Validation("location path %q is not a directory", path)
	}

	sess := &store.Session{
		ID:           id.New(),
		Type:         req.Type,
		LocationPath: path,
	}
	if req.RepositoryID != "" {
		sess.RepositoryID = &req.RepositoryID
	}
	if req.WorktreeID != "" {
		sess.WorktreeID = &req.WorktreeID
	}
	if req.Title != "" {
		sess.Title = &req.Title
	}
	if req.InitialPrompt != "" {
		sess.InitialPrompt = &req.InitialPrompt
	}
	pid := m.selfPID
	sess.ServerPID = &pid

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Inc()

	m.hub.Publish(events.SessionCreated, map[string]any{"session": sess})
	return sess, nil
}

// CreateWorker adds a worker to an existing session.
func (m *Manager) CreateWorker(ctx context.Context, sessionID string, req workers.CreateRequest) (*store.Worker, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	repoEnv, err := m.repoEnv(ctx, sess)
	if err != nil {
		return nil, err
	}
	return m.registry.CreateWorker(ctx, sess, req, repoEnv)
}

// repoEnv resolves the session repository's configured env overrides.
func (m *Manager) repoEnv(ctx context.Context, sess *store.Session) (map[string]string, error) {
	if sess.RepositoryID == nil {
		return nil, nil
	}
	repo, err := m.store.GetRepository(ctx, *sess.RepositoryID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if repo.EnvVars == nil {
		return nil, nil
	}
	env, err := ptyproc.ParseEnvText(*repo.EnvVars)
	if err != nil {
		slog.Warn("repository env vars do not parse, ignoring",
			"repository_id", repo.ID, "error", err)
		return nil, nil
	}
	return env, nil
}

// DeleteSession kills all live workers synchronously, removes rows,
// and enqueues the outputs cleanup job.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	m.registry.KillSessionWorkers(sessionID)
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()

	payload, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	if _, err := m.queue.Enqueue(ctx, jobqueue.TypeSessionOutputsCleanup, string(payload), jobqueue.EnqueueOptions{}); err != nil {
		slog.Warn("enqueue session cleanup failed", "session_id", sessionID, "error", err)
	}

	m.hub.Publish(events.SessionDeleted, map[string]any{"sessionId": sessionID})
	return nil
}

// PauseSession stops live workers but keeps all persisted state. Quick
// sessions have nothing durable to come back to, so pausing them is
// rejected.
func (m *Manager) PauseSession(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Type != store.SessionWorktree {
		return errdefs.Validation("only worktree sessions can be paused")
	}

	m.registry.KillSessionWorkers(sessionID)
	if err := m.store.UpdateSessionServerPID(ctx, sessionID, nil); err != nil {
		return err
	}

	m.hub.Publish(events.SessionPaused, map[string]any{"sessionId": sessionID})
	return nil
}

// ResumeSession re-creates live workers from their rows. Agents resume
// with their continue template when one exists.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ws, err := m.store.ListWorkersBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	repoEnv, err := m.repoEnv(ctx, sess)
	if err != nil {
		return err
	}

	for _, w := range ws {
		if m.registry.IsLive(sessionID, w.ID) {
			continue
		}
		if err := m.registry.Resume(ctx, sess, w, repoEnv); err != nil {
			slog.Warn("resume worker failed", "session_id", sessionID,
				"worker_id", w.ID, "error", err)
		}
	}

	pid := m.selfPID
	if err := m.store.UpdateSessionServerPID(ctx, sessionID, &pid); err != nil {
		return err
	}

	m.hub.Publish(events.SessionResumed, map[string]any{"sessionId": sessionID})
	return nil
}

// MetadataUpdate carries the mutable session fields.
type MetadataUpdate struct {
	Title  *string
	Branch *string
}

// UpdateSessionMetadata updates the title, and on a branch change of a
// worktree session renames the git branch and restarts the agent so the
// process sees the new branch name.
func (m *Manager) UpdateSessionMetadata(ctx context.Context, sessionID string, upd MetadataUpdate) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		if err := m.store.UpdateSessionTitle(ctx, sessionID, upd.Title); err != nil {
			return nil, err
		}
		sess.Title = upd.Title
	}

	if upd.Branch != nil && *upd.Branch != "" {
		if sess.Type != store.SessionWorktree || sess.WorktreeID == nil {
			return nil, errdefs.Validation("branch can only be changed on worktree sessions")
		}
		if err := validate.BranchName(*upd.Branch); err != nil {
			return nil, errdefs.Validation("invalid branch name: %v", err)
		}
		wt, err := m.store.GetWorktree(ctx, *sess.WorktreeID)
		if err != nil {
			return nil, err
		}
		if wt.Branch != *upd.Branch {
			if err := gitutil.RenameBranch(ctx, wt.Path, wt.Branch, *upd.Branch); err != nil {
				return nil, errdefs.Validation("rename branch: %v", err)
			}
			if err := m.store.UpdateWorktreeBranch(ctx, wt.ID, *upd.Branch); err != nil {
				return nil, err
			}
			m.restartAgentWorkers(ctx, sess)
		}
	}

	m.hub.Publish(events.SessionUpdated, map[string]any{"session": sess})
	return sess, nil
}

// restartAgentWorkers restarts every live agent worker of the session.
func (m *Manager) restartAgentWorkers(ctx context.Context, sess *store.Session) {
	ws, err := m.store.ListWorkersBySession(ctx, sess.ID)
	if err != nil {
		slog.Warn("list workers for restart failed", "session_id", sess.ID, "error", err)
		return
	}
	repoEnv, _ := m.repoEnv(ctx, sess)
	for _, w := range ws {
		if w.Type != store.WorkerAgent || !m.registry.IsLive(sess.ID, w.ID) {
			continue
		}
		if err := m.registry.RestartAgent(ctx, sess, w.ID, true, repoEnv); err != nil {
			slog.Warn("restart agent worker failed", "session_id", sess.ID,
				"worker_id", w.ID, "error", err)
		}
	}
}

// RestartAgentWorker restarts one agent worker.
func (m *Manager) RestartAgentWorker(ctx context.Context, sessionID, workerID string, continueConversation bool) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	repoEnv, err := m.repoEnv(ctx, sess)
	if err != nil {
		return err
	}
	return m.registry.RestartAgent(ctx, sess, workerID, continueConversation, repoEnv)
}

// DeleteWorker removes one worker from a session.
func (m *Manager) DeleteWorker(ctx context.Context, sessionID, workerID string) error {
	return m.registry.DeleteWorker(ctx, sessionID, workerID)
}

// SessionView is a session with its workers, the shape the API and the
// late-join sync return.
type SessionView struct {
	*store.Session
	Workers []*store.Worker `json:"workers"`
}

// GetSession returns one session with workers.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.ListWorkersBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: sess, Workers: ws}, nil
}

// Messages is the transcript view of a session: the tail of its agent
// worker's logged output.
type Messages struct {
	WorkerID string `json:"workerId"`
	Data     string `json:"data"`
	Offset   int64  `json:"offset"`
}

// GetMessages returns the last n lines the session's agent worker
// produced, with the current output offset for incremental follow-up.
func (m *Manager) GetMessages(ctx context.Context, sessionID string, lines int) (*Messages, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ws, err := m.store.ListWorkersBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var agent *store.Worker
	for _, w := range ws {
		if w.Type == store.WorkerAgent {
			agent = w
			break
		}
	}
	if agent == nil {
		return nil, errdefs.Validation("session %s has no agent worker", sessionID)
	}

	data, offset := m.registry.ReadTail(sessionID, agent.ID, lines)
	return &Messages{WorkerID: agent.ID, Data: string(data), Offset: offset}, nil
}

// GetAllSessions returns every session with workers.
func (m *Manager) GetAllSessions(ctx context.Context) ([]*SessionView, error) {
	return m.viewsOf(ctx, func() ([]*store.Session, error) {
		return m.store.ListSessions(ctx)
	})
}

// GetSessionsUsingAgent returns sessions with at least one worker on
// the agent.
func (m *Manager) GetSessionsUsingAgent(ctx context.Context, agentID string) ([]*SessionView, error) {
	return m.viewsOf(ctx, func() ([]*store.Session, error) {
		return m.store.ListSessionsUsingAgent(ctx, agentID)
	})
}

// GetSessionsUsingRepository returns the repository's sessions.
func (m *Manager) GetSessionsUsingRepository(ctx context.Context, repoID string) ([]*SessionView, error) {
	return m.viewsOf(ctx, func() ([]*store.Session, error) {
		return m.store.ListSessionsByRepository(ctx, repoID)
	})
}

func (m *Manager) viewsOf(ctx context.Context, list func() ([]*store.Session, error)) ([]*SessionView, error) {
	sessions, err := list()
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(sessions))
	for _, sess := range sessions {
		ws, err := m.store.ListWorkersBySession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, &SessionView{Session: sess, Workers: ws})
	}
	return views, nil
}

// ValidateAllSessions returns the sessions whose location no longer
// exists on disk.
func (m *Manager) ValidateAllSessions(ctx context.Context) ([]*store.Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var invalid []*store.Session
	for _, sess := range sessions {
		if fi, err := os.Stat(sess.LocationPath); err != nil || !fi.IsDir() {
			invalid = append(invalid, sess)
		}
	}
	return invalid, nil
}

// ForceDeleteSession removes persistence without touching processes,
// for sessions whose workers belong to a dead server instance.
func (m *Manager) ForceDeleteSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	if _, err := m.queue.Enqueue(ctx, jobqueue.TypeSessionOutputsCleanup, string(payload), jobqueue.EnqueueOptions{}); err != nil {
		slog.Warn("enqueue session cleanup failed", "session_id", sessionID, "error", err)
	}
	m.hub.Publish(events.SessionDeleted, map[string]any{"sessionId": sessionID})
	return nil
}

// RecoverStartup adopts sessions left behind by a previous run: any
// session owned by this pid or unowned, whose location still exists,
// gets its git-diff workers re-created. PTY workers stay inactive until
// a client resumes the session.
func (m *Manager) RecoverStartup(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	adopted := 0
	for _, sess := range sessions {
		if sess.ServerPID != nil && *sess.ServerPID != m.selfPID {
			// Another instance may still own it; leave it alone.
			if pidAlive(*sess.ServerPID) {
				continue
			}
		}
		if fi, err := os.Stat(sess.LocationPath); err != nil || !fi.IsDir() {
			continue
		}
		ws, err := m.store.ListWorkersBySession(ctx, sess.ID)
		if err != nil {
			slog.Warn("list workers during recovery failed", "session_id", sess.ID, "error", err)
			continue
		}
		for _, w := range ws {
			if w.Type == store.WorkerGitDiff {
				m.registry.AdoptGitDiff(sess, w)
			} else if w.PID != nil {
				// The old process is gone with its server.
				_ = m.store.UpdateWorkerPID(ctx, w.ID, nil)
			}
		}
		_ = m.store.UpdateSessionServerPID(ctx, sess.ID, nil)
		adopted++
	}
	if adopted > 0 {
		slog.Info("adopted sessions from previous run", "count", adopted)
	}
	return nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
