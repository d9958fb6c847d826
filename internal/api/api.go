// Package api is the HTTP/WS translation layer: each handler validates
// the request and delegates to the session manager, worktree service,
// or job queue.
package api

import (
	"net/http"

	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/notify"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/workers"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// Server holds the handler dependencies.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	sessions  *session.Manager
	registry  *workers.Registry
	worktrees *worktree.Service
	queue     *jobqueue.Queue
	hub       *events.Hub
	notifier  *notify.Notifier

	shutdownCh <-chan struct{}
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, st *store.Store, sessions *session.Manager,
	registry *workers.Registry, worktrees *worktree.Service, queue *jobqueue.Queue,
	hub *events.Hub, notifier *notify.Notifier, shutdownCh <-chan struct{}) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		registry:   registry,
		worktrees:  worktrees,
		queue:      queue,
		hub:        hub,
		notifier:   notifier,
		shutdownCh: shutdownCh,
	}
}

// Routes registers every handler on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/config", s.handleGetConfig)

	// Sessions.
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/validate", s.handleValidateSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("DELETE /api/sessions/{id}/invalid", s.handleForceDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handlePauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleGetSessionMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSessionMessage)
	mux.HandleFunc("GET /api/sessions/{id}/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/sessions/{id}/workers", s.handleCreateWorker)
	mux.HandleFunc("DELETE /api/sessions/{id}/workers/{wid}", s.handleDeleteWorker)
	mux.HandleFunc("POST /api/sessions/{id}/workers/{wid}/restart", s.handleRestartWorker)
	mux.HandleFunc("GET /api/sessions/{id}/workers/{wid}/diff", s.handleWorkerDiff)
	mux.HandleFunc("GET /api/sessions/{id}/workers/{wid}/diff/file", s.handleWorkerDiffFile)
	mux.HandleFunc("GET /api/sessions/{id}/branches", s.handleSessionBranches)
	mux.HandleFunc("GET /api/sessions/{id}/commits", s.handleSessionCommits)
	mux.HandleFunc("GET /api/sessions/{id}/pr-link", s.handleSessionPRLink)

	// Repositories.
	mux.HandleFunc("GET /api/repositories", s.handleListRepositories)
	mux.HandleFunc("POST /api/repositories", s.handleCreateRepository)
	mux.HandleFunc("GET /api/repositories/{id}", s.handleGetRepository)
	mux.HandleFunc("PATCH /api/repositories/{id}", s.handleUpdateRepository)
	mux.HandleFunc("DELETE /api/repositories/{id}", s.handleDeleteRepository)
	mux.HandleFunc("GET /api/repositories/{id}/worktrees", s.handleListWorktrees)
	mux.HandleFunc("POST /api/repositories/{id}/worktrees", s.handleCreateWorktree)
	mux.HandleFunc("DELETE /api/repositories/{id}/worktrees", s.handleDeleteWorktree)
	mux.HandleFunc("GET /api/repositories/{id}/branches", s.handleRepositoryBranches)
	mux.HandleFunc("POST /api/repositories/{id}/refresh-default-branch", s.handleRefreshDefaultBranch)
	mux.HandleFunc("POST /api/repositories/{id}/fetch", s.handleRepositoryFetch)
	mux.HandleFunc("GET /api/repositories/{id}/slack", s.handleGetSlackConfig)
	mux.HandleFunc("PUT /api/repositories/{id}/slack", s.handlePutSlackConfig)
	mux.HandleFunc("POST /api/repositories/{id}/github-issue", s.handleCreateGitHubIssue)

	// Agents.
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	// Jobs.
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/stats", s.handleJobStats)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	// System.
	mux.HandleFunc("POST /api/system/open", s.handleSystemOpen)
	mux.HandleFunc("POST /api/system/open-in-vscode", s.handleSystemOpenVSCode)

	// Webhooks.
	mux.HandleFunc("POST /api/webhooks/github", s.handleGitHubWebhook)

	// WebSockets.
	mux.HandleFunc("GET /ws", s.handleAppSocket)
	mux.HandleFunc("GET /ws/sessions/{id}/workers/{wid}", s.handleWorkerSocket)

	return mux
}
