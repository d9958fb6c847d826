package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/gitutil"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/ptyproc"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/validate"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []*store.Repository{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

// repositoryBody is the mutable repository shape shared by create and
// update.
type repositoryBody struct {
	Name           *string `json:"name"`
	Path           *string `json:"path"`
	SetupCommand   *string `json:"setupCommand"`
	CleanupCommand *string `json:"cleanupCommand"`
	EnvVars        *string `json:"envVars"`
	Description    *string `json:"description"`
	DefaultAgentID *string `json:"defaultAgentId"`
	SlackChannel   *string `json:"slackChannel"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == nil || req.Path == nil {
		writeError(w, errdefs.Validation("name and path are required"))
		return
	}
	name, err := validate.SanitizeName(*req.Name)
	if err != nil {
		writeError(w, errdefs.Validation("invalid repository name: %v", err))
		return
	}
	home, _ := os.UserHomeDir()
	path := validate.SanitizePath(*req.Path, home)
	if path == "" {
		writeError(w, errdefs.Validation("invalid repository path %q", *req.Path))
		return
	}
	if !gitutil.IsRepository(r.Context(), path) {
		writeError(w, errdefs.Validation("path %q is not a git repository", path))
		return
	}
	if req.EnvVars != nil {
		if _, err := ptyproc.ParseEnvText(*req.EnvVars); err != nil {
			writeError(w, errdefs.Validation("invalid env vars: %v", err))
			return
		}
	}

	repo := &store.Repository{
		ID:             id.New(),
		Name:           name,
		Path:           path,
		SetupCommand:   req.SetupCommand,
		CleanupCommand: req.CleanupCommand,
		EnvVars:        req.EnvVars,
		Description:    req.Description,
		DefaultAgentID: req.DefaultAgentID,
		SlackChannel:   req.SlackChannel,
	}
	if err := s.store.CreateRepository(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.RepositoryCreated, map[string]any{"repository": repo})
	writeJSON(w, http.StatusCreated, map[string]any{"repository": repo})
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repo})
}

func (s *Server) handleUpdateRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req repositoryBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		name, err := validate.SanitizeName(*req.Name)
		if err != nil {
			writeError(w, errdefs.Validation("invalid repository name: %v", err))
			return
		}
		repo.Name = name
	}
	if req.EnvVars != nil {
		if _, err := ptyproc.ParseEnvText(*req.EnvVars); err != nil {
			writeError(w, errdefs.Validation("invalid env vars: %v", err))
			return
		}
		repo.EnvVars = req.EnvVars
	}
	if req.SetupCommand != nil {
		repo.SetupCommand = req.SetupCommand
	}
	if req.CleanupCommand != nil {
		repo.CleanupCommand = req.CleanupCommand
	}
	if req.Description != nil {
		repo.Description = req.Description
	}
	if req.DefaultAgentID != nil {
		repo.DefaultAgentID = req.DefaultAgentID
	}
	if req.SlackChannel != nil {
		repo.SlackChannel = req.SlackChannel
	}

	if err := s.store.UpdateRepository(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.RepositoryUpdated, map[string]any{"repository": repo})
	writeJSON(w, http.StatusOK, map[string]any{"repository": repo})
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")
	repo, err := s.store.GetRepository(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.store.ListSessionsByRepository(r.Context(), repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(sessions) > 0 {
		writeError(w, errdefs.Conflict("repository %s has %d active sessions", repoID, len(sessions)))
		return
	}
	if err := s.store.DeleteRepository(r.Context(), repoID); err != nil {
		writeError(w, err)
		return
	}

	// Managed worktree state goes through the durable queue so a crash
	// mid-delete does not leave the directory behind.
	payload, _ := json.Marshal(map[string]any{
		"repositoryId": repoID,
		"paths":        []string{s.worktrees.ManagedDir(repo)},
	})
	if _, err := s.queue.Enqueue(r.Context(), jobqueue.TypeRepositoryCleanup, string(payload), jobqueue.EnqueueOptions{}); err != nil {
		slog.Warn("enqueue repository cleanup failed", "repository_id", repoID, "error", err)
	}

	s.hub.Publish(events.RepositoryDeleted, map[string]any{"repositoryId": repoID})
	writeSuccess(w)
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	entries, err := s.worktrees.ListWorktrees(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*worktree.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"worktrees": entries})
}

// handleCreateWorktree starts the async creation task; the outcome is
// broadcast over the event hub keyed by the caller's task id.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchMode    string `json:"branchMode"`
		BranchName    string `json:"branchName"`
		InitialPrompt string `json:"initialPrompt"`
		UseRemote     bool   `json:"useRemote"`
		TaskID        string `json:"taskId"`
		CreateSession bool   `json:"createSession"`
		Title         string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, errdefs.Validation("taskId is required"))
		return
	}
	repoID := r.PathValue("id")
	if _, err := s.store.GetRepository(r.Context(), repoID); err != nil {
		writeError(w, err)
		return
	}

	s.worktrees.CreateAsync(worktree.CreateRequest{
		RepositoryID:  repoID,
		BranchMode:    worktree.BranchMode(req.BranchMode),
		BranchName:    req.BranchName,
		InitialPrompt: req.InitialPrompt,
		UseRemote:     req.UseRemote,
		TaskID:        req.TaskID,
		CreateSession: req.CreateSession,
		SessionTitle:  req.Title,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "taskId": req.TaskID})
}

func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path   string `json:"path"`
		TaskID string `json:"taskId"`
		Force  bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" || req.TaskID == "" {
		writeError(w, errdefs.Validation("path and taskId are required"))
		return
	}
	repoID := r.PathValue("id")
	if _, err := s.store.GetRepository(r.Context(), repoID); err != nil {
		writeError(w, err)
		return
	}

	s.worktrees.RemoveAsync(repoID, req.Path, req.TaskID, req.Force)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "taskId": req.TaskID})
}

func (s *Server) handleRepositoryBranches(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	local, err := gitutil.ListBranches(r.Context(), repo.Path)
	if err != nil {
		writeError(w, errdefs.Validation("list branches: %v", err))
		return
	}
	remote, _ := gitutil.ListRemoteBranches(r.Context(), repo.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"branches":       local,
		"remoteBranches": remote,
	})
}

func (s *Server) handleRefreshDefaultBranch(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branch, err := gitutil.DefaultBranch(r.Context(), repo.Path)
	if err != nil {
		writeError(w, errdefs.Validation("resolve default branch: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaultBranch": branch})
}

func (s *Server) handleRepositoryFetch(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := gitutil.Fetch(r.Context(), repo.Path); err != nil {
		writeError(w, errdefs.Validation("fetch: %v", err))
		return
	}
	writeSuccess(w)
}

func (s *Server) handleGetSlackConfig(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	channel := ""
	if repo.SlackChannel != nil {
		channel = *repo.SlackChannel
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"enabled": s.notifier.Enabled() && channel != "",
	})
}

func (s *Server) handlePutSlackConfig(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Channel == "" {
		repo.SlackChannel = nil
	} else {
		repo.SlackChannel = &req.Channel
	}
	if err := s.store.UpdateRepository(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.RepositoryUpdated, map[string]any{"repository": repo})
	writeSuccess(w)
}

// handleCreateGitHubIssue shells out to gh; upstream error text is
// surfaced as a validation error.
func (s *Server) handleCreateGitHubIssue(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, errdefs.Validation("issue title is required"))
		return
	}

	cmd := exec.CommandContext(r.Context(), "gh", "issue", "create",
		"--title", req.Title, "--body", req.Body)
	cmd.Dir = repo.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		writeError(w, errdefs.Validation("gh issue create: %s", strings.TrimSpace(string(out))))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"issueUrl": strings.TrimSpace(string(out)),
	})
}
