package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/gitutil"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/workers"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.sessions.GetAllSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type          string `json:"type"`
		RepositoryID  string `json:"repositoryId"`
		WorktreeID    string `json:"worktreeId"`
		LocationPath  string `json:"locationPath"`
		Title         string `json:"title"`
		InitialPrompt string `json:"initialPrompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sessType, err := store.ParseSessionType(req.Type)
	if err != nil {
		writeError(w, errdefs.Validation("invalid session type %q", req.Type))
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), session.CreateRequest{
		Type:          sessType,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		LocationPath:  req.LocationPath,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.notifySessionCreated(r.Context(), sess)
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

// notifySessionCreated posts to the repository's Slack channel when one
// is configured.
func (s *Server) notifySessionCreated(ctx context.Context, sess *store.Session) {
	if sess.RepositoryID == nil || !s.notifier.Enabled() {
		return
	}
	repo, err := s.store.GetRepository(ctx, *sess.RepositoryID)
	if err != nil || repo.SlackChannel == nil {
		return
	}
	title := ""
	if sess.Title != nil {
		title = *sess.Title
	}
	branch := ""
	if sess.WorktreeID != nil {
		if wt, err := s.store.GetWorktree(ctx, *sess.WorktreeID); err == nil {
			branch = wt.Branch
		}
	}
	s.notifier.SessionCreated(ctx, *repo.SlackChannel, title, branch)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  *string `json:"title"`
		Branch *string `json:"branch"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.UpdateSessionMetadata(r.Context(), r.PathValue("id"),
		session.MetadataUpdate{Title: req.Title, Branch: req.Branch})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleForceDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ForceDeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ResumeSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleValidateSessions(w http.ResponseWriter, r *http.Request) {
	invalid, err := s.sessions.ValidateAllSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if invalid == nil {
		invalid = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidSessions": invalid})
}

// handleGetSessionMessages returns the recent transcript of the
// session's agent worker.
func (s *Server) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			lines = parsed
		}
	}
	msgs, err := s.sessions.GetMessages(r.Context(), r.PathValue("id"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSessionMessage delivers a prompt (optionally with attached
// files) to the session's agent worker as PTY input.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	view, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxTotalFileSize); err != nil {
		writeError(w, errdefs.Validation("parse multipart form: %v", err))
		return
	}
	message := r.FormValue("message")

	var filePaths []string
	if r.MultipartForm != nil {
		files := r.MultipartForm.File["files"]
		if len(files) > s.cfg.MaxMessageFiles {
			writeError(w, errdefs.Validation("at most %d files per message", s.cfg.MaxMessageFiles))
			return
		}
		var total int64
		for _, fh := range files {
			total += fh.Size
		}
		if total > s.cfg.MaxTotalFileSize {
			writeError(w, errdefs.Validation("attachments exceed %d bytes", s.cfg.MaxTotalFileSize))
			return
		}
		for _, fh := range files {
			src, err := fh.Open()
			if err != nil {
				writeError(w, errdefs.Internal("open upload", err))
				return
			}
			path, err := s.saveUpload(src, filepath.Ext(fh.Filename))
			src.Close()
			if err != nil {
				writeError(w, errdefs.Internal("save upload", err))
				return
			}
			filePaths = append(filePaths, path)
		}
	}

	target := agentWorkerOf(view)
	if target == nil {
		writeError(w, errdefs.Validation("session %s has no agent worker", sessionID))
		return
	}

	input := message
	for _, p := range filePaths {
		input += " " + p
	}
	input += "\r"
	if err := s.registry.WriteInput(sessionID, target.ID, []byte(input)); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func agentWorkerOf(view *session.SessionView) *store.Worker {
	for _, w := range view.Workers {
		if w.Type == store.WorkerAgent {
			return w
		}
	}
	return nil
}

// saveUpload writes an uploaded or decoded file into the uploads dir.
func (s *Server) saveUpload(src io.Reader, ext string) (string, error) {
	name := "upload-" + id.Suffix(8) + ext
	path := filepath.Join(s.cfg.UploadsDir(), name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.ListWorkersBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ws == nil {
		ws = []*store.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": ws})
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string `json:"type"`
		Name    string `json:"name"`
		AgentID string `json:"agentId"`
		Cols    uint16 `json:"cols"`
		Rows    uint16 `json:"rows"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	workerType, err := store.ParseWorkerType(req.Type)
	if err != nil {
		writeError(w, errdefs.Validation("invalid worker type %q", req.Type))
		return
	}

	worker, err := s.sessions.CreateWorker(r.Context(), r.PathValue("id"), workers.CreateRequest{
		Type:    workerType,
		Name:    req.Name,
		AgentID: req.AgentID,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"worker": worker})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteWorker(r.Context(), r.PathValue("id"), r.PathValue("wid")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleRestartWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContinueConversation bool `json:"continueConversation"`
	}
	if err := decodeBody(r, &req); err != nil && !errdefs.IsValidation(err) {
		writeError(w, err)
		return
	}
	if err := s.sessions.RestartAgentWorker(r.Context(), r.PathValue("id"),
		r.PathValue("wid"), req.ContinueConversation); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// handleWorkerDiff returns the full diff of a git-diff worker against
// its base commit.
func (s *Server) handleWorkerDiff(w http.ResponseWriter, r *http.Request) {
	sessionID, workerID := r.PathValue("id"), r.PathValue("wid")
	sess, worker, err := s.diffWorker(r.Context(), sessionID, workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	base := ""
	if worker.BaseCommit != nil {
		base = *worker.BaseCommit
	}
	diff, err := gitutil.Diff(r.Context(), sess.LocationPath, base)
	if err != nil {
		writeError(w, errdefs.Validation("compute diff: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff, "baseCommit": base})
}

// handleWorkerDiffFile returns the diff restricted to one file.
func (s *Server) handleWorkerDiffFile(w http.ResponseWriter, r *http.Request) {
	sessionID, workerID := r.PathValue("id"), r.PathValue("wid")
	file := r.URL.Query().Get("path")
	if file == "" {
		writeError(w, errdefs.Validation("path query parameter is required"))
		return
	}
	sess, worker, err := s.diffWorker(r.Context(), sessionID, workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	base := "HEAD"
	if worker.BaseCommit != nil {
		base = *worker.BaseCommit
	}
	diff, err := gitutil.DiffFile(r.Context(), sess.LocationPath, base, file)
	if err != nil {
		writeError(w, errdefs.Validation("compute diff: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff, "path": file})
}

func (s *Server) diffWorker(ctx context.Context, sessionID, workerID string) (*store.Session, *store.Worker, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	worker, err := s.store.GetWorker(ctx, sessionID, workerID)
	if err != nil {
		return nil, nil, err
	}
	if worker.Type != store.WorkerGitDiff {
		return nil, nil, errdefs.Validation("worker %s is not a git-diff worker", workerID)
	}
	return sess, worker, nil
}

func (s *Server) handleSessionBranches(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := gitutil.ListBranches(r.Context(), sess.LocationPath)
	if err != nil {
		writeError(w, errdefs.Validation("list branches: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleSessionCommits(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	n := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			n = parsed
		}
	}
	commits, err := gitutil.RecentCommits(r.Context(), sess.LocationPath, n)
	if err != nil {
		writeError(w, errdefs.Validation("list commits: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleSessionPRLink(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branch, err := gitutil.CurrentBranch(r.Context(), sess.LocationPath)
	if err != nil {
		writeError(w, errdefs.Validation("resolve branch: %v", err))
		return
	}
	link := gitutil.PullRequestLink(r.Context(), sess.LocationPath, branch)
	writeJSON(w, http.StatusOK, map[string]any{"prLink": link})
}
