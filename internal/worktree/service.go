// Package worktree manages git worktrees of registered repositories:
// index allocation, branch selection, template expansion, and the
// setup/cleanup command lifecycle.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/gitutil"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/suggest"
	"github.com/agentconsole/agentconsole/internal/validate"
)

// BranchMode selects how the new worktree's branch is determined.
type BranchMode string

const (
	BranchAuto     BranchMode = "auto"     // task-<epoch_ms>
	BranchCustom   BranchMode = "custom"   // caller-supplied name
	BranchExisting BranchMode = "existing" // check out an existing branch
	BranchPrompt   BranchMode = "prompt"   // ask the metadata suggester
)

// Service owns worktree creation and removal.
type Service struct {
	store     *store.Store
	hub       *events.Hub
	suggester *suggest.Client
	reposRoot string // <config_root>/repositories
	templates string // global templates dir

	// createMu serializes index allocation with the git/DB writes that
	// consume the index, so concurrent creations cannot race to the
	// same smallest free number.
	createMu sync.Mutex
}

// NewService creates a Service.
func NewService(st *store.Store, hub *events.Hub, suggester *suggest.Client, reposRoot, templatesDir string) *Service {
	return &Service{
		store:     st,
		hub:       hub,
		suggester: suggester,
		reposRoot: reposRoot,
		templates: templatesDir,
	}
}

// Entry is one worktree in a listing: the union of git's view and the
// DB's view of the same path.
type Entry struct {
	Record   *store.Worktree `json:"record,omitempty"`
	Path     string          `json:"path"`
	Branch   string          `json:"branch,omitempty"`
	Head     string          `json:"head,omitempty"`
	IsMain   bool            `json:"isMain"`
	Orphaned bool            `json:"orphaned"` // in DB but not known to git
}

// ListWorktrees unions git's worktree list with the DB records and
// flags orphans.
func (s *Service) ListWorktrees(ctx context.Context, repoID string) ([]*Entry, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListWorktreesByRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}

	gitEntries, err := gitutil.ListWorktrees(ctx, repo.Path)
	if err != nil {
		// Repo directory may be gone; report DB records as orphans.
		gitEntries = nil
	}

	byPath := make(map[string]*store.Worktree, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	var out []*Entry
	seen := make(map[string]bool)
	for _, ge := range gitEntries {
		e := &Entry{
			Path:   ge.Path,
			Branch: ge.Branch,
			Head:   ge.Head,
			IsMain: ge.Path == repo.Path,
		}
		if rec, ok := byPath[ge.Path]; ok {
			e.Record = rec
			seen[rec.ID] = true
		}
		out = append(out, e)
	}
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		out = append(out, &Entry{
			Record:   rec,
			Path:     rec.Path,
			Branch:   rec.Branch,
			Orphaned: true,
		})
	}
	return out, nil
}

// CreateRequest describes a worktree creation task.
type CreateRequest struct {
	RepositoryID  string
	BranchMode    BranchMode
	BranchName    string // custom / existing modes
	InitialPrompt string // prompt mode input
	UseRemote     bool
	TaskID        string // caller-supplied, echoed in result events

	// CreateSession also inserts the session pinned to the new
	// worktree, in the same transaction as the worktree row.
	CreateSession bool
	SessionTitle  string
}

// CreateResult is the payload of the completion event.
type CreateResult struct {
	Worktree    *store.Worktree `json:"worktree"`
	Session     *store.Session  `json:"session,omitempty"`
	FetchFailed bool            `json:"fetchFailed,omitempty"`
	SetupOutput string          `json:"setupOutput,omitempty"`
	SetupExit   int             `json:"setupExit"`
}

// CreateAsync runs creation in the background; the outcome is
// broadcast as a worktree-creation event carrying the task id.
func (s *Service) CreateAsync(req CreateRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		result, err := s.Create(ctx, req)
		if err != nil {
			s.hub.Publish(events.WorktreeCreationFail, map[string]any{
				"taskId": req.TaskID,
				"error":  err.Error(),
			})
			return
		}
		s.hub.Publish(events.WorktreeCreationDone, map[string]any{
			"taskId": req.TaskID,
			"result": result,
		})
	}()
}

// Create performs the full creation sequence synchronously.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	repo, err := s.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}

	branch, newBranch, err := s.resolveBranch(ctx, repo, req)
	if err != nil {
		return nil, err
	}

	// Base branch: remote when requested and reachable.
	result := &CreateResult{}
	startPoint := ""
	if newBranch {
		def, err := gitutil.DefaultBranch(ctx, repo.Path)
		if err != nil {
			return nil, errdefs.Validation("resolve default branch: %v", err)
		}
		startPoint = def
		if req.UseRemote {
			if err := gitutil.Fetch(ctx, repo.Path); err != nil {
				slog.Warn("fetch before worktree creation failed, using local base",
					"repository_id", repo.ID, "error", err)
				result.FetchFailed = true
			} else {
				startPoint = "origin/" + def
			}
		}
	}

	// Allocation and the writes that consume the index stay under one
	// lock; without it two creations can both pick the same number and
	// one fails on the unique index after its git worktree exists.
	s.createMu.Lock()
	index, err := s.allocateIndex(ctx, repo.ID)
	if err != nil {
		s.createMu.Unlock()
		return nil, err
	}
	dirName := fmt.Sprintf("wt-%03d-%s", index, id.Suffix(4))
	wtPath := filepath.Join(s.repoDir(repo), "worktrees", dirName)

	if err := gitutil.AddWorktree(ctx, repo.Path, wtPath, branch, startPoint, newBranch); err != nil {
		s.createMu.Unlock()
		return nil, errdefs.Validation("create git worktree: %v", err)
	}

	rec := &store.Worktree{
		ID:           id.New(),
		RepositoryID: repo.ID,
		Path:         wtPath,
		Branch:       branch,
		IndexNumber:  index,
	}
	var sess *store.Session
	if req.CreateSession {
		sess = s.buildSession(repo, rec, req)
		err = s.store.CreateWorktreeSession(ctx, rec, sess)
	} else {
		err = s.store.CreateWorktree(ctx, rec)
	}
	if err != nil {
		// Roll the filesystem side back so git and DB stay in step.
		if rmErr := gitutil.RemoveWorktree(ctx, repo.Path, wtPath); rmErr != nil {
			slog.Warn("rollback of git worktree failed", "path", wtPath, "error", rmErr)
		}
		s.createMu.Unlock()
		return nil, err
	}
	s.createMu.Unlock()
	result.Worktree = rec
	if sess != nil {
		result.Session = sess
		s.hub.Publish(events.SessionCreated, map[string]any{"session": sess})
	}

	subs := Substitutions{
		WorktreeNum:  index,
		Branch:       branch,
		Repo:         repo.Name,
		WorktreePath: wtPath,
	}
	if err := copyTemplates(filepath.Join(repo.Path, ".agent-console"), wtPath, subs); err != nil {
		slog.Warn("copy repository templates failed", "path", wtPath, "error", err)
	}
	if err := copyTemplates(s.templates, wtPath, subs); err != nil {
		slog.Warn("copy global templates failed", "path", wtPath, "error", err)
	}

	if repo.SetupCommand != nil && *repo.SetupCommand != "" {
		out, exit := runSubShell(ctx, wtPath, *repo.SetupCommand, subs.Env())
		result.SetupOutput = out
		result.SetupExit = exit
		if exit != 0 {
			slog.Warn("worktree setup command failed", "path", wtPath, "exit", exit)
		}
	}

	return result, nil
}

// buildSession assembles the session row pinned to a fresh worktree.
func (s *Service) buildSession(repo *store.Repository, rec *store.Worktree, req CreateRequest) *store.Session {
	sess := &store.Session{
		ID:           id.New(),
		Type:         store.SessionWorktree,
		RepositoryID: &repo.ID,
		WorktreeID:   &rec.ID,
		LocationPath: rec.Path,
	}
	if req.SessionTitle != "" {
		title := req.SessionTitle
		sess.Title = &title
	}
	if req.InitialPrompt != "" {
		prompt := req.InitialPrompt
		sess.InitialPrompt = &prompt
	}
	pid := os.Getpid()
	sess.ServerPID = &pid
	return sess
}

// resolveBranch picks the branch name and whether it must be created.
func (s *Service) resolveBranch(ctx context.Context, repo *store.Repository, req CreateRequest) (string, bool, error) {
	switch req.BranchMode {
	case BranchAuto, "":
		return suggest.FallbackBranchName(), true, nil
	case BranchCustom:
		if err := validate.BranchName(req.BranchName); err != nil {
			return "", false, errdefs.Validation("invalid branch name: %v", err)
		}
		if gitutil.BranchExists(ctx, repo.Path, req.BranchName) {
			return "", false, errdefs.Conflict("branch %q already exists", req.BranchName)
		}
		return req.BranchName, true, nil
	case BranchExisting:
		if err := validate.BranchName(req.BranchName); err != nil {
			return "", false, errdefs.Validation("invalid branch name: %v", err)
		}
		if !gitutil.BranchExists(ctx, repo.Path, req.BranchName) {
			return "", false, errdefs.NotFound("branch", req.BranchName)
		}
		return req.BranchName, false, nil
	case BranchPrompt:
		return s.suggester.BranchName(ctx, req.InitialPrompt), true, nil
	}
	return "", false, errdefs.Validation("unknown branch mode %q", req.BranchMode)
}

// allocateIndex returns the smallest positive index not used by the
// repository's worktrees.
func (s *Service) allocateIndex(ctx context.Context, repoID string) (int, error) {
	used, err := s.store.UsedWorktreeIndexes(ctx, repoID)
	if err != nil {
		return 0, err
	}
	for i := 1; ; i++ {
		if !used[i] {
			return i, nil
		}
	}
}

// repoDir is the managed directory of a repository under the config
// root, keyed by org/name when a GitHub remote exists and plain name
// otherwise.
func (s *Service) repoDir(repo *store.Repository) string {
	slug := repo.Name
	if remote := gitutil.RemoteURL(context.Background(), repo.Path); remote != "" {
		if owner, name, ok := splitGitHubRemote(remote); ok {
			slug = filepath.Join(owner, name)
		}
	}
	return filepath.Join(s.reposRoot, slug)
}

// ManagedDir exposes the managed directory of a repository so callers
// can schedule its cleanup.
func (s *Service) ManagedDir(repo *store.Repository) string {
	return s.repoDir(repo)
}

// Root is the managed repositories root under the config root.
func (s *Service) Root() string {
	return s.reposRoot
}

func splitGitHubRemote(remote string) (owner, name string, ok bool) {
	remote = strings.TrimSuffix(remote, ".git")
	for _, prefix := range []string{"git@github.com:", "https://github.com/", "ssh://git@github.com/"} {
		if after, found := strings.CutPrefix(remote, prefix); found {
			parts := strings.Split(after, "/")
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				return parts[0], parts[1], true
			}
		}
	}
	return "", "", false
}

// RemoveAsync deletes a worktree in the background, broadcasting task
// progress events keyed by the caller's task id.
func (s *Service) RemoveAsync(repoID, path, taskID string, force bool) {
	s.hub.Publish(events.WorktreeDelCreated, map[string]any{
		"taskId": taskID,
		"path":   path,
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		s.hub.Publish(events.WorktreeDelProgress, map[string]any{
			"taskId": taskID,
			"step":   "removing",
		})
		if err := s.Remove(ctx, repoID, path, force); err != nil {
			s.hub.Publish(events.WorktreeDelFailed, map[string]any{
				"taskId": taskID,
				"error":  err.Error(),
			})
			return
		}
		s.hub.Publish(events.WorktreeDelCompleted, map[string]any{
			"taskId": taskID,
			"path":   path,
		})
	}()
}

// Remove deletes a managed worktree. The path must sit under the
// managed root AND be a registered worktree of the repository; both
// checks have to pass so a crafted path can never escape.
func (s *Service) Remove(ctx context.Context, repoID, path string, force bool) error {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}
	home, _ := os.UserHomeDir()
	clean := validate.SanitizePath(path, home)
	if clean == "" {
		return errdefs.Validation("invalid worktree path %q", path)
	}
	if !validate.IsUnder(s.reposRoot, clean) {
		return errdefs.Validation("path %q is outside the managed worktree root", clean)
	}
	ok, err := s.IsWorktreeOf(ctx, repo, clean)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Validation("path %q is not a worktree of repository %s", clean, repo.ID)
	}

	rec, err := s.store.GetWorktreeByPath(ctx, clean)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	if !force {
		if clean == repo.Path {
			return errdefs.Validation("refusing to remove the main working tree")
		}
	}

	if repo.CleanupCommand != nil && *repo.CleanupCommand != "" && rec != nil {
		subs := Substitutions{
			WorktreeNum:  rec.IndexNumber,
			Branch:       rec.Branch,
			Repo:         repo.Name,
			WorktreePath: clean,
		}
		if out, exit := runSubShell(ctx, clean, *repo.CleanupCommand, subs.Env()); exit != 0 {
			slog.Warn("worktree cleanup command failed", "path", clean,
				"exit", exit, "output", out)
		}
	}

	if err := gitutil.RemoveWorktree(ctx, repo.Path, clean); err != nil {
		return errdefs.Internal("remove git worktree", err)
	}
	if rec != nil {
		if err := s.store.DeleteWorktree(ctx, rec.ID); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// IsWorktreeOf is the authoritative boundary check: the path is the
// repository's main tree or one of its DB-registered worktrees.
func (s *Service) IsWorktreeOf(ctx context.Context, repo *store.Repository, path string) (bool, error) {
	if path == repo.Path {
		return true, nil
	}
	rec, err := s.store.GetWorktreeByPath(ctx, path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return rec.RepositoryID == repo.ID, nil
}

// runSubShell executes a command via sh -c in dir with extra env.
func runSubShell(ctx context.Context, dir, command string, extraEnv []string) (string, int) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	exit := 0
	if err != nil {
		exit = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		}
	}
	return string(out), exit
}
