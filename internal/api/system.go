package api

import (
	"net/http"
	"os"
	"os/exec"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/validate"
)

// handleGetConfig reports static server facts the client needs before
// anything else.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	home, _ := os.UserHomeDir()
	writeJSON(w, http.StatusOK, map[string]any{
		"homeDir": home,
		"capabilities": map[string]bool{
			"slack":     s.notifier.Enabled(),
			"suggester": s.cfg.SuggesterURL != "",
			"webhooks":  s.cfg.GitHubWebhookSecret != "",
		},
		"serverPid": os.Getpid(),
	})
}

// handleSystemOpen opens a path with the OS default handler.
func (s *Server) handleSystemOpen(w http.ResponseWriter, r *http.Request) {
	path, err := s.systemPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := exec.CommandContext(r.Context(), "xdg-open", path).Start(); err != nil {
		writeError(w, errdefs.Validation("open %q: %v", path, err))
		return
	}
	writeSuccess(w)
}

// handleSystemOpenVSCode opens a path in VS Code.
func (s *Server) handleSystemOpenVSCode(w http.ResponseWriter, r *http.Request) {
	path, err := s.systemPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := exec.CommandContext(r.Context(), "code", path).Start(); err != nil {
		writeError(w, errdefs.Validation("open %q in vscode: %v", path, err))
		return
	}
	writeSuccess(w)
}

func (s *Server) systemPath(r *http.Request) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	home, _ := os.UserHomeDir()
	path := validate.SanitizePath(req.Path, home)
	if path == "" {
		return "", errdefs.Validation("invalid path %q", req.Path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", errdefs.NotFound("path", path)
	}
	return path, nil
}
