package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/agentconsole/agentconsole/internal/jobqueue"
)

// maxWebhookBody caps the accepted GitHub payload size.
const maxWebhookBody = 1 << 20

// handleGitHubWebhook verifies the HMAC-SHA256 signature and enqueues
// the inbound-webhook job. 401 on signature failure, 500 on enqueue
// failure so the sender retries, 200 otherwise.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GitHubWebhookSecret == "" {
		http.Error(w, "webhooks are not configured", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}

	if !verifyGitHubSignature(s.cfg.GitHubWebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"event":    r.Header.Get("X-GitHub-Event"),
		"delivery": r.Header.Get("X-GitHub-Delivery"),
		"body":     json.RawMessage(body),
	})
	if _, err := s.queue.Enqueue(r.Context(), jobqueue.TypeInboundWebhook, string(payload), jobqueue.EnqueueOptions{}); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// verifyGitHubSignature checks the sha256=<hex> signature header with a
// constant-time comparison.
func verifyGitHubSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}
