package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/store"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubSignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)

	assert.True(t, verifyGitHubSignature("s3cret", body, sign("s3cret", body)))
	assert.False(t, verifyGitHubSignature("s3cret", body, sign("wrong", body)))
	assert.False(t, verifyGitHubSignature("s3cret", body, ""))
	assert.False(t, verifyGitHubSignature("s3cret", body, "sha256="))
	assert.False(t, verifyGitHubSignature("s3cret", body, "sha1=deadbeef"))

	// Tampered body fails against the original signature.
	sig := sign("s3cret", body)
	assert.False(t, verifyGitHubSignature("s3cret", []byte(`{"action":"closed"}`), sig))
}

func newWebhookServer(t *testing.T, secret string) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	// The queue is never started: enqueued jobs just sit pending,
	// which is all the handler test needs to observe.
	return &Server{
		cfg:   &config.Config{GitHubWebhookSecret: secret},
		queue: jobqueue.New(st, 1),
	}, st
}

func TestHandleGitHubWebhook(t *testing.T) {
	body := []byte(`{"action":"opened","repository":{"name":"backend","full_name":"acme/backend"}}`)

	t.Run("valid signature enqueues job", func(t *testing.T) {
		s, st := newWebhookServer(t, "s3cret")

		r := httptest.NewRequest("POST", "/api/webhooks/github", strings.NewReader(string(body)))
		r.Header.Set("X-Hub-Signature-256", sign("s3cret", body))
		r.Header.Set("X-GitHub-Event", "pull_request")
		r.Header.Set("X-GitHub-Delivery", "delivery-1")
		w := httptest.NewRecorder()
		s.handleGitHubWebhook(w, r)
		require.Equal(t, 200, w.Code)

		jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, jobqueue.TypeInboundWebhook, jobs[0].Type)

		var payload struct {
			Event    string          `json:"event"`
			Delivery string          `json:"delivery"`
			Body     json.RawMessage `json:"body"`
		}
		require.NoError(t, json.Unmarshal([]byte(jobs[0].Payload), &payload))
		assert.Equal(t, "pull_request", payload.Event)
		assert.Equal(t, "delivery-1", payload.Delivery)
		assert.JSONEq(t, string(body), string(payload.Body))
	})

	t.Run("invalid signature rejected", func(t *testing.T) {
		s, st := newWebhookServer(t, "s3cret")

		r := httptest.NewRequest("POST", "/api/webhooks/github", strings.NewReader(string(body)))
		r.Header.Set("X-Hub-Signature-256", sign("wrong", body))
		w := httptest.NewRecorder()
		s.handleGitHubWebhook(w, r)
		assert.Equal(t, 401, w.Code)

		jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("unconfigured secret rejects everything", func(t *testing.T) {
		s, _ := newWebhookServer(t, "")

		r := httptest.NewRequest("POST", "/api/webhooks/github", strings.NewReader(string(body)))
		r.Header.Set("X-Hub-Signature-256", sign("", body))
		w := httptest.NewRecorder()
		s.handleGitHubWebhook(w, r)
		assert.Equal(t, 401, w.Code)
	})
}
