package suggest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/suggest"
)

func TestFallbackBranchName(t *testing.T) {
	name := suggest.FallbackBranchName()
	assert.True(t, strings.HasPrefix(name, "task-"))
}

func TestBranchName_RemoteSuggestion(t *testing.T) {
	var gotPrompt atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/branch-name", r.URL.Path)
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt.Store(req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]string{"branchName": "add-login-form"})
	}))
	defer srv.Close()

	c := suggest.NewClient(srv.URL, 5*time.Second)
	name := c.BranchName(context.Background(), "add a login form")
	assert.Equal(t, "add-login-form", name)
	assert.Equal(t, "add a login form", gotPrompt.Load())
}

func TestBranchName_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"branchName": "second-try"})
	}))
	defer srv.Close()

	c := suggest.NewClient(srv.URL, 10*time.Second)
	name := c.BranchName(context.Background(), "prompt")
	assert.Equal(t, "second-try", name)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestBranchName_FallsBack(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		c := suggest.NewClient("", time.Second)
		assert.True(t, strings.HasPrefix(c.BranchName(context.Background(), "prompt"), "task-"))
	})

	t.Run("empty prompt", func(t *testing.T) {
		c := suggest.NewClient("http://localhost:1", time.Second)
		assert.True(t, strings.HasPrefix(c.BranchName(context.Background(), ""), "task-"))
	})

	t.Run("invalid suggestion", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"branchName": "has space; rm -rf"})
		}))
		defer srv.Close()

		c := suggest.NewClient(srv.URL, 2*time.Second)
		assert.True(t, strings.HasPrefix(c.BranchName(context.Background(), "prompt"), "task-"))
	})

	t.Run("persistent failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := suggest.NewClient(srv.URL, 1500*time.Millisecond)
		assert.True(t, strings.HasPrefix(c.BranchName(context.Background(), "prompt"), "task-"))
	})
}
