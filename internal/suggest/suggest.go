// Package suggest calls an optional external metadata suggester to
// propose branch names from a session's initial prompt.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentconsole/agentconsole/internal/validate"
)

// Client talks to the metadata suggester service. A nil or unconfigured
// client always falls back.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a Client. baseURL may be empty, which disables
// remote suggestions entirely.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// FallbackBranchName is the branch used when the suggester is absent or
// fails: task-<epoch_ms>.
func FallbackBranchName() string {
	return "task-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// BranchName proposes a branch name for the prompt. Remote failures
// and invalid suggestions degrade to the timestamp fallback; this never
// returns an error because worktree creation must not be blocked by a
// cosmetic service.
func (c *Client) BranchName(ctx context.Context, prompt string) string {
	if c == nil || c.baseURL == "" || prompt == "" {
		return FallbackBranchName()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second

	name, err := backoff.Retry(ctx, func() (string, error) {
		return c.requestBranchName(ctx, prompt)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.timeout))
	if err != nil {
		return FallbackBranchName()
	}
	if validate.BranchName(name) != nil {
		return FallbackBranchName()
	}
	return name
}

func (c *Client) requestBranchName(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/branch-name", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("suggester returned status %d", resp.StatusCode)
	}

	var out struct {
		BranchName string `json:"branchName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.BranchName == "" {
		return "", fmt.Errorf("suggester returned empty branch name")
	}
	return out.BranchName, nil
}
