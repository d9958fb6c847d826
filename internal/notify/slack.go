// Package notify posts lifecycle notifications to Slack channels
// configured per repository.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Notifier posts messages to Slack. A Notifier built without a token is
// a no-op, so callers never need to branch on configuration.
type Notifier struct {
	client  *slack.Client
	timeout time.Duration
}

// NewNotifier creates a Notifier. An empty token disables posting.
func NewNotifier(token string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	n := &Notifier{timeout: timeout}
	if token != "" {
		n.client = slack.New(token)
	}
	return n
}

// Enabled reports whether a Slack token is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil
}

// Post sends a plain-text message to the channel. Failures are logged
// and swallowed: notification delivery is best-effort by contract.
func (n *Notifier) Post(ctx context.Context, channel, text string) {
	if !n.Enabled() || channel == "" || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	_, _, err := n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("slack notification failed", "channel", channel, "error", err)
	}
}

// SessionCreated announces a new session in a repository channel.
func (n *Notifier) SessionCreated(ctx context.Context, channel, title, branch string) {
	if title == "" {
		title = "untitled session"
	}
	msg := ":seedling: New session *" + title + "*"
	if branch != "" {
		msg += " on `" + branch + "`"
	}
	n.Post(ctx, channel, msg)
}

// WebhookReceived announces an ingested external event.
func (n *Notifier) WebhookReceived(ctx context.Context, channel, summary string) {
	n.Post(ctx, channel, ":inbox_tray: "+summary)
}
