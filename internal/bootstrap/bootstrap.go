// Package bootstrap seeds the built-in agent definitions on first run.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

func ptr(s string) *string { return &s }

// builtinAgents are seeded once and cannot be deleted afterwards.
var builtinAgents = []store.AgentDefinition{
	{
		Name:             "claude",
		AgentType:        "claude",
		CommandTemplate:  `claude "{{prompt}}"`,
		ContinueTemplate: ptr(`claude --continue`),
		HeadlessTemplate: ptr(`claude -p "{{prompt}}" --output-format stream-json`),
		Description:      ptr("Anthropic Claude CLI agent"),
		IsBuiltIn:        true,
		AskingPatterns: []string{
			`Do you want to .*\?`,
			`❯\s*1\. Yes`,
			`\(y/n\)\s*$`,
		},
	},
	{
		Name:            "codex",
		AgentType:       "codex",
		CommandTemplate: `codex "{{prompt}}"`,
		Description:     ptr("OpenAI Codex CLI agent"),
		IsBuiltIn:       true,
		AskingPatterns: []string{
			`Allow command\?`,
			`\(y/n\)\s*$`,
		},
	},
}

// Run inserts any missing built-in agents. Existing rows (matched by
// name) are left untouched so user edits to patterns survive upgrades.
func Run(ctx context.Context, st *store.Store) error {
	created := 0
	for i := range builtinAgents {
		a := builtinAgents[i]
		if _, err := st.GetAgentByName(ctx, a.Name); err == nil {
			continue
		} else if !errdefs.IsNotFound(err) {
			return fmt.Errorf("check built-in agent %q: %w", a.Name, err)
		}
		a.ID = id.New()
		if err := st.CreateAgent(ctx, &a); err != nil {
			return fmt.Errorf("seed built-in agent %q: %w", a.Name, err)
		}
		created++
	}
	if created > 0 {
		slog.Info("bootstrap: seeded built-in agents", "count", created)
	}
	return nil
}
