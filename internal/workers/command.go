package workers

import (
	"strings"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/store"
)

// BuildAgentCommand expands an agent command template for a session.
// {{prompt}} is replaced by the initial prompt verbatim (quoting is the
// template author's concern) and {{cwd}} by the session's location.
func BuildAgentCommand(template, prompt, cwd string) string {
	out := strings.ReplaceAll(template, "{{prompt}}", prompt)
	out = strings.ReplaceAll(out, "{{cwd}}", cwd)
	return out
}

// resolveTemplate picks the template for a (re)start: the continue
// template when requested and present, otherwise the command template.
func resolveTemplate(agent *store.AgentDefinition, continueConversation bool) string {
	if continueConversation && agent.ContinueTemplate != nil && *agent.ContinueTemplate != "" {
		return *agent.ContinueTemplate
	}
	return agent.CommandTemplate
}

// ValidateAgentTemplates enforces the placeholder contract at save
// time: command and headless templates must carry {{prompt}}.
func ValidateAgentTemplates(a *store.AgentDefinition) error {
	if a.CommandTemplate == "" {
		return errdefs.Validation("command template is required")
	}
	if !strings.Contains(a.CommandTemplate, "{{prompt}}") {
		return errdefs.Validation("command template must contain {{prompt}}")
	}
	if a.HeadlessTemplate != nil && *a.HeadlessTemplate != "" &&
		!strings.Contains(*a.HeadlessTemplate, "{{prompt}}") {
		return errdefs.Validation("headless template must contain {{prompt}}")
	}
	return nil
}
