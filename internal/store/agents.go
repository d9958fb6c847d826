package store

import (
	"context"
	"encoding/json"

	"github.com/agentconsole/agentconsole/internal/errdefs"
)

const agentColumns = `id, name, agent_type, command_template, continue_template,
	headless_template, description, is_built_in, asking_patterns, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*AgentDefinition, error) {
	var a AgentDefinition
	var builtIn int
	var patterns *string
	err := row.Scan(&a.ID, &a.Name, &a.AgentType, &a.CommandTemplate,
		&a.ContinueTemplate, &a.HeadlessTemplate, &a.Description,
		&builtIn, &patterns, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.IsBuiltIn = builtIn != 0
	if patterns != nil && *patterns != "" {
		if err := json.Unmarshal([]byte(*patterns), &a.AskingPatterns); err != nil {
			return nil, errdefs.DataIntegrity("agent %s: malformed asking_patterns: %v", a.ID, err)
		}
	}
	return &a, nil
}

func marshalPatterns(ps []string) (*string, error) {
	if len(ps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// CreateAgent inserts an agent definition row.
func (s *Store) CreateAgent(ctx context.Context, a *AgentDefinition) error {
	patterns, err := marshalPatterns(a.AskingPatterns)
	if err != nil {
		return errdefs.Internal("marshal asking patterns", err)
	}
	builtIn := 0
	if a.IsBuiltIn {
		builtIn = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_definitions (id, name, agent_type, command_template,
			continue_template, headless_template, description, is_built_in, asking_patterns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.AgentType, a.CommandTemplate,
		a.ContinueTemplate, a.HeadlessTemplate, a.Description, builtIn, patterns)
	return wrapErr("create agent", err)
}

// GetAgent looks up an agent definition by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentDefinition, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("get agent", err)
	}
	return a, nil
}

// GetAgentByName looks up an agent definition by name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*AgentDefinition, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE name = ?`, name))
	if err != nil {
		return nil, wrapErr("get agent by name", err)
	}
	return a, nil
}

// ListAgents returns all agent definitions ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list agents", err)
	}
	defer rows.Close()

	var out []*AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapErr("scan agent", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list agents", rows.Err())
}

// UpdateAgent rewrites the mutable columns. is_built_in is immutable.
func (s *Store) UpdateAgent(ctx context.Context, a *AgentDefinition) error {
	patterns, err := marshalPatterns(a.AskingPatterns)
	if err != nil {
		return errdefs.Internal("marshal asking patterns", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_definitions
		SET name = ?, agent_type = ?, command_template = ?, continue_template = ?,
			headless_template = ?, description = ?, asking_patterns = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		a.Name, a.AgentType, a.CommandTemplate, a.ContinueTemplate,
		a.HeadlessTemplate, a.Description, patterns, a.ID)
	if err != nil {
		return wrapErr("update agent", err)
	}
	return requireRow(res, "update agent", err)
}

// DeleteAgent removes an agent definition. Built-in agents are
// undeletable; the caller enforces the no-referencing-sessions rule.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.IsBuiltIn {
		return errdefs.Conflict("built-in agent %q cannot be deleted", a.Name)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_definitions WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete agent", err)
	}
	return requireRow(res, "delete agent", err)
}

// CountWorkersUsingAgent counts persisted workers referencing the agent
// across all sessions. Used to enforce agent deletion safety.
func (s *Store) CountWorkersUsingAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, wrapErr("count workers using agent", err)
	}
	return n, nil
}
