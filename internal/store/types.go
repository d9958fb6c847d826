package store

import (
	"time"

	"github.com/agentconsole/agentconsole/internal/errdefs"
)

// SessionType discriminates the session variants.
type SessionType string

const (
	SessionWorktree SessionType = "worktree"
	SessionQuick    SessionType = "quick"
)

// ParseSessionType maps a stored tag to a SessionType. Unknown tags are
// a data-integrity error, never silently coerced.
func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(s) {
	case SessionWorktree, SessionQuick:
		return SessionType(s), nil
	}
	return "", errdefs.DataIntegrity("unknown session type %q", s)
}

// WorkerType discriminates the worker variants.
type WorkerType string

const (
	WorkerAgent    WorkerType = "agent"
	WorkerTerminal WorkerType = "terminal"
	WorkerGitDiff  WorkerType = "git-diff"
)

// ParseWorkerType maps a stored tag to a WorkerType.
func ParseWorkerType(s string) (WorkerType, error) {
	switch WorkerType(s) {
	case WorkerAgent, WorkerTerminal, WorkerGitDiff:
		return WorkerType(s), nil
	}
	return "", errdefs.DataIntegrity("unknown worker type %q", s)
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobStalled    JobStatus = "stalled"
)

// ParseJobStatus maps a stored tag to a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobPending, JobProcessing, JobCompleted, JobStalled:
		return JobStatus(s), nil
	}
	return "", errdefs.DataIntegrity("unknown job status %q", s)
}

// Repository is a registered local git checkout.
type Repository struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	SetupCommand   *string   `json:"setupCommand,omitempty"`
	CleanupCommand *string   `json:"cleanupCommand,omitempty"`
	EnvVars        *string   `json:"envVars,omitempty"` // dotenv text
	Description    *string   `json:"description,omitempty"`
	DefaultAgentID *string   `json:"defaultAgentId,omitempty"`
	SlackChannel   *string   `json:"slackChannel,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AgentDefinition is a template for launching an agent.
type AgentDefinition struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AgentType        string    `json:"agentType"`
	CommandTemplate  string    `json:"commandTemplate"`
	ContinueTemplate *string   `json:"continueTemplate,omitempty"`
	HeadlessTemplate *string   `json:"headlessTemplate,omitempty"`
	Description      *string   `json:"description,omitempty"`
	IsBuiltIn        bool      `json:"isBuiltIn"`
	AskingPatterns   []string  `json:"askingPatterns,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Session is a working-directory context owning a set of workers.
type Session struct {
	ID            string      `json:"id"`
	Type          SessionType `json:"type"`
	RepositoryID  *string     `json:"repositoryId,omitempty"`
	WorktreeID    *string     `json:"worktreeId,omitempty"`
	LocationPath  string      `json:"locationPath"`
	ServerPID     *int        `json:"serverPid,omitempty"`
	Title         *string     `json:"title,omitempty"`
	InitialPrompt *string     `json:"initialPrompt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Worker is a compute endpoint inside a session.
type Worker struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Type       WorkerType `json:"type"`
	Name       string     `json:"name"`
	AgentID    *string    `json:"agentId,omitempty"`
	PID        *int       `json:"pid,omitempty"`
	BaseCommit *string    `json:"baseCommit,omitempty"` // git-diff workers only
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Worktree is a managed git working tree of a repository.
type Worktree struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	IndexNumber  int       `json:"indexNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Job is a persisted unit of background work with priority and retry.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Payload     string     `json:"payload"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt int64      `json:"nextRetryAt"` // epoch milliseconds
	LastError   *string    `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
