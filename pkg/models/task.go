// Package models defines the core domain types for the fetch harness orchestrator.
package models

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusWaitingInput TaskStatus = "waiting_input"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// ValidStatus checks if a status is one of the known task statuses.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusWaitingInput,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether the status counts toward the single active task.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning || s == TaskStatusWaitingInput
}

// transitions is the task state machine. Terminal states have no entry.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {
		TaskStatusWaitingInput,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	},
	TaskStatusWaitingInput: {
		TaskStatusRunning,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	},
}

// CanTransition reports whether from -> to is allowed by the task state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentVariant identifies which coding-agent CLI runs a task.
type AgentVariant string

const (
	// AgentAuto lets the task manager pick a concrete variant.
	AgentAuto     AgentVariant = "auto"
	AgentClaude   AgentVariant = "claude"
	AgentCopilot  AgentVariant = "copilot"
	AgentGemini   AgentVariant = "gemini"
	AgentOpenCode AgentVariant = "opencode"
)

// DefaultAgent returns the variant used when "auto" is requested and nothing
// else is configured.
func DefaultAgent() AgentVariant {
	return AgentClaude
}

// Constraints bound how a task may be executed.
type Constraints struct {
	Timeout         Duration `json:"timeout,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	PathScope       string   `json:"path_scope,omitempty"`
	MaxRetries      int      `json:"max_retries,omitempty"`
}

// ProgressEntry is one line of a task's progress log.
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Files     []string  `json:"files,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
}

// FileChanges groups the files an agent reported touching.
type FileChanges struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// Empty reports whether no file operation was recorded.
func (f FileChanges) Empty() bool {
	return len(f.Created) == 0 && len(f.Modified) == 0 && len(f.Deleted) == 0
}

// TaskResult is the terminal outcome recorded on a task.
type TaskResult struct {
	Success       bool     `json:"success"`
	Summary       string   `json:"summary,omitempty"`
	FilesCreated  []string `json:"files_created,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	FilesDeleted  []string `json:"files_deleted,omitempty"`
	OutputTail    string   `json:"output_tail,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	Error         string   `json:"error,omitempty"`
	Duration      Duration `json:"duration,omitempty"`
}

// Task represents a unit of delegated coding work.
type Task struct {
	ID              string          `json:"id"`
	Goal            string          `json:"goal"`
	Workspace       string          `json:"workspace"`
	Agent           AgentVariant    `json:"agent"`
	Status          TaskStatus      `json:"status"`
	Priority        int             `json:"priority,omitempty"`
	Constraints     Constraints     `json:"constraints"`
	Progress        []ProgressEntry `json:"progress,omitempty"`
	Result          *TaskResult     `json:"result,omitempty"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	RetryCount      int             `json:"retry_count,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	LogFile         string          `json:"log_file,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	// Remove quotes
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsActive returns true if the task is pending, running or waiting for input.
func (t *Task) IsActive() bool {
	return t.Status.IsActive()
}

// Clone returns a deep copy safe to hand out of a lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Progress != nil {
		c.Progress = make([]ProgressEntry, len(t.Progress))
		for i, p := range t.Progress {
			c.Progress[i] = p
			c.Progress[i].Files = append([]string(nil), p.Files...)
			if p.Percent != nil {
				v := *p.Percent
				c.Progress[i].Percent = &v
			}
		}
	}
	if t.Result != nil {
		r := *t.Result
		r.FilesCreated = append([]string(nil), t.Result.FilesCreated...)
		r.FilesModified = append([]string(nil), t.Result.FilesModified...)
		r.FilesDeleted = append([]string(nil), t.Result.FilesDeleted...)
		if t.Result.ExitCode != nil {
			code := *t.Result.ExitCode
			r.ExitCode = &code
		}
		c.Result = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string       `json:"id"`
	Goal        string       `json:"goal"`
	Workspace   string       `json:"workspace"`
	Agent       AgentVariant `json:"agent"`
	Status      TaskStatus   `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Duration    string       `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Goal:        truncateString(t.Goal, 100),
		Workspace:   t.Workspace,
		Agent:       t.Agent,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// SubmitRequest represents a request to delegate a goal to a coding agent.
type SubmitRequest struct {
	Goal            string       `json:"goal"`
	Workspace       string       `json:"workspace"`
	Agent           AgentVariant `json:"agent,omitempty"`
	Timeout         string       `json:"timeout,omitempty"`
	RequireApproval bool         `json:"require_approval,omitempty"`
	PathScope       string       `json:"path_scope,omitempty"`
	MaxRetries      *int         `json:"max_retries,omitempty"`
	SessionID       string       `json:"session_id,omitempty"`
	Background      bool         `json:"background"`
}

// InputRequest carries a user's reply to a pending question.
type InputRequest struct {
	Text string `json:"text"`
}
