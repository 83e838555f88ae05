package executor

import (
	"time"

	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/parser"
	"github.com/sevir/fetch/pkg/models"
)

// EventType names an execution lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventOutput    EventType = "output"
	EventProgress  EventType = "progress"
	EventFileOp    EventType = "file_op"
	EventQuestion  EventType = "question"
	EventResumed   EventType = "resumed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventKilled    EventType = "killed"
)

// IsTerminal reports whether the event ends the execution.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventKilled
}

// Event is delivered to the handler passed to Execute, in order, from the
// goroutine running Execute.
type Event struct {
	Type        EventType
	ExecutionID string
	TaskID      string
	Time        time.Time
	Stream      harness.Stream
	Line        string
	Question    string
	Op          parser.FileOp
	Path        string
	Percent     *int
	LogFile     string // set on EventStarted when transcripts are enabled
	Result      *Result
}

// Status is the executor's view of one execution.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusKilled       Status = "killed"
)

// IsTerminal reports whether the execution has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Request describes one attempt to run a goal.
type Request struct {
	TaskID    string
	Agent     models.AgentVariant
	Goal      string
	Workspace string
	// Timeout of zero means no timeout.
	Timeout time.Duration
}

// FailureKind classifies why an execution did not succeed.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureConfig  FailureKind = "config"
	FailureSpawn   FailureKind = "spawn"
	FailureRuntime FailureKind = "runtime"
	FailureTimeout FailureKind = "timeout"
	FailureKilled  FailureKind = "killed"
)

// Retriable reports whether another attempt could plausibly succeed.
func (k FailureKind) Retriable() bool {
	return k == FailureRuntime || k == FailureTimeout
}

// Result is the terminal record of an execution. Execute always returns one.
type Result struct {
	ExecutionID string             `json:"execution_id"`
	Success     bool               `json:"success"`
	Status      Status             `json:"status"`
	Output      string             `json:"output,omitempty"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	Error       string             `json:"error,omitempty"`
	Failure     FailureKind        `json:"failure,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Files       models.FileChanges `json:"files"`
	Summary     string             `json:"summary,omitempty"`
	LogFile     string             `json:"log_file,omitempty"`
	Err         error              `json:"-"`
}

// ExecutionInfo is a snapshot of a live execution.
type ExecutionInfo struct {
	ID         string              `json:"id"`
	TaskID     string              `json:"task_id"`
	Agent      models.AgentVariant `json:"agent"`
	Status     Status              `json:"status"`
	InstanceID string              `json:"instance_id,omitempty"`
	Config     harness.SpawnConfig `json:"-"`
	Question   string              `json:"question,omitempty"`
	Events     int                 `json:"events"`
	StartedAt  time.Time           `json:"started_at"`
}
