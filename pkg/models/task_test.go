package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus(t *testing.T) {
	task := &Task{
		ID:     "test-1",
		Status: TaskStatusPending,
	}

	assert.True(t, task.IsActive())
	assert.False(t, task.IsTerminal())

	task.Status = TaskStatusWaitingInput
	assert.True(t, task.IsActive())
	assert.False(t, task.IsTerminal())

	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		task.Status = s
		assert.True(t, task.IsTerminal(), "status %s", s)
		assert.False(t, task.IsActive(), "status %s", s)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]TaskStatus]bool{
		{TaskStatusPending, TaskStatusRunning}:          true,
		{TaskStatusPending, TaskStatusCancelled}:        true,
		{TaskStatusRunning, TaskStatusWaitingInput}:     true,
		{TaskStatusRunning, TaskStatusCompleted}:        true,
		{TaskStatusRunning, TaskStatusFailed}:           true,
		{TaskStatusRunning, TaskStatusCancelled}:        true,
		{TaskStatusWaitingInput, TaskStatusRunning}:     true,
		{TaskStatusWaitingInput, TaskStatusCompleted}:   true,
		{TaskStatusWaitingInput, TaskStatusFailed}:      true,
		{TaskStatusWaitingInput, TaskStatusCancelled}:   true,
	}

	all := []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusWaitingInput,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]TaskStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		assert.Empty(t, transitions[s], "terminal status %s must not have transitions", s)
	}
}

func TestTaskToSummary(t *testing.T) {
	now := time.Now()
	later := now.Add(5 * time.Minute)

	task := &Task{
		ID:          "test-1",
		Goal:        "Test goal",
		Workspace:   "/test/dir",
		Status:      TaskStatusCompleted,
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &later,
	}

	summary := task.ToSummary()

	assert.Equal(t, task.ID, summary.ID)
	assert.Equal(t, task.Goal, summary.Goal)
	assert.Equal(t, "5m0s", summary.Duration)
}

func TestTaskToSummaryTruncatesLongGoal(t *testing.T) {
	task := &Task{
		ID:        "test-1",
		Goal:      strings.Repeat("a", 150),
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}

	summary := task.ToSummary()

	assert.LessOrEqual(t, len(summary.Goal), 100)
	assert.True(t, strings.HasSuffix(summary.Goal, "..."))
}

func TestTaskCloneIsDeep(t *testing.T) {
	pct := 40
	code := 0
	task := &Task{
		ID:       "clone-1",
		Progress: []ProgressEntry{{Message: "working", Files: []string{"a.go"}, Percent: &pct}},
		Result:   &TaskResult{FilesCreated: []string{"b.go"}, ExitCode: &code},
	}

	c := task.Clone()
	c.Progress[0].Files[0] = "changed.go"
	*c.Progress[0].Percent = 99
	c.Result.FilesCreated[0] = "changed.go"
	*c.Result.ExitCode = 3

	assert.Equal(t, "a.go", task.Progress[0].Files[0])
	assert.Equal(t, 40, *task.Progress[0].Percent)
	assert.Equal(t, "b.go", task.Result.FilesCreated[0])
	assert.Equal(t, 0, *task.Result.ExitCode)
}

func TestDurationMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))
}

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected Duration
	}{
		{`"5m"`, Duration(5 * time.Minute)},
		{`"1h30m"`, Duration(90 * time.Minute)},
		{`"30s"`, Duration(30 * time.Second)},
		{`""`, Duration(0)},
	}

	for _, tt := range tests {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(tt.input), &d), tt.input)
		assert.Equal(t, tt.expected, d, tt.input)
	}
}
