package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/pkg/models"
)

const shAgent models.AgentVariant = "sh"

func newTestExecutor(t *testing.T, max int, opts ...Option) *Executor {
	t.Helper()
	spawner := harness.NewSpawner(harness.WithKillGrace(500 * time.Millisecond))
	pool := harness.NewPool(spawner, max, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	sh, err := adapter.NewCustom(adapter.CustomSpec{
		Name:    string(shAgent),
		Command: "sh",
		Args:    []string{"-c", "{goal}"},
	})
	require.NoError(t, err)
	missing, err := adapter.NewCustom(adapter.CustomSpec{
		Name:    "missing",
		Command: "fetch-definitely-missing-binary",
	})
	require.NoError(t, err)

	registry := adapter.NewRegistry()
	registry.Register(sh)
	registry.Register(missing)
	return New(pool, registry, opts...)
}

// recorder collects events; handlers run on the Execute goroutine but tests
// read from another one.
type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func request(goal string) Request {
	return Request{TaskID: "task-test", Agent: shAgent, Goal: goal, Timeout: 10 * time.Second}
}

func TestExecuteSuccess(t *testing.T) {
	exec := newTestExecutor(t, 2)
	workspace := t.TempDir()
	rec := &recorder{}

	req := request("echo 'Analyzing project...'; echo 'Created src/health.ts'; echo 'Modified src/app.ts'; echo 'Done.'")
	req.Workspace = workspace
	res := exec.Execute(context.Background(), req, rec.handle)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, FailureNone, res.Failure)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, []string{"src/health.ts"}, res.Files.Created)
	assert.Equal(t, []string{"src/app.ts"}, res.Files.Modified)
	assert.Contains(t, res.Output, "Created src/health.ts")
	assert.NotEmpty(t, res.Summary)
	assert.NotEmpty(t, res.ExecutionID)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventStarted, types[0])
	assert.Equal(t, EventCompleted, types[len(types)-1])
	for _, typ := range types[:len(types)-1] {
		assert.False(t, typ.IsTerminal(), "only the last event may be terminal")
	}

	ops := rec.ofType(EventFileOp)
	require.Len(t, ops, 2)
	assert.Equal(t, "src/health.ts", ops[0].Path)
	assert.Len(t, rec.ofType(EventProgress), 1)

	final := rec.ofType(EventCompleted)[0]
	require.NotNil(t, final.Result)
	assert.Equal(t, res.ExecutionID, final.ExecutionID)
	assert.Equal(t, "task-test", final.TaskID)

	_, live := exec.Get(res.ExecutionID)
	assert.False(t, live, "finished executions are forgotten")
}

func TestExecuteNonZeroExit(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	res := exec.Execute(context.Background(), request("echo 'Created a.txt'; echo 'boom' >&2; exit 3"), rec.handle)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureRuntime, res.Failure)
	assert.True(t, res.Failure.Retriable())
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, []string{"a.txt"}, res.Files.Created, "partial file changes are reported")
	assert.Len(t, rec.ofType(EventFailed), 1)
}

func TestExecuteFilesAfterTranscriptCap(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	// Well past the transcript cap, then one more file operation.
	goal := "echo 'Created src/early.go'; head -c 1200000 /dev/zero | tr '\\0' 'a'; echo; echo 'Created src/late.go'; echo 'Done.'"
	res := exec.Execute(context.Background(), request(goal), rec.handle)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"src/early.go", "src/late.go"}, res.Files.Created)
	assert.LessOrEqual(t, len(res.Output), maxTranscript)
}

func TestExecuteFilesFromBothStreams(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	goal := "echo 'Created src/out.go'; echo 'Modified src/err.go' >&2; echo 'Deleted src/old.go'"
	res := exec.Execute(context.Background(), request(goal), rec.handle)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"src/out.go"}, res.Files.Created)
	assert.Equal(t, []string{"src/err.go"}, res.Files.Modified)
	assert.Equal(t, []string{"src/old.go"}, res.Files.Deleted)
}

func TestExecuteUnknownAgent(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	req := request("true")
	req.Agent = "nope"
	res := exec.Execute(context.Background(), req, rec.handle)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureConfig, res.Failure)
	assert.False(t, res.Failure.Retriable())
	assert.ErrorIs(t, res.Err, adapter.ErrUnknownAgent)
	assert.Equal(t, []EventType{EventFailed}, rec.types())
}

func TestExecuteSpawnFailure(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	req := request("anything")
	req.Agent = "missing"
	res := exec.Execute(context.Background(), req, rec.handle)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureSpawn, res.Failure)
	assert.Equal(t, []EventType{EventFailed}, rec.types())
}

func TestExecuteTimeout(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}

	req := request("echo working; sleep 10")
	req.Timeout = 200 * time.Millisecond
	start := time.Now()
	res := exec.Execute(context.Background(), req, rec.handle)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusKilled, res.Status)
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Contains(t, res.Error, "timed out")
	assert.Len(t, rec.ofType(EventKilled), 1)
}

func TestExecuteQuestionAndReply(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}
	rec.hook = func(ev Event) {
		if ev.Type == EventQuestion {
			assert.NoError(t, exec.SendInput(ev.ExecutionID, "  yes  "))
		}
	}

	res := exec.Execute(context.Background(),
		request("echo 'Overwrite existing config?'; read answer; echo \"answer=$answer\"; echo 'Created config.yaml'"),
		rec.handle)

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "answer=yes")
	assert.Equal(t, []string{"config.yaml"}, res.Files.Created)

	questions := rec.ofType(EventQuestion)
	require.Len(t, questions, 1, "an answered question is raised once")
	assert.Equal(t, "Overwrite existing config?", questions[0].Question)
	assert.Len(t, rec.ofType(EventResumed), 1)

	types := rec.types()
	qi, ri := -1, -1
	for i, typ := range types {
		switch typ {
		case EventQuestion:
			qi = i
		case EventResumed:
			ri = i
		}
	}
	assert.Less(t, qi, ri, "resumed follows the question")
}

func TestSendInputErrors(t *testing.T) {
	exec := newTestExecutor(t, 1)

	err := exec.SendInput("missing", "x")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	started := make(chan string, 1)
	rec := &recorder{hook: func(ev Event) {
		if ev.Type == EventStarted {
			started <- ev.ExecutionID
		}
	}}
	done := make(chan Result, 1)
	go func() { done <- exec.Execute(context.Background(), request("sleep 0.5"), rec.handle) }()

	id := <-started
	assert.ErrorIs(t, exec.SendInput(id, "hello"), ErrNotWaitingInput)
	<-done
}

func TestKillRunningExecution(t *testing.T) {
	exec := newTestExecutor(t, 1)
	rec := &recorder{}
	rec.hook = func(ev Event) {
		if ev.Type == EventStarted {
			go func() { assert.NoError(t, exec.Kill(ev.ExecutionID)) }()
		}
	}

	res := exec.Execute(context.Background(), request("echo started; sleep 10"), rec.handle)

	assert.Equal(t, StatusKilled, res.Status)
	assert.Equal(t, FailureKilled, res.Failure)
	assert.False(t, res.Failure.Retriable())
	assert.Equal(t, EventKilled, rec.types()[len(rec.types())-1])
}

func TestContextCancelKillsExecution(t *testing.T) {
	exec := newTestExecutor(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{hook: func(ev Event) {
		if ev.Type == EventStarted {
			cancel()
		}
	}}
	res := exec.Execute(ctx, request("sleep 10"), rec.handle)

	assert.Equal(t, StatusKilled, res.Status)
	assert.Equal(t, FailureKilled, res.Failure)
}

func TestKillQueuedExecution(t *testing.T) {
	exec := newTestExecutor(t, 1)

	first := make(chan Result, 1)
	go func() { first <- exec.Execute(context.Background(), request("sleep 1"), nil) }()
	require.Eventually(t, func() bool {
		info, ok := exec.ActiveForTask("task-test")
		return ok && info.Status == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	queuedReq := request("echo never")
	queuedReq.TaskID = "task-queued"
	second := make(chan Result, 1)
	rec := &recorder{}
	go func() { second <- exec.Execute(context.Background(), queuedReq, rec.handle) }()

	var info ExecutionInfo
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = exec.ActiveForTask("task-queued")
		return ok && info.Status == StatusQueued
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, exec.Kill(info.ID))
	res := <-second
	assert.Equal(t, StatusKilled, res.Status)
	assert.Equal(t, []EventType{EventKilled}, rec.types(), "a withdrawn request never starts")

	assert.True(t, (<-first).Success)
}

func TestExecuteWritesTranscript(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	exec := newTestExecutor(t, 1, WithLogDir(dir))

	res := exec.Execute(context.Background(), request("echo hello transcript"), nil)

	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.LogFile)
	data, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello transcript")
	assert.Contains(t, string(data), "# task=task-test")
}

func TestList(t *testing.T) {
	exec := newTestExecutor(t, 1)
	assert.Empty(t, exec.List())

	started := make(chan struct{})
	rec := &recorder{hook: func(ev Event) {
		if ev.Type == EventStarted {
			close(started)
		}
	}}
	done := make(chan Result, 1)
	go func() { done <- exec.Execute(context.Background(), request("sleep 0.3"), rec.handle) }()
	<-started

	list := exec.List()
	require.Len(t, list, 1)
	assert.Equal(t, shAgent, list[0].Agent)
	assert.Equal(t, "sh", list[0].Config.Command)
	<-done
	assert.Empty(t, exec.List())
}
