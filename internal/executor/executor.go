// Package executor runs a goal through an adapter and the harness pool and
// reports the lifecycle of each execution as ordered events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/logging"
	"github.com/sevir/fetch/internal/parser"
)

const (
	// recentTailSize bounds the output window handed to DetectQuestion.
	recentTailSize = 4 * 1024
	// maxTranscript bounds each transcript kept for post-hoc extraction.
	maxTranscript = 1024 * 1024
	// maxRecordedEvents bounds the per-execution event history.
	maxRecordedEvents = 10000
	// controlBuffer is the capacity for events injected by SendInput.
	controlBuffer = 16
)

var (
	// ErrExecutionNotFound is returned for unknown or finished executions.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrNotWaitingInput is returned by SendInput when no question is pending.
	ErrNotWaitingInput = errors.New("execution is not waiting for input")
	// ErrInputRejected is returned when the process no longer accepts input.
	ErrInputRejected = errors.New("process did not accept input")
	// ErrNotRunning is returned by Kill when there is nothing left to kill.
	ErrNotRunning = errors.New("execution is not running")
)

// Executor composes adapters, the pool and the parser.
type Executor struct {
	pool     *harness.Pool
	registry *adapter.Registry
	logger   *slog.Logger
	logDir   string

	mu         sync.Mutex
	executions map[string]*execution
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithLogDir enables per-execution transcript files under dir.
func WithLogDir(dir string) Option {
	return func(e *Executor) { e.logDir = dir }
}

// New creates an executor.
func New(pool *harness.Pool, registry *adapter.Registry, opts ...Option) *Executor {
	e := &Executor{
		pool:       pool,
		registry:   registry,
		logger:     logging.Nop(),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logDir != "" {
		if abs, err := filepath.Abs(e.logDir); err == nil {
			e.logDir = abs
		}
		if err := os.MkdirAll(e.logDir, 0755); err != nil {
			e.logger.Warn("cannot create log dir, transcripts disabled", "log_dir", e.logDir, "error", err)
			e.logDir = ""
		}
	}
	return e
}

type execution struct {
	id        string
	req       Request
	adapter   adapter.Adapter
	cfg       harness.SpawnConfig
	startedAt time.Time
	control   chan Event

	mu         sync.Mutex
	status     Status
	handle     *harness.Handle
	instanceID string
	question   string
	userKilled bool
	events     []Event
	eventCount int
}

func (x *execution) info() ExecutionInfo {
	x.mu.Lock()
	defer x.mu.Unlock()
	return ExecutionInfo{
		ID:         x.id,
		TaskID:     x.req.TaskID,
		Agent:      x.req.Agent,
		Status:     x.status,
		InstanceID: x.instanceID,
		Config:     x.cfg,
		Question:   x.question,
		Events:     x.eventCount,
		StartedAt:  x.startedAt,
	}
}

// Execute runs req to completion and returns its result. handle, when not
// nil, receives every lifecycle event in order, ending with exactly one of
// EventCompleted, EventFailed or EventKilled. Execute never returns an error;
// failures are reported in the Result. Cancelling ctx kills the process.
func (e *Executor) Execute(ctx context.Context, req Request, handle func(Event)) Result {
	start := time.Now()
	x := &execution{
		id:        uuid.New().String(),
		req:       req,
		startedAt: start,
		status:    StatusQueued,
		control:   make(chan Event, controlBuffer),
	}
	emit := func(ev Event) {
		ev.ExecutionID = x.id
		ev.TaskID = req.TaskID
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		x.mu.Lock()
		x.eventCount++
		if len(x.events) < maxRecordedEvents {
			x.events = append(x.events, ev)
		}
		x.mu.Unlock()
		if handle != nil {
			handle(ev)
		}
	}
	finish := func(r Result) Result {
		r.ExecutionID = x.id
		r.Duration = time.Since(start)
		x.mu.Lock()
		x.status = r.Status
		x.mu.Unlock()

		var typ EventType
		switch r.Status {
		case StatusCompleted:
			typ = EventCompleted
		case StatusKilled:
			typ = EventKilled
		default:
			typ = EventFailed
		}
		emit(Event{Type: typ, Result: &r})
		e.logResult(x, r)
		return r
	}

	a, err := e.registry.Get(req.Agent)
	if err != nil {
		return finish(Result{Status: StatusFailed, Failure: FailureConfig, Error: err.Error(), Err: err})
	}
	x.adapter = a
	x.cfg = a.BuildConfig(req.Goal, req.Workspace, req.Timeout)

	e.mu.Lock()
	e.executions[x.id] = x
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.executions, x.id)
		e.mu.Unlock()
	}()

	e.logger.Info("execution queued",
		"task_event", "execution_queued",
		"task_id", req.TaskID,
		"execution_id", x.id,
		"agent", req.Agent,
		"command", x.cfg.Command,
		"work_dir", x.cfg.WorkDir,
	)

	h := e.pool.Acquire(x.cfg)
	x.mu.Lock()
	x.handle = h
	killedWhileQueued := x.userKilled
	x.mu.Unlock()
	if killedWhileQueued {
		h.Cancel()
	}

	inst, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Cancel()
			// The handle may have resolved concurrently with ctx.
			if inst, _ = h.Wait(context.Background()); inst != nil {
				x.mu.Lock()
				x.userKilled = true
				x.mu.Unlock()
				e.pool.Kill(inst.ID)
				return e.run(ctx, x, inst, emit, finish)
			}
			return finish(Result{Status: StatusKilled, Failure: FailureKilled, Error: "cancelled before start", Err: ctx.Err()})
		}
		if errors.Is(err, harness.ErrCancelled) {
			return finish(Result{Status: StatusKilled, Failure: FailureKilled, Error: "killed before start", Err: err})
		}
		var spawnErr *harness.SpawnError
		if errors.As(err, &spawnErr) || errors.Is(err, harness.ErrPoolClosed) {
			return finish(Result{Status: StatusFailed, Failure: FailureSpawn, Error: err.Error(), Err: err})
		}
		return finish(Result{Status: StatusFailed, Failure: FailureRuntime, Error: err.Error(), Err: err})
	}

	return e.run(ctx, x, inst, emit, finish)
}

// run consumes the instance event stream until the process exits.
func (e *Executor) run(ctx context.Context, x *execution, inst *harness.Instance, emit func(Event), finish func(Result) Result) Result {
	defer e.pool.Release(inst.ID)

	x.mu.Lock()
	x.instanceID = inst.ID
	x.status = StatusRunning
	x.mu.Unlock()

	logFile, logPath := e.openTranscript(x)
	if logFile != nil {
		defer logFile.Close()
	}

	emit(Event{Type: EventStarted, LogFile: logPath})

	parsers := map[harness.Stream]*parser.Parser{
		harness.StreamStdout: parser.New(),
		harness.StreamStderr: parser.New(),
	}
	// Each stream keeps its own line-aligned transcript for post-hoc file and
	// summary extraction. Transcripts are capped, so file operations seen
	// live are kept as well.
	streamOut := map[harness.Stream]*cappedTranscript{
		harness.StreamStdout: {},
		harness.StreamStderr: {},
	}
	var transcript cappedTranscript
	var recent strings.Builder
	liveFiles := parser.NewFileSet()
	// Output before a raised question is dropped from the detection window so
	// an answered question is not raised again.
	detect := func() {
		if e.detectQuestion(x, recent.String(), emit) {
			recent.Reset()
		}
	}

	handleLine := func(stream harness.Stream, line string) {
		ev, ok := x.adapter.ParseOutputLine(line)
		out := Event{Type: EventOutput, Stream: stream, Line: line}
		if ok {
			switch ev.Type {
			case parser.EventProgress:
				out.Type = EventProgress
				out.Percent = ev.Percent
			case parser.EventFileOp:
				out.Type = EventFileOp
				out.Op = ev.Op
				out.Path = ev.Path
				liveFiles.Add(ev.Op, ev.Path)
			}
		}
		if strings.TrimSpace(line) != "" {
			emit(out)
		}
		if ok && ev.Type == parser.EventQuestion {
			detect()
		}
	}
	feed := func(stream harness.Stream, events []parser.Event) {
		for _, pe := range events {
			if pe.Type == parser.EventLine {
				handleLine(stream, pe.Line)
			}
		}
	}

	ctxDone := ctx.Done()
	var exited *harness.Event
	for exited == nil {
		select {
		case ev, ok := <-inst.Events():
			if !ok {
				// Stream closed without an exit event: the instance was removed.
				info := inst.Info()
				exited = &harness.Event{Kind: harness.EventExited, Status: info.Status, ExitCode: info.ExitCode, Err: info.Err}
				break
			}
			switch ev.Kind {
			case harness.EventOutput:
				if logFile != nil {
					_, _ = io.WriteString(logFile, ev.Data)
				}
				transcript.write(ev.Data)
				if t := streamOut[ev.Stream]; t != nil {
					t.write(ev.Data)
				}
				appendTail(&recent, ev.Data)
				feed(ev.Stream, parsers[ev.Stream].Write(ev.Data))
			case harness.EventStatus:
				if ev.Status == harness.StatusWaitingInput {
					detect()
				}
			case harness.EventExited:
				exited = &ev
			}
		case ev := <-x.control:
			emit(ev)
		case <-ctxDone:
			ctxDone = nil
			x.mu.Lock()
			x.userKilled = true
			x.mu.Unlock()
			e.pool.Kill(inst.ID)
		}
	}

	for stream, p := range parsers {
		feed(stream, p.Flush())
	}
	// Drain resumed events queued by a SendInput racing the exit.
	for drained := false; !drained; {
		select {
		case ev := <-x.control:
			emit(ev)
		default:
			drained = true
		}
	}

	files := parser.NewFileSet()
	files.Merge(x.adapter.ExtractFileOperations(streamOut[harness.StreamStdout].String()))
	files.Merge(x.adapter.ExtractFileOperations(streamOut[harness.StreamStderr].String()))
	files.Merge(liveFiles.Changes())

	output := transcript.String()
	summary := x.adapter.ExtractSummary(streamOut[harness.StreamStdout].String())
	if summary == "" {
		summary = x.adapter.ExtractSummary(output)
	}
	result := Result{
		Output:   output,
		ExitCode: exited.ExitCode,
		Files:    files.Changes(),
		Summary:  summary,
		LogFile:  logPath,
		Err:      exited.Err,
	}

	x.mu.Lock()
	userKilled := x.userKilled
	x.mu.Unlock()

	switch exited.Status {
	case harness.StatusCompleted:
		result.Success = true
		result.Status = StatusCompleted
	case harness.StatusKilled:
		result.Status = StatusKilled
		if errors.Is(exited.Err, harness.ErrTimeout) {
			result.Failure = FailureTimeout
			result.Error = fmt.Sprintf("timed out after %s", x.cfg.Timeout)
		} else {
			result.Failure = FailureKilled
			result.Error = "killed"
			if !userKilled {
				result.Failure = FailureRuntime
				result.Error = "killed by signal"
			}
		}
	default:
		result.Status = StatusFailed
		result.Failure = FailureRuntime
		result.Error = failureMessage(exited, inst.Info().Stderr)
	}
	return finish(result)
}

// detectQuestion asks the adapter whether the recent output really ends in a
// question. Only a confirmed question moves the execution to waiting_input.
func (e *Executor) detectQuestion(x *execution, recent string, emit func(Event)) bool {
	q, ok := x.adapter.DetectQuestion(recent)
	if !ok {
		return false
	}
	x.mu.Lock()
	if x.status != StatusRunning {
		x.mu.Unlock()
		return false
	}
	x.status = StatusWaitingInput
	x.question = q
	x.mu.Unlock()
	emit(Event{Type: EventQuestion, Question: q})
	return true
}

// SendInput formats text with the execution's adapter and writes it to the
// process. The execution must be waiting for input.
func (e *Executor) SendInput(executionID, text string) error {
	x, ok := e.lookup(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status != StatusWaitingInput {
		return fmt.Errorf("%w: %s is %s", ErrNotWaitingInput, executionID, x.status)
	}
	if !e.pool.SendInput(x.instanceID, x.adapter.FormatResponse(text)) {
		return fmt.Errorf("%w: %s", ErrInputRejected, executionID)
	}
	x.status = StatusRunning
	x.question = ""
	select {
	case x.control <- Event{Type: EventResumed, Time: time.Now()}:
	default:
		e.logger.Warn("resumed event dropped", "execution_id", executionID)
	}
	return nil
}

// Kill terminates a live execution, or withdraws it if it is still queued.
// The terminal EventKilled is emitted by Execute.
func (e *Executor) Kill(executionID string) error {
	x, ok := e.lookup(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	x.mu.Lock()
	if x.status.IsTerminal() {
		x.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, executionID)
	}
	x.userKilled = true
	h := x.handle
	instanceID := x.instanceID
	x.mu.Unlock()

	e.logger.Info("killing execution", "task_event", "kill", "task_id", x.req.TaskID, "execution_id", executionID)
	if instanceID != "" {
		if !e.pool.Kill(instanceID) {
			return fmt.Errorf("%w: %s", ErrNotRunning, executionID)
		}
		return nil
	}
	if h != nil {
		h.Cancel()
	}
	return nil
}

// Get returns a snapshot of a live execution.
func (e *Executor) Get(executionID string) (ExecutionInfo, bool) {
	x, ok := e.lookup(executionID)
	if !ok {
		return ExecutionInfo{}, false
	}
	return x.info(), true
}

// ActiveForTask returns the live execution of a task, if any.
func (e *Executor) ActiveForTask(taskID string) (ExecutionInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, x := range e.executions {
		if x.req.TaskID == taskID {
			return x.info(), true
		}
	}
	return ExecutionInfo{}, false
}

// List returns snapshots of every live execution.
func (e *Executor) List() []ExecutionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecutionInfo, 0, len(e.executions))
	for _, x := range e.executions {
		out = append(out, x.info())
	}
	return out
}

func (e *Executor) lookup(id string) (*execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.executions[id]
	return x, ok
}

func (e *Executor) openTranscript(x *execution) (*os.File, string) {
	if e.logDir == "" {
		return nil, ""
	}
	name := x.id[:8]
	if x.req.TaskID != "" {
		name = x.req.TaskID + "-" + name
	}
	path := filepath.Join(e.logDir, name+".log")
	f, err := os.Create(path)
	if err != nil {
		e.logger.Warn("cannot create transcript", "path", path, "error", err)
		return nil, ""
	}
	fmt.Fprintf(f, "# task=%s agent=%s started=%s\n# command: %s %s\n# work_dir: %s\n\n",
		x.req.TaskID, x.req.Agent, x.startedAt.Format(time.RFC3339),
		x.cfg.Command, strings.Join(x.cfg.Args, " "), x.cfg.WorkDir)
	return f, path
}

func (e *Executor) logResult(x *execution, r Result) {
	attrs := []any{
		"task_event", "execution_finished",
		"task_id", x.req.TaskID,
		"execution_id", x.id,
		"agent", x.req.Agent,
		"status", r.Status,
		"duration", r.Duration.String(),
		"files_created", len(r.Files.Created),
		"files_modified", len(r.Files.Modified),
		"files_deleted", len(r.Files.Deleted),
	}
	if r.ExitCode != nil {
		attrs = append(attrs, "exit_code", *r.ExitCode)
	}
	if r.LogFile != "" {
		attrs = append(attrs, "log_file", r.LogFile)
	}
	if r.Success {
		e.logger.Info("execution finished", attrs...)
		return
	}
	attrs = append(attrs, "failure", r.Failure, "error", r.Error)
	if r.Failure == FailureTimeout {
		e.logger.Warn("execution timed out", attrs...)
		return
	}
	e.logger.Warn("execution failed", attrs...)
}

// cappedTranscript keeps output until the first chunk that would grow it
// past maxTranscript; everything after that is dropped.
type cappedTranscript struct {
	b    strings.Builder
	full bool
}

func (c *cappedTranscript) write(s string) {
	if c.full {
		return
	}
	if c.b.Len()+len(s) > maxTranscript {
		c.full = true
		return
	}
	c.b.WriteString(s)
}

func (c *cappedTranscript) String() string {
	return c.b.String()
}

func appendTail(b *strings.Builder, s string) {
	if b.Len()+len(s) <= recentTailSize {
		b.WriteString(s)
		return
	}
	combined := b.String() + s
	combined = combined[len(combined)-recentTailSize:]
	b.Reset()
	b.WriteString(combined)
}

func failureMessage(ev *harness.Event, stderr string) string {
	msg := "process failed"
	if ev.Err != nil {
		msg = ev.Err.Error()
	} else if ev.ExitCode != nil {
		msg = fmt.Sprintf("exit code %d", *ev.ExitCode)
	}
	if last := lastLine(stderr); last != "" {
		msg += ": " + last
	}
	return msg
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
