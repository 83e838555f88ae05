// Package orchestrator routes executor events into task lifecycle calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/internal/executor"
	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/logging"
	"github.com/sevir/fetch/internal/task"
	"github.com/sevir/fetch/pkg/models"
)

const (
	// outputTailLines is how much of the transcript is kept on a task result.
	outputTailLines      = 20
	defaultRetryInterval = 2 * time.Second
)

var (
	// ErrNotWaitingInput is returned by Reply when the task has no pending question.
	ErrNotWaitingInput = errors.New("task is not waiting for input")
	// ErrNoExecution is returned when an active task has no live execution.
	ErrNoExecution = errors.New("task has no live execution")
	// ErrShuttingDown rejects submissions after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Config holds orchestrator configuration.
type Config struct {
	// Agents, when set, is used to reject unknown agent variants at submit time.
	Agents *adapter.Registry
	// DefaultTimeout applies to tasks that do not set one. Zero means none.
	DefaultTimeout time.Duration
	// MaxRetries applies to requests that do not set max_retries.
	MaxRetries int
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
	Logger               *slog.Logger
	Metrics              *Metrics
}

// Orchestrator is the glue between the task manager and the executor.
type Orchestrator struct {
	tasks   *task.Manager
	exec    *executor.Executor
	pool    *harness.Pool
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	subscribers map[string][]chan *models.Task
	subMu       sync.Mutex

	runs  map[string]context.CancelFunc
	runMu sync.Mutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an orchestrator and settles tasks left active by a previous
// process.
func New(tasks *task.Manager, exec *executor.Executor, pool *harness.Pool, cfg Config) *Orchestrator {
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		tasks:       tasks,
		exec:        exec,
		pool:        pool,
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		subscribers: make(map[string][]chan *models.Task),
		runs:        make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
	o.recoverOrphans()
	return o
}

// recoverOrphans closes out a task that was active when the previous process
// stopped. Executions do not survive a restart, so a running task cannot
// continue.
func (o *Orchestrator) recoverOrphans() {
	t, ok := o.tasks.Current()
	if !ok {
		return
	}
	var err error
	switch t.Status {
	case models.TaskStatusPending:
		_, err = o.tasks.CancelTask(t.ID)
	case models.TaskStatusRunning, models.TaskStatusWaitingInput:
		_, err = o.tasks.FailTask(t.ID, "interrupted by restart", nil)
	}
	if err != nil {
		o.logger.Error("recover orphaned task", "task_id", t.ID, "status", t.Status, "error", err)
		return
	}
	o.logger.Warn("orphaned task settled", "task_event", "recovered", "task_id", t.ID, "previous_status", t.Status)
}

// Submit creates a task and starts executing it. With req.Background the task
// is returned as soon as it is running; otherwise Submit waits for the
// terminal status or ctx.
func (o *Orchestrator) Submit(ctx context.Context, req models.SubmitRequest) (*models.Task, error) {
	if o.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	constraints, err := o.constraints(req)
	if err != nil {
		return nil, err
	}
	workspace := strings.TrimSpace(req.Workspace)
	if workspace == "" {
		return nil, fmt.Errorf("%w: workspace is required", task.ErrInvalidRequest)
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	if o.cfg.Agents != nil && req.Agent != "" && req.Agent != models.AgentAuto && !o.cfg.Agents.Has(req.Agent) {
		return nil, fmt.Errorf("%w: %w: %s", task.ErrInvalidRequest, adapter.ErrUnknownAgent, req.Agent)
	}

	t, err := o.tasks.CreateTask(task.CreateRequest{
		Goal:        req.Goal,
		Workspace:   workspace,
		Agent:       req.Agent,
		Constraints: constraints,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	o.metrics.taskSubmitted(t.Agent)

	if t, err = o.tasks.StartTask(t.ID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	o.runMu.Lock()
	o.runs[t.ID] = cancel
	o.runMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.runMu.Lock()
			delete(o.runs, t.ID)
			o.runMu.Unlock()
			cancel()
		}()
		o.run(runCtx, t)
	}()

	if req.Background {
		return t, nil
	}
	return o.Wait(ctx, t.ID, 0)
}

func (o *Orchestrator) constraints(req models.SubmitRequest) (models.Constraints, error) {
	c := models.Constraints{
		Timeout:         models.Duration(o.cfg.DefaultTimeout),
		RequireApproval: req.RequireApproval,
		PathScope:       strings.TrimSpace(req.PathScope),
		MaxRetries:      o.cfg.MaxRetries,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return c, fmt.Errorf("%w: invalid timeout %q", task.ErrInvalidRequest, req.Timeout)
		}
		c.Timeout = models.Duration(d)
	}
	if req.MaxRetries != nil {
		c.MaxRetries = *req.MaxRetries
	}
	return c, nil
}

// run executes t, retrying runtime failures and timeouts with exponential
// backoff up to the task's max retries, then records the terminal status.
func (o *Orchestrator) run(ctx context.Context, t *models.Task) {
	req := executor.Request{
		TaskID:    t.ID,
		Agent:     t.Agent,
		Goal:      t.Goal,
		Workspace: t.Workspace,
		Timeout:   time.Duration(t.Constraints.Timeout),
	}
	handle := func(ev executor.Event) { o.route(t.ID, ev) }

	var res executor.Result
	attempt := func() error {
		res = o.exec.Execute(ctx, req, handle)
		if res.Success {
			return nil
		}
		err := errors.New(res.Error)
		if !res.Failure.Retriable() || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.Constraints.MaxRetries)), ctx)

	_ = backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		o.prepareRetry(t.ID, err, wait)
	})

	o.finish(t.ID, res)
}

func (o *Orchestrator) prepareRetry(taskID string, err error, wait time.Duration) {
	cur, getErr := o.tasks.Get(taskID)
	if getErr != nil || cur.IsTerminal() {
		return
	}
	if cur.Status == models.TaskStatusWaitingInput {
		if _, rerr := o.tasks.ResumeTask(taskID); rerr != nil {
			o.logger.Warn("resume before retry", "task_id", taskID, "error", rerr)
		}
	}
	n, rerr := o.tasks.RecordRetry(taskID)
	if rerr != nil {
		o.logger.Warn("record retry", "task_id", taskID, "error", rerr)
		return
	}
	o.metrics.taskRetried()
	msg := fmt.Sprintf("Attempt failed (%s), retry %d/%d in %s", err, n, cur.Constraints.MaxRetries, wait.Round(time.Millisecond))
	_ = o.tasks.AddProgress(taskID, msg, nil, nil)
	o.logger.Info("task retry scheduled",
		"task_event", "retry_scheduled",
		"task_id", taskID,
		"retry", n,
		"max_retries", cur.Constraints.MaxRetries,
		"wait", wait.String(),
		"error", err.Error(),
	)
}

// route maps one executor event to the matching task manager call.
func (o *Orchestrator) route(taskID string, ev executor.Event) {
	var err error
	switch ev.Type {
	case executor.EventStarted:
		if ev.LogFile != "" {
			err = o.tasks.SetLogFile(taskID, ev.LogFile)
		}
	case executor.EventOutput:
		err = o.tasks.AddProgress(taskID, ev.Line, nil, nil)
	case executor.EventProgress:
		err = o.tasks.AddProgress(taskID, ev.Line, nil, ev.Percent)
	case executor.EventFileOp:
		err = o.tasks.AddProgress(taskID, ev.Line, []string{ev.Path}, nil)
	case executor.EventQuestion:
		_, err = o.tasks.SetWaitingInput(taskID, ev.Question)
	case executor.EventResumed:
		// Reply resumes the task itself; this covers input sent to the
		// executor directly.
		if cur, gerr := o.tasks.Get(taskID); gerr == nil && cur.Status == models.TaskStatusWaitingInput {
			_, err = o.tasks.ResumeTask(taskID)
		}
	}
	if err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		o.logger.Warn("route executor event", "task_id", taskID, "event", ev.Type, "error", err)
	}
}

// finish records the terminal status of the final attempt.
func (o *Orchestrator) finish(taskID string, res executor.Result) {
	cur, err := o.tasks.Get(taskID)
	if err != nil {
		o.logger.Error("finish unknown task", "task_id", taskID, "error", err)
		return
	}
	if cur.IsTerminal() {
		// Cancelled while the last attempt was running.
		o.notify(cur)
		return
	}

	result := &models.TaskResult{
		Success:       res.Success,
		Summary:       res.Summary,
		FilesCreated:  res.Files.Created,
		FilesModified: res.Files.Modified,
		FilesDeleted:  res.Files.Deleted,
		OutputTail:    tail(res.Output, outputTailLines),
		ExitCode:      res.ExitCode,
		Error:         res.Error,
	}
	if res.LogFile != "" && cur.LogFile == "" {
		_ = o.tasks.SetLogFile(taskID, res.LogFile)
	}
	if outside := outsideScope(cur.Workspace, cur.Constraints.PathScope, res.Files); len(outside) > 0 {
		msg := fmt.Sprintf("Files outside path scope %q: %s", cur.Constraints.PathScope, strings.Join(outside, ", "))
		_ = o.tasks.AddProgress(taskID, msg, outside, nil)
		o.logger.Warn("files outside path scope", "task_id", taskID, "path_scope", cur.Constraints.PathScope, "files", outside)
	}

	var final *models.Task
	if res.Success {
		final, err = o.tasks.CompleteTask(taskID, result)
	} else {
		msg := res.Error
		if msg == "" {
			msg = string(res.Status)
		}
		final, err = o.tasks.FailTask(taskID, msg, result)
	}
	if err != nil {
		// A concurrent Cancel may have won the race.
		if final, gerr := o.tasks.Get(taskID); gerr == nil && final.IsTerminal() {
			o.notify(final)
			return
		}
		o.logger.Error("record task outcome", "task_id", taskID, "error", err)
		return
	}

	logTaskFinished(o.logger, final, res)
	o.metrics.taskFinished(final)
	o.notify(final)
}

// Reply relays the user's answer to the pending question of taskID.
func (o *Orchestrator) Reply(taskID, text string) (*models.Task, error) {
	t, err := o.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TaskStatusWaitingInput {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotWaitingInput, taskID, t.Status)
	}
	info, ok := o.exec.ActiveForTask(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecution, taskID)
	}
	if err := o.exec.SendInput(info.ID, text); err != nil {
		return nil, err
	}
	_ = o.tasks.AddProgress(taskID, "User replied: "+truncateForLog(strings.TrimSpace(text), 200), nil, nil)
	t, err = o.tasks.ResumeTask(taskID)
	if err != nil && errors.Is(err, task.ErrInvalidTransition) {
		// The resumed event was routed first.
		return o.tasks.Get(taskID)
	}
	return t, err
}

// Cancel moves an active task to cancelled and kills its execution.
func (o *Orchestrator) Cancel(taskID string) (*models.Task, error) {
	t, err := o.tasks.CancelTask(taskID)
	if err != nil {
		return nil, err
	}

	o.runMu.Lock()
	stop := o.runs[taskID]
	o.runMu.Unlock()
	if stop != nil {
		// Cancelling the run context kills the live execution and stops retries.
		stop()
	}

	o.logger.Info("task cancelled", "task_event", "cancelled", "task_id", taskID)
	o.metrics.taskFinished(t)
	o.notify(t)
	return t, nil
}

// Delete removes a terminal task.
func (o *Orchestrator) Delete(taskID string) error {
	return o.tasks.DeleteTask(taskID)
}

// GetTask returns a task by ID.
func (o *Orchestrator) GetTask(taskID string) (*models.Task, error) {
	return o.tasks.Get(taskID)
}

// Current returns the active task, if any.
func (o *Orchestrator) Current() (*models.Task, bool) {
	return o.tasks.Current()
}

// ListTasks lists tasks, newest first.
func (o *Orchestrator) ListTasks(filter task.ListFilter) []*models.Task {
	return o.tasks.List(filter)
}

// Wait blocks until the task is terminal, ctx is done or timeout elapses.
// On timeout the current task state is returned alongside the error.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	t, err := o.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return t, nil
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan *models.Task, 1)
	o.subMu.Lock()
	o.subscribers[taskID] = append(o.subscribers[taskID], ch)
	o.subMu.Unlock()
	defer o.unsubscribe(taskID, ch)

	// The task may have finished between the first check and subscribing.
	if t, err = o.tasks.Get(taskID); err == nil && t.IsTerminal() {
		return t, nil
	}

	select {
	case <-waitCtx.Done():
		t, _ = o.tasks.Get(taskID)
		return t, fmt.Errorf("timeout waiting for task %s: %w", taskID, waitCtx.Err())
	case t := <-ch:
		return t, nil
	}
}

func (o *Orchestrator) unsubscribe(taskID string, ch chan *models.Task) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	subs := o.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			o.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(o.subscribers[taskID]) == 0 {
		delete(o.subscribers, taskID)
	}
}

func (o *Orchestrator) notify(t *models.Task) {
	o.subMu.Lock()
	subs := o.subscribers[t.ID]
	delete(o.subscribers, t.ID)
	o.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- t.Clone():
		default:
		}
	}
}

// Stats holds orchestrator statistics.
type Stats struct {
	Total         int                       `json:"total"`
	ByStatus      map[models.TaskStatus]int `json:"by_status"`
	CurrentTaskID string                    `json:"current_task_id,omitempty"`
	Pool          harness.PoolStats         `json:"pool"`
	Executions    []executor.ExecutionInfo  `json:"executions,omitempty"`
}

// GetStats returns task counts, pool occupancy and live executions.
func (o *Orchestrator) GetStats() Stats {
	counts := o.tasks.Counts()
	stats := Stats{
		ByStatus:   counts,
		Pool:       o.pool.Stats(),
		Executions: o.exec.List(),
	}
	for _, n := range counts {
		stats.Total += n
	}
	if cur, ok := o.tasks.Current(); ok {
		stats.CurrentTaskID = cur.ID
	}
	return stats
}

// SetMaxConcurrent changes the pool bound at runtime.
func (o *Orchestrator) SetMaxConcurrent(n int) {
	o.pool.SetMaxConcurrent(n)
}

// Shutdown kills live executions, waits for their outcome to be recorded and
// stops the pool.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for executions: %w", ctx.Err())
	}
	return o.pool.Shutdown(ctx)
}

func logTaskFinished(logger *slog.Logger, t *models.Task, res executor.Result) {
	duration := ""
	if t.StartedAt != nil && t.CompletedAt != nil {
		duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	attrs := []any{
		"task_event", "finished",
		"task_id", t.ID,
		"status", t.Status,
		"agent", t.Agent,
		"retries", t.RetryCount,
		"duration", duration,
		"files_created", len(res.Files.Created),
		"files_modified", len(res.Files.Modified),
		"files_deleted", len(res.Files.Deleted),
		"log_file", t.LogFile,
	}
	if res.ExitCode != nil {
		attrs = append(attrs, "exit_code", *res.ExitCode)
	}
	if !res.Success {
		attrs = append(attrs, "failure", res.Failure, "error", strings.TrimSpace(res.Error))
		logger.Warn("task finished", attrs...)
		return
	}
	logger.Info("task finished", attrs...)
}

// outsideScope lists reported files that fall outside workspace/scope.
func outsideScope(workspace, scope string, files models.FileChanges) []string {
	if scope == "" {
		return nil
	}
	root := scope
	if !filepath.IsAbs(root) {
		root = filepath.Join(workspace, root)
	}
	root = filepath.Clean(root)

	var out []string
	for _, group := range [][]string{files.Created, files.Modified, files.Deleted} {
		for _, f := range group {
			p := f
			if !filepath.IsAbs(p) {
				p = filepath.Join(workspace, p)
			}
			rel, err := filepath.Rel(root, filepath.Clean(p))
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				out = append(out, f)
			}
		}
	}
	return out
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
