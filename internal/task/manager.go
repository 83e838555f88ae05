// Package task owns the lifecycle of tasks: creation, the state machine and
// persistence of every mutation.
package task

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/fetch/internal/logging"
	"github.com/sevir/fetch/internal/store"
	"github.com/sevir/fetch/pkg/models"
)

// CreateRequest carries the inputs of CreateTask.
type CreateRequest struct {
	Goal        string
	Workspace   string
	Agent       models.AgentVariant
	Constraints models.Constraints
	SessionID   string
	Priority    int
}

// Manager is the single authority over task status. At most one task is
// active (pending, running or waiting_input) at any time.
type Manager struct {
	mu           sync.Mutex
	tasks        map[string]*models.Task
	currentID    string
	store        store.Store
	logger       *slog.Logger
	defaultAgent models.AgentVariant
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithDefaultAgent sets the variant that "auto" resolves to.
func WithDefaultAgent(v models.AgentVariant) Option {
	return func(m *Manager) {
		if v != "" && v != models.AgentAuto {
			m.defaultAgent = v
		}
	}
}

// NewManager loads persisted tasks from st. A store that cannot be read is
// logged and the manager starts empty. st may be nil for a purely in-memory
// manager.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		tasks:        make(map[string]*models.Task),
		store:        st,
		logger:       logging.Nop(),
		defaultAgent: models.DefaultAgent(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Manager) load() {
	if m.store == nil {
		return
	}
	tasks, err := m.store.LoadAllTasks()
	if err != nil {
		m.logger.Error("failed to load tasks, starting empty", "error", err)
		return
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}

	currentID, err := m.store.LoadCurrentTaskID()
	if err != nil {
		m.logger.Error("failed to load current task id", "error", err)
	}
	if t, ok := m.tasks[currentID]; ok && t.IsActive() {
		m.currentID = currentID
	} else {
		// Fall back to any task still marked active.
		for _, t := range m.tasks {
			if t.IsActive() {
				m.currentID = t.ID
				break
			}
		}
	}
	m.logger.Info("tasks loaded", "count", len(m.tasks), "current_task_id", m.currentID)
}

// CreateTask admits a new task in pending status and records it as the active
// task. It fails with ErrConflict if a task is already active.
func (m *Manager) CreateTask(req CreateRequest) (*models.Task, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if req.Constraints.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.tasks[m.currentID]; ok && cur.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, cur.ID, cur.Status)
	}

	agent := req.Agent
	if agent == "" || agent == models.AgentAuto {
		agent = m.defaultAgent
	}

	t := &models.Task{
		ID:          generateID(),
		Goal:        goal,
		Workspace:   req.Workspace,
		Agent:       agent,
		Status:      models.TaskStatusPending,
		Priority:    req.Priority,
		Constraints: req.Constraints,
		SessionID:   req.SessionID,
		CreatedAt:   m.now(),
	}
	m.tasks[t.ID] = t
	m.currentID = t.ID
	m.persistLocked(t)

	m.logger.Info("task created",
		"task_event", "received",
		"task_id", t.ID,
		"status", t.Status,
		"agent", t.Agent,
		"work_dir", t.Workspace,
		"prompt_preview", preview(t.Goal),
	)
	return t.Clone(), nil
}

// StartTask moves a pending task to running.
func (m *Manager) StartTask(id string) (*models.Task, error) {
	return m.transition(id, models.TaskStatusRunning, onlyFrom(models.TaskStatusPending), func(t *models.Task) {
		now := m.now()
		t.StartedAt = &now
	})
}

// SetWaitingInput records the pending question of a running task.
func (m *Manager) SetWaitingInput(id, question string) (*models.Task, error) {
	return m.transition(id, models.TaskStatusWaitingInput, nil, func(t *models.Task) {
		t.PendingQuestion = question
	})
}

// ResumeTask clears the pending question and returns to running.
func (m *Manager) ResumeTask(id string) (*models.Task, error) {
	return m.transition(id, models.TaskStatusRunning, onlyFrom(models.TaskStatusWaitingInput), func(t *models.Task) {
		t.PendingQuestion = ""
	})
}

// CompleteTask records a successful result.
func (m *Manager) CompleteTask(id string, result *models.TaskResult) (*models.Task, error) {
	return m.transition(id, models.TaskStatusCompleted, nil, func(t *models.Task) {
		if result == nil {
			result = &models.TaskResult{}
		}
		r := *result
		r.Success = true
		t.Result = &r
	})
}

// FailTask records a failure. partial keeps whatever file changes were seen
// before the failure.
func (m *Manager) FailTask(id, errMsg string, partial *models.TaskResult) (*models.Task, error) {
	return m.transition(id, models.TaskStatusFailed, nil, func(t *models.Task) {
		r := models.TaskResult{}
		if partial != nil {
			r = *partial
		}
		r.Success = false
		r.Error = errMsg
		t.Result = &r
	})
}

// CancelTask aborts a task from any non-terminal status.
func (m *Manager) CancelTask(id string) (*models.Task, error) {
	return m.transition(id, models.TaskStatusCancelled, nil, nil)
}

func onlyFrom(s models.TaskStatus) map[models.TaskStatus]bool {
	return map[models.TaskStatus]bool{s: true}
}

// transition applies from -> to when the state machine allows it. from, when
// set, narrows the accepted source states further for operations that share a
// target status.
func (m *Manager) transition(id string, to models.TaskStatus, from map[models.TaskStatus]bool, mutate func(*models.Task)) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := t.Status
	if !models.CanTransition(prev, to) || (from != nil && !from[prev]) {
		return nil, &TransitionError{TaskID: id, From: prev, To: to}
	}

	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	if to.IsTerminal() {
		now := m.now()
		t.CompletedAt = &now
		t.PendingQuestion = ""
		if t.Result != nil && t.StartedAt != nil {
			t.Result.Duration = models.Duration(now.Sub(*t.StartedAt))
		}
		if m.currentID == id {
			m.currentID = ""
		}
	}
	m.persistLocked(t)
	m.logTransition(t, prev)
	return t.Clone(), nil
}

// AddProgress appends to the task's progress log without touching status.
func (m *Manager) AddProgress(id, message string, files []string, percent *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry := models.ProgressEntry{
		Timestamp: m.now(),
		Message:   message,
		Files:     append([]string(nil), files...),
	}
	if percent != nil {
		p := *percent
		entry.Percent = &p
	}
	t.Progress = append(t.Progress, entry)
	m.persistLocked(t)
	return nil
}

// RecordRetry bumps the retry counter of an active task.
func (m *Manager) RecordRetry(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.RetryCount++
	m.persistLocked(t)
	m.logger.Info("task retry", "task_event", "retry", "task_id", id, "retry_count", t.RetryCount)
	return t.RetryCount, nil
}

// SetLogFile records where the transcript of the task is written.
func (m *Manager) SetLogFile(id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.LogFile = path
	m.persistLocked(t)
	return nil
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Current returns the active task, if any.
func (m *Manager) Current() (*models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[m.currentID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    []models.TaskStatus
	SessionID string
	Limit     int
	Offset    int
}

// List returns copies of the matching tasks, newest first.
func (m *Manager) List(filter ListFilter) []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := make(map[models.TaskStatus]bool, len(filter.Status))
	for _, s := range filter.Status {
		statusSet[s] = true
	}

	var result []*models.Task
	for _, t := range m.tasks {
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		result = append(result, t.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// DeleteTask removes a finished task.
func (m *Manager) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrActive, id, t.Status)
	}
	delete(m.tasks, id)
	if m.store != nil {
		if err := m.store.DeleteTask(id); err != nil {
			m.logger.Warn("failed to delete task from store", "task_id", id, "error", err)
		}
	}
	m.logger.Info("task deleted", "task_event", "deleted", "task_id", id)
	return nil
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[models.TaskStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

// persistLocked writes t and the active task marker. A store failure is
// logged; the in-memory change stands.
func (m *Manager) persistLocked(t *models.Task) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTask(t); err != nil {
		m.logger.Error("failed to persist task", "task_id", t.ID, "error", err)
	}
	if err := m.store.SaveCurrentTaskID(m.currentID); err != nil {
		m.logger.Error("failed to persist current task id", "task_id", m.currentID, "error", err)
	}
}

func (m *Manager) logTransition(t *models.Task, from models.TaskStatus) {
	attrs := []any{
		"task_event", eventName(t.Status),
		"task_id", t.ID,
		"from", from,
		"status", t.Status,
	}
	if t.Status == models.TaskStatusWaitingInput {
		attrs = append(attrs, "question", preview(t.PendingQuestion))
	}
	if t.Result != nil && t.IsTerminal() {
		attrs = append(attrs,
			"files_created", len(t.Result.FilesCreated),
			"files_modified", len(t.Result.FilesModified),
			"files_deleted", len(t.Result.FilesDeleted),
		)
		if t.Result.Error != "" {
			attrs = append(attrs, "error", preview(t.Result.Error))
		}
	}
	if t.Status == models.TaskStatusFailed {
		m.logger.Warn("task transition", attrs...)
		return
	}
	m.logger.Info("task transition", attrs...)
}

func eventName(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusRunning:
		return "started"
	case models.TaskStatusWaitingInput:
		return "waiting_input"
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
		return "finished"
	}
	return string(s)
}

func generateID() string {
	return fmt.Sprintf("task-%s", uuid.New().String()[:8])
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
