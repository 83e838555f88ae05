// Package store provides task persistence and retrieval.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sevir/fetch/pkg/models"
)

// ErrNotFound is returned when a task ID is not present in the store.
var ErrNotFound = errors.New("task not found")

// Store defines the interface for task storage.
type Store interface {
	SaveTask(task *models.Task) error
	LoadAllTasks() ([]*models.Task, error)
	DeleteTask(id string) error
	// SaveCurrentTaskID records the active task; an empty id clears it.
	SaveCurrentTaskID(id string) error
	LoadCurrentTaskID() (string, error)
	Close() error
}

// fileState is the on-disk layout of a FileStore.
type fileState struct {
	CurrentTaskID string                  `json:"current_task_id,omitempty"`
	Tasks         map[string]*models.Task `json:"tasks"`
}

// FileStore implements Store using a JSON file for persistence.
// Status changes, deletions and the current task marker are written through
// immediately. Other task updates (progress) mark the store dirty; a
// background saver flushes them every interval and Close performs a final
// flush.
type FileStore struct {
	path      string
	tasks     map[string]*models.Task
	currentID string
	mu        sync.RWMutex
	dirty     bool
	saveMu    sync.Mutex
	interval  time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

// NewFileStore creates a new file-based store.
func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithInterval(path, 5*time.Second)
}

// NewFileStoreWithInterval creates a file store that flushes every interval.
func NewFileStoreWithInterval(path string, interval time.Duration) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	fs := &FileStore{
		path:     path,
		tasks:    make(map[string]*models.Task),
		interval: interval,
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	if state.Tasks != nil {
		fs.tasks = state.Tasks
	}
	fs.currentID = state.CurrentTaskID
	return nil
}

// save writes a snapshot of the store. dirty is cleared before the snapshot
// is taken, so a write landing during the save stays dirty; a failed save
// marks the store dirty again.
func (fs *FileStore) save() error {
	fs.saveMu.Lock()
	defer fs.saveMu.Unlock()

	fs.mu.Lock()
	fs.dirty = false
	data, err := json.MarshalIndent(fileState{
		CurrentTaskID: fs.currentID,
		Tasks:         fs.tasks,
	}, "", "  ")
	fs.mu.Unlock()

	if err == nil {
		err = fs.writeFile(data)
	} else {
		err = fmt.Errorf("failed to marshal tasks: %w", err)
	}
	if err != nil {
		fs.mu.Lock()
		fs.dirty = true
		fs.mu.Unlock()
	}
	return err
}

func (fs *FileStore) writeFile(data []byte) error {
	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	defer close(fs.doneCh)
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				// A failure leaves the store dirty for the next tick.
				_ = fs.save()
			}
		case <-fs.closeCh:
			fs.closeErr = fs.save()
			return
		}
	}
}

// SaveTask stores or updates a copy of the task. New tasks and status
// changes are flushed to disk before SaveTask returns.
func (fs *FileStore) SaveTask(task *models.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	fs.mu.Lock()
	prev, exists := fs.tasks[task.ID]
	flush := !exists || prev.Status != task.Status
	fs.tasks[task.ID] = task.Clone()
	fs.dirty = true
	fs.mu.Unlock()

	if flush {
		return fs.save()
	}
	return nil
}

// LoadAllTasks returns copies of every stored task, oldest first.
func (fs *FileStore) LoadAllTasks() ([]*models.Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]*models.Task, 0, len(fs.tasks))
	for _, task := range fs.tasks {
		result = append(result, task.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// DeleteTask removes a task by ID.
func (fs *FileStore) DeleteTask(id string) error {
	fs.mu.Lock()
	if _, exists := fs.tasks[id]; !exists {
		fs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(fs.tasks, id)
	if fs.currentID == id {
		fs.currentID = ""
	}
	fs.dirty = true
	fs.mu.Unlock()

	return fs.save()
}

// SaveCurrentTaskID records which task is active and flushes the change.
func (fs *FileStore) SaveCurrentTaskID(id string) error {
	fs.mu.Lock()
	changed := fs.currentID != id
	fs.currentID = id
	fs.dirty = true
	fs.mu.Unlock()

	if changed {
		return fs.save()
	}
	return nil
}

// LoadCurrentTaskID returns the recorded active task ID, or "".
func (fs *FileStore) LoadCurrentTaskID() (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.currentID, nil
}

// Close stops the background saver and performs a final save, returning its
// error.
func (fs *FileStore) Close() error {
	fs.closeOnce.Do(func() {
		close(fs.closeCh)
	})
	<-fs.doneCh
	return fs.closeErr
}

// Reload reloads the store from disk.
func (fs *FileStore) Reload() error {
	return fs.load()
}

// ForceSave immediately persists all tasks to disk.
func (fs *FileStore) ForceSave() error {
	return fs.save()
}

var _ Store = (*FileStore)(nil)
