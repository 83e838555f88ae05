package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sevir/fetch/pkg/models"
)

const currentTaskKey = "current_task_id"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS fetch_tasks (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    data       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS fetch_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on top of two Postgres tables: one JSONB row
// per task and a key/value table holding the active task marker.
type PostgresStore struct {
	pool    pool
	timeout time.Duration
}

// NewPostgresStore connects to dsn and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := newPostgresStore(p)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(p pool) (*PostgresStore, error) {
	if p == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &PostgresStore{pool: p, timeout: 5 * time.Second}, nil
}

// EnsureSchema creates the store tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// SaveTask upserts the task row.
func (s *PostgresStore) SaveTask(task *models.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	ctx, cancel := s.ctx()
	defer cancel()

	_, err = s.pool.Exec(ctx, `
INSERT INTO fetch_tasks (id, status, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    data = EXCLUDED.data,
    updated_at = now()`,
		task.ID, string(task.Status), data, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// LoadAllTasks returns every stored task, oldest first.
func (s *PostgresStore) LoadAllTasks() ([]*models.Task, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT data FROM fetch_tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task models.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task row.
func (s *PostgresStore) DeleteTask(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM fetch_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveCurrentTaskID records the active task; an empty id removes the marker.
func (s *PostgresStore) SaveCurrentTaskID(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	var err error
	if id == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM fetch_state WHERE key = $1`, currentTaskKey)
	} else {
		_, err = s.pool.Exec(ctx, `
INSERT INTO fetch_state (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, currentTaskKey, id)
	}
	if err != nil {
		return fmt.Errorf("save current task id: %w", err)
	}
	return nil
}

// LoadCurrentTaskID returns the active task marker, or "" when none is set.
func (s *PostgresStore) LoadCurrentTaskID() (string, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var id string
	err := s.pool.QueryRow(ctx, `SELECT value FROM fetch_state WHERE key = $1`, currentTaskKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load current task id: %w", err)
	}
	return id, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
