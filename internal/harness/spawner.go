// Package harness owns the external agent processes: spawning, output
// capture, stdin injection, termination and admission control.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/fetch/internal/logging"
)

const defaultKillGrace = 5 * time.Second

var (
	// ErrTimeout is recorded on an instance killed because its timeout elapsed.
	ErrTimeout = errors.New("harness: timeout exceeded")
	// ErrNotFound is returned for unknown instance IDs.
	ErrNotFound = errors.New("harness: instance not found")
)

// SpawnError reports that the process could not be created at all. It is
// distinct from a process that started and then failed.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SpawnConfig is the resolved invocation of one agent process.
type SpawnConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
	// Stdin, when set, is written to the process right after start. The pipe
	// stays open for later input.
	Stdin string
	// Timeout of zero means no timeout.
	Timeout time.Duration
}

// Spawner starts processes and tracks them in a process table.
type Spawner struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	killGrace time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// SpawnerOption configures a Spawner.
type SpawnerOption func(*Spawner)

// WithKillGrace sets how long a SIGTERM'd process may take before SIGKILL.
func WithKillGrace(d time.Duration) SpawnerOption {
	return func(s *Spawner) {
		if d > 0 {
			s.killGrace = d
		}
	}
}

// WithLogger sets the spawner logger.
func WithLogger(l *slog.Logger) SpawnerOption {
	return func(s *Spawner) { s.logger = logging.OrNop(l) }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) SpawnerOption {
	return func(s *Spawner) { s.metrics = m }
}

// NewSpawner creates an empty spawner.
func NewSpawner(opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		instances: make(map[string]*Instance),
		killGrace: defaultKillGrace,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts the process described by cfg. A *SpawnError is returned when
// the process cannot be created.
func (s *Spawner) Spawn(cfg SpawnConfig) (*Instance, error) {
	if cfg.Command == "" {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		s.metrics.incSpawn("error")
		s.logger.Warn("spawn failed", "instance_event", "spawn_failed", "command", cfg.Command, "error", err)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	inst := &Instance{
		ID:        uuid.New().String(),
		Config:    cfg,
		StartedAt: time.Now(),
		status:    StatusRunning,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		stdin:     stdin,
		events:    newEventQueue(),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()

	s.metrics.incSpawn("ok")
	s.metrics.instanceStarted()
	s.logger.Info("instance spawned",
		"instance_event", "spawned",
		"instance_id", inst.ID,
		"pid", inst.pid,
		"command", cfg.Command,
		"work_dir", cfg.WorkDir,
	)

	if cfg.Stdin != "" {
		go func() {
			inst.writeMu.Lock()
			defer inst.writeMu.Unlock()
			if _, err := io.WriteString(stdin, cfg.Stdin); err != nil {
				s.logger.Debug("initial stdin write failed", "instance_id", inst.ID, "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.capture(inst, stdout, StreamStdout, &wg)
	go s.capture(inst, stderr, StreamStderr, &wg)
	go s.waitForExit(inst, &wg)

	if cfg.Timeout > 0 {
		go s.watchTimeout(inst, cfg.Timeout)
	}

	return inst, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// capture reads raw chunks from one pipe. Any "?" in a chunk flips a running
// instance to waiting_input; adapters refine that signal downstream.
func (s *Spawner) capture(inst *Instance, r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			inst.mu.Lock()
			if stream == StreamStdout {
				inst.stdout.Write(buf[:n])
			} else {
				inst.stderr.Write(buf[:n])
			}
			inst.events.push(Event{
				InstanceID: inst.ID,
				Kind:       EventOutput,
				Time:       time.Now(),
				Stream:     stream,
				Data:       chunk,
			})
			if inst.status == StatusRunning && strings.Contains(chunk, "?") {
				inst.setStatusLocked(StatusWaitingInput, nil)
			}
			inst.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *Spawner) waitForExit(inst *Instance, wg *sync.WaitGroup) {
	// Pipes must be drained before Wait closes them.
	wg.Wait()
	waitErr := inst.cmd.Wait()

	inst.mu.Lock()
	code := -1
	if inst.cmd.ProcessState != nil {
		code = inst.cmd.ProcessState.ExitCode()
	}
	inst.exitCode = &code
	inst.completedAt = time.Now()

	switch {
	case inst.killing:
		inst.status = StatusKilled
		if inst.timedOut {
			inst.err = ErrTimeout
		}
	case inst.status == StatusFailed:
		// process-level error already recorded
	case code == 0:
		inst.status = StatusCompleted
	default:
		inst.status = StatusFailed
		if inst.err == nil {
			if waitErr != nil {
				inst.err = waitErr
			} else {
				inst.err = fmt.Errorf("exit code %d", code)
			}
		}
	}

	status := inst.status
	exitErr := inst.err
	duration := inst.completedAt.Sub(inst.StartedAt)
	inst.events.push(Event{
		InstanceID: inst.ID,
		Kind:       EventExited,
		Time:       inst.completedAt,
		Status:     status,
		ExitCode:   &code,
		Err:        exitErr,
	})
	inst.events.close()
	inst.mu.Unlock()

	close(inst.done)

	s.metrics.instanceExited(status, duration)
	attrs := []any{
		"instance_event", "exited",
		"instance_id", inst.ID,
		"status", status,
		"exit_code", code,
		"duration", duration.String(),
	}
	if exitErr != nil {
		attrs = append(attrs, "error", exitErr)
	}
	if errors.Is(exitErr, ErrTimeout) {
		s.logger.Warn("instance timed out", attrs...)
		return
	}
	s.logger.Info("instance exited", attrs...)
}

func (s *Spawner) watchTimeout(inst *Instance, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		inst.mu.Lock()
		if inst.status.IsTerminal() || inst.killing {
			inst.mu.Unlock()
			return
		}
		inst.killing = true
		inst.timedOut = true
		inst.mu.Unlock()
		s.terminate(inst)
	case <-inst.done:
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period.
func (s *Spawner) terminate(inst *Instance) {
	pgid := inst.pid
	if g, err := syscall.Getpgid(inst.pid); err == nil {
		pgid = g
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-inst.done:
	case <-time.After(s.killGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Get returns a tracked instance.
func (s *Spawner) Get(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// SendInput writes data to the instance stdin. It reports false, without an
// error, when the instance is unknown, already exited, or the write failed.
// A failed write marks the instance failed.
func (s *Spawner) SendInput(id string, data []byte) bool {
	inst, ok := s.Get(id)
	if !ok {
		return false
	}

	inst.mu.Lock()
	if inst.status.IsTerminal() || inst.stdin == nil {
		inst.mu.Unlock()
		return false
	}
	stdin := inst.stdin
	inst.mu.Unlock()

	inst.writeMu.Lock()
	_, err := stdin.Write(data)
	inst.writeMu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err != nil {
		s.logger.Warn("stdin write failed", "instance_id", id, "error", err)
		inst.setStatusLocked(StatusFailed, fmt.Errorf("write stdin: %w", err))
		return false
	}
	if inst.status == StatusWaitingInput {
		inst.setStatusLocked(StatusRunning, nil)
	}
	return true
}

// Kill requests termination. It returns false when the instance is unknown,
// already terminal, or already being killed.
func (s *Spawner) Kill(id string) bool {
	inst, ok := s.Get(id)
	if !ok {
		return false
	}
	inst.mu.Lock()
	if inst.status.IsTerminal() || inst.killing {
		inst.mu.Unlock()
		return false
	}
	inst.killing = true
	inst.mu.Unlock()

	s.logger.Info("killing instance", "instance_event", "kill", "instance_id", id)
	go s.terminate(inst)
	return true
}

// WaitFor blocks until the instance is terminal or ctx is done.
func (s *Spawner) WaitFor(ctx context.Context, id string) (InstanceInfo, error) {
	inst, ok := s.Get(id)
	if !ok {
		return InstanceInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-inst.done:
		return inst.Info(), nil
	case <-ctx.Done():
		return inst.Info(), ctx.Err()
	}
}

// Remove drops a terminal instance from the process table and discards any
// undelivered events.
func (s *Spawner) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok || !inst.Status().IsTerminal() {
		return false
	}
	delete(s.instances, id)
	inst.events.discard()
	return true
}

// Running returns how many tracked instances are not terminal.
func (s *Spawner) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if !inst.Status().IsTerminal() {
			n++
		}
	}
	return n
}

// Shutdown kills every live instance and waits for them to exit.
func (s *Spawner) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	live := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		live = append(live, inst)
	}
	s.mu.RUnlock()

	for _, inst := range live {
		s.Kill(inst.ID)
	}
	for _, inst := range live {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
