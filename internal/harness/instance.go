package harness

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"time"
)

// maxOutputCapture bounds what is retained per stream. Events still carry
// every chunk; only the in-memory buffer stops growing.
const maxOutputCapture = 1024 * 1024

// Status is the process-level lifecycle of an instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusKilled       Status = "killed"
)

// IsTerminal reports whether the process has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Instance is one spawned OS process. The *exec.Cmd never leaves the Spawner.
type Instance struct {
	ID        string
	Config    SpawnConfig
	StartedAt time.Time

	mu          sync.Mutex
	writeMu     sync.Mutex
	status      Status
	stdout      cappedBuffer
	stderr      cappedBuffer
	exitCode    *int
	err         error
	completedAt time.Time
	killing     bool
	timedOut    bool
	pid         int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events *eventQueue
	done   chan struct{}
}

// InstanceInfo is a point-in-time snapshot of an instance.
type InstanceInfo struct {
	ID          string
	PID         int
	Status      Status
	ExitCode    *int
	Err         error
	TimedOut    bool
	Stdout      string
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the process ran, or has been running.
func (i InstanceInfo) Duration() time.Duration {
	if i.CompletedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.CompletedAt.Sub(i.StartedAt)
}

// Events returns the ordered event stream of this instance. It is closed
// after the EventExited event has been delivered.
func (i *Instance) Events() <-chan Event {
	return i.events.out
}

// Done is closed once the instance reached a terminal status.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := InstanceInfo{
		ID:          i.ID,
		PID:         i.pid,
		Status:      i.status,
		Err:         i.err,
		TimedOut:    i.timedOut,
		Stdout:      i.stdout.String(),
		Stderr:      i.stderr.String(),
		StartedAt:   i.StartedAt,
		CompletedAt: i.completedAt,
	}
	if i.exitCode != nil {
		code := *i.exitCode
		info.ExitCode = &code
	}
	return info
}

// setStatusLocked changes status and emits a status event. Callers hold i.mu.
func (i *Instance) setStatusLocked(s Status, err error) {
	if i.status == s || i.status.IsTerminal() {
		return
	}
	i.status = s
	if err != nil {
		i.err = err
	}
	i.events.push(Event{InstanceID: i.ID, Kind: EventStatus, Time: time.Now(), Status: s, Err: err})
}

type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) {
	room := maxOutputCapture - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		c.truncated = true
	}
	c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n... [output truncated]"
	}
	return c.buf.String()
}
