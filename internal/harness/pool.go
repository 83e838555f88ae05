package harness

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sevir/fetch/internal/logging"
)

// DefaultMaxConcurrent is the default number of simultaneous agent processes.
const DefaultMaxConcurrent = 2

var (
	// ErrCancelled resolves a queued handle that was cancelled before spawning.
	ErrCancelled = errors.New("harness: acquisition cancelled")
	// ErrPoolClosed resolves handles still queued when the pool shuts down.
	ErrPoolClosed = errors.New("harness: pool closed")
)

// PoolStats is a side-effect free snapshot of the pool.
type PoolStats struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Pool bounds the number of concurrently running instances. Requests beyond
// the bound wait in a FIFO queue and are spawned in arrival order as slots free.
type Pool struct {
	spawner *Spawner
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	max     int
	running int
	queue   []*Handle
	closed  bool
}

// NewPool creates a pool over spawner with the given bound. A bound below one
// falls back to DefaultMaxConcurrent.
func NewPool(spawner *Spawner, maxConcurrent int, logger *slog.Logger, metrics *Metrics) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	p := &Pool{
		spawner: spawner,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		max:     maxConcurrent,
	}
	p.metrics.setPool(0, 0, maxConcurrent)
	return p
}

// Handle is an admission ticket. It resolves to a running instance, or to an
// error if spawning failed or the request was cancelled while queued.
type Handle struct {
	pool  *Pool
	cfg   SpawnConfig
	ready chan struct{}
	inst  *Instance
	err   error
}

// Ready is closed when the handle has resolved.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Instance, error) {
	select {
	case <-h.ready:
		return h.inst, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws a queued request, or kills the instance if it is already
// running. It reports whether anything was cancelled.
func (h *Handle) Cancel() bool {
	p := h.pool
	p.mu.Lock()
	for i, queued := range p.queue {
		if queued == h {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			h.resolve(nil, ErrCancelled)
			p.publishLocked()
			p.mu.Unlock()
			return true
		}
	}
	p.mu.Unlock()

	select {
	case <-h.ready:
		if h.inst != nil {
			return p.spawner.Kill(h.inst.ID)
		}
	default:
	}
	return false
}

func (h *Handle) resolve(inst *Instance, err error) {
	h.inst = inst
	h.err = err
	close(h.ready)
}

// Acquire requests a slot for cfg. With spare capacity the process is spawned
// before Acquire returns; otherwise the handle is queued.
func (p *Pool) Acquire(cfg SpawnConfig) *Handle {
	h := &Handle{pool: p, cfg: cfg, ready: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		h.resolve(nil, ErrPoolClosed)
		return h
	}
	if p.running < p.max {
		p.running++
		p.startLocked(h)
	} else {
		p.queue = append(p.queue, h)
		p.logger.Debug("acquire queued", "queued", len(p.queue), "running", p.running, "max_concurrent", p.max)
	}
	p.publishLocked()
	return h
}

// startLocked spawns h in a slot already counted in p.running.
func (p *Pool) startLocked(h *Handle) {
	inst, err := p.spawner.Spawn(h.cfg)
	if err != nil {
		p.running--
		h.resolve(nil, err)
		return
	}
	h.resolve(inst, nil)
	go p.watch(inst)
}

func (p *Pool) watch(inst *Instance) {
	<-inst.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
	p.drainLocked()
	p.publishLocked()
}

func (p *Pool) drainLocked() {
	for !p.closed && p.running < p.max && len(p.queue) > 0 {
		h := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.startLocked(h)
	}
}

func (p *Pool) publishLocked() {
	p.metrics.setPool(p.running, len(p.queue), p.max)
}

// SetMaxConcurrent changes the bound and immediately admits queued requests
// if slots opened up. Values below one are clamped to one.
func (p *Pool) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = n
	p.drainLocked()
	p.publishLocked()
}

// Stats returns the current running, queued and bound counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Running: p.running, Queued: len(p.queue), MaxConcurrent: p.max}
}

// SendInput forwards to the spawner.
func (p *Pool) SendInput(id string, data []byte) bool {
	return p.spawner.SendInput(id, data)
}

// Kill forwards to the spawner.
func (p *Pool) Kill(id string) bool {
	return p.spawner.Kill(id)
}

// WaitFor forwards to the spawner.
func (p *Pool) WaitFor(ctx context.Context, id string) (InstanceInfo, error) {
	return p.spawner.WaitFor(ctx, id)
}

// Release drops a finished instance from the spawner's table.
func (p *Pool) Release(id string) bool {
	return p.spawner.Remove(id)
}

// Shutdown rejects queued requests and kills running instances.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	queued := p.queue
	p.queue = nil
	for _, h := range queued {
		h.resolve(nil, ErrPoolClosed)
	}
	p.publishLocked()
	p.mu.Unlock()

	if len(queued) > 0 {
		p.logger.Info("pool shutdown dropped queued requests", "count", len(queued))
	}
	return p.spawner.Shutdown(ctx)
}
