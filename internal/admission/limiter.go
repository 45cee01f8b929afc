// Package admission bounds how many requests may hold system capacity at
// once. A request is first admitted (counted against MaxAdmitted, covering
// both running and waiting requests) and then obtains a run slot (counted
// against MaxConcurrent). Admission itself never blocks: when the admission
// ceiling is reached the caller gets an immediate rejection it can translate
// into client-side backoff, instead of joining an unbounded queue.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull    = errors.New("admission queue full")
	ErrQueueTimeout = errors.New("timed out waiting for execution slot")
	ErrShuttingDown = errors.New("limiter is shutting down")
)

// TicketState tracks a ticket through its lifecycle.
type TicketState int32

const (
	StateQueued TicketState = iota
	StateRunning
	StateReleased
)

// Ticket is one request's claim on capacity. It is owned by the request
// that acquired it and must be released exactly once; Release is guarded
// so a double release is a no-op rather than a counter corruption.
type Ticket struct {
	createdAt time.Time
	state     TicketState // guarded by the limiter mutex
}

// CreatedAt returns when the ticket was created.
func (t *Ticket) CreatedAt() time.Time { return t.createdAt }

// Config configures the limiter.
type Config struct {
	// MaxConcurrent is the execution parallelism ceiling.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// MaxAdmitted is the total admission ceiling: running + waiting.
	MaxAdmitted int `yaml:"max_admitted" json:"max_admitted"`
	// QueueTimeout bounds how long an admitted request waits for a run slot.
	QueueTimeout time.Duration `yaml:"queue_timeout" json:"queue_timeout"`
	// DrainGrace bounds how long Drain waits for admitted requests to finish.
	DrainGrace time.Duration `yaml:"drain_grace" json:"drain_grace"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		MaxAdmitted:   32,
		QueueTimeout:  30 * time.Second,
		DrainGrace:    30 * time.Second,
	}
}

type waiter struct {
	grant   chan struct{} // closed once a run slot is handed over
	granted bool          // guarded by the limiter mutex
	elem    *list.Element
}

// Limiter is the process-wide admission gate. It is constructed once by the
// composition root and passed by reference to request handlers; there is no
// package-level instance.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	running       int
	admitted      int
	draining      bool
	drained       chan struct{}
	drainedClosed bool
	waiters       *list.List // of *waiter, FIFO
}

// New creates a limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAdmitted < cfg.MaxConcurrent {
		cfg.MaxAdmitted = cfg.MaxConcurrent
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "admission")),
		drained: make(chan struct{}),
		waiters: list.New(),
	}
}

// Acquire admits the caller and obtains a run slot. It fails immediately
// with ErrShuttingDown while draining and with ErrQueueFull when the
// admission ceiling is reached. An admitted caller waits FIFO for a run
// slot, bounded by QueueTimeout and by ctx; on either, its admission is
// released before the error is returned.
func (l *Limiter) Acquire(ctx context.Context) (*Ticket, error) {
	l.mu.Lock()

	if l.draining {
		l.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if l.admitted >= l.cfg.MaxAdmitted {
		l.mu.Unlock()
		return nil, ErrQueueFull
	}

	t := &Ticket{createdAt: time.Now(), state: StateQueued}
	l.admitted++

	if l.running < l.cfg.MaxConcurrent {
		l.running++
		t.state = StateRunning
		l.mu.Unlock()
		return t, nil
	}

	w := &waiter{grant: make(chan struct{})}
	w.elem = l.waiters.PushBack(w)
	l.mu.Unlock()

	timer := time.NewTimer(l.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		l.mu.Lock()
		t.state = StateRunning // running was incremented by the granter
		l.mu.Unlock()
		return t, nil
	case <-timer.C:
		l.abandonWait(t, w)
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		l.abandonWait(t, w)
		return nil, ctx.Err()
	}
}

// abandonWait undoes a parked acquisition after timeout or cancellation.
// The grant may have raced with the timeout; in that case the run slot is
// already ours and must be passed on.
func (l *Limiter) abandonWait(t *Ticket, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.granted {
		l.running--
		l.grantNextLocked()
	} else {
		l.waiters.Remove(w.elem)
	}
	l.admitted--
	t.state = StateReleased
	l.checkDrainedLocked()
}

// Release returns the ticket's run slot and admission. Calling it on an
// already-Released ticket is a no-op.
func (l *Limiter) Release(t *Ticket) {
	if t == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if t.state == StateReleased {
		return
	}
	if t.state == StateRunning {
		l.running--
		l.grantNextLocked()
	}
	t.state = StateReleased
	l.admitted--
	l.checkDrainedLocked()
}

// grantNextLocked hands a free run slot to the longest waiter, if any.
func (l *Limiter) grantNextLocked() {
	if l.running >= l.cfg.MaxConcurrent {
		return
	}
	e := l.waiters.Front()
	if e == nil {
		return
	}
	l.waiters.Remove(e)
	w := e.Value.(*waiter)
	w.granted = true
	l.running++
	close(w.grant)
}

func (l *Limiter) checkDrainedLocked() {
	if l.draining && l.admitted == 0 && !l.drainedClosed {
		l.drainedClosed = true
		close(l.drained)
	}
}

// Do runs fn while holding an admission ticket. The ticket is released on
// every exit path, including panics inside fn.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release(t)
	return fn(ctx)
}

// Drain flips the limiter into shutdown mode: new Acquire calls fail with
// ErrShuttingDown while already-admitted requests run to completion. It
// blocks until the limiter is empty, bounded by DrainGrace and ctx.
func (l *Limiter) Drain(ctx context.Context) error {
	l.mu.Lock()
	if !l.draining {
		l.draining = true
		l.logger.Info("draining", zap.Int("admitted", l.admitted))
		l.checkDrainedLocked()
	}
	drained := l.drained
	l.mu.Unlock()

	grace := l.cfg.DrainGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
		l.logger.Info("drain complete")
		return nil
	case <-timer.C:
		l.logger.Warn("drain grace elapsed with requests still admitted",
			zap.Int("admitted", l.Stats().Admitted))
		return errors.New("drain grace period elapsed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Running  int  `json:"running"`
	Admitted int  `json:"admitted"`
	Waiting  int  `json:"waiting"`
	Draining bool `json:"draining"`
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Running:  l.running,
		Admitted: l.admitted,
		Waiting:  l.waiters.Len(),
		Draining: l.draining,
	}
}

// QueueTimeout exposes the configured wait bound, used by the API layer
// for Retry-After hints.
func (l *Limiter) QueueTimeout() time.Duration { return l.cfg.QueueTimeout }
