// Package pool manages pre-warmed provider clients. Sessions lease one
// recognizer, one synthesizer and one completion client for their whole
// lifetime; the pool keeps a low-water count of idle clients warm so call
// setup never pays a cold connect.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// ErrExhausted is returned when no client can be leased within the acquire
// timeout. Callers treat it as an admission rejection, not a transient error.
var ErrExhausted = errors.New("pool: exhausted")

type Config[T any] struct {
	// Name labels the pool in logs and metrics (e.g. "recognizer").
	Name string
	// LowWater is the idle count the warm loop maintains.
	LowWater int
	// HighWater caps total clients, leased plus idle.
	HighWater int
	// AcquireTimeout bounds how long Acquire waits for a free client.
	AcquireTimeout time.Duration
	// RefreshInterval is how often the warm loop tops the pool up.
	RefreshInterval time.Duration

	Constructor func(ctx context.Context) (T, error)
	Destructor  func(value T)
}

// Manager is a warm pool of clients of one kind.
type Manager[T any] struct {
	cfg  Config[T]
	pool *puddle.Pool[T]

	warmCancel context.CancelFunc
	warmDone   chan struct{}
	closeOnce  sync.Once
}

func NewManager[T any](cfg Config[T]) (*Manager[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("pool: name is required")
	}
	if cfg.Constructor == nil {
		return nil, fmt.Errorf("pool %s: constructor is required", cfg.Name)
	}
	if cfg.LowWater < 0 || cfg.HighWater < 1 || cfg.LowWater > cfg.HighWater {
		return nil, fmt.Errorf("pool %s: invalid watermarks low=%d high=%d", cfg.Name, cfg.LowWater, cfg.HighWater)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	destructor := cfg.Destructor
	if destructor == nil {
		destructor = func(T) {}
	}
	p, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: cfg.Constructor,
		Destructor:  destructor,
		MaxSize:     int32(cfg.HighWater),
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Name, err)
	}
	m := &Manager[T]{cfg: cfg, pool: p, warmDone: make(chan struct{})}
	warmCtx, cancel := context.WithCancel(context.Background())
	m.warmCancel = cancel
	go m.warmLoop(warmCtx)
	return m, nil
}

func (m *Manager[T]) Name() string { return m.cfg.Name }

// WarmUp synchronously creates clients up to the low-water mark. Construction
// errors are returned so startup can fail loudly instead of limping.
func (m *Manager[T]) WarmUp(ctx context.Context) error {
	for int(m.pool.Stat().TotalResources()) < m.cfg.LowWater {
		if err := m.pool.CreateResource(ctx); err != nil {
			return fmt.Errorf("pool %s: warm up: %w", m.cfg.Name, err)
		}
	}
	return nil
}

func (m *Manager[T]) warmLoop(ctx context.Context) {
	defer close(m.warmDone)
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Top up quietly; a failed construct is retried next tick.
			for int(m.pool.Stat().TotalResources()) < m.cfg.LowWater {
				if err := m.pool.CreateResource(ctx); err != nil {
					break
				}
			}
		}
	}
}

// Acquire leases a client, waiting at most the configured acquire timeout.
// A timeout maps to ErrExhausted; caller context cancellation passes through.
func (m *Manager[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()
	res, err := m.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrExhausted
		}
		return nil, err
	}
	return &Lease[T]{res: res}, nil
}

type Stats struct {
	Total    int
	Idle     int
	Acquired int
	Max      int
}

func (m *Manager[T]) Stat() Stats {
	s := m.pool.Stat()
	return Stats{
		Total:    int(s.TotalResources()),
		Idle:     int(s.IdleResources()),
		Acquired: int(s.AcquiredResources()),
		Max:      int(s.MaxResources()),
	}
}

// Close stops the warm loop and destroys idle clients. Blocks until all
// leased clients have been released or destroyed.
func (m *Manager[T]) Close() {
	m.closeOnce.Do(func() {
		m.warmCancel()
		<-m.warmDone
		m.pool.Close()
	})
}

// Lease is a held client. Release and Destroy are idempotent: every exit
// path of a session may call them without coordinating.
type Lease[T any] struct {
	res  *puddle.Resource[T]
	done atomic.Bool
}

func (l *Lease[T]) Value() T { return l.res.Value() }

// Release returns the client to the pool for reuse.
func (l *Lease[T]) Release() {
	if l.done.CompareAndSwap(false, true) {
		l.res.Release()
	}
}

// Destroy discards the client instead of reusing it. Use after a provider
// error that may have poisoned the connection.
func (l *Lease[T]) Destroy() {
	if l.done.CompareAndSwap(false, true) {
		l.res.Destroy()
	}
}
