// Package actor implements a fixed-size pool of warm workers. Workers keep
// loaded state and a call cache across calls and are torn down after sitting
// idle for longer than the pool's TTL.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/metrics"
)

var (
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrWorkerCrashed     = errors.New("worker crashed")
	ErrPoolClosed        = errors.New("pool closed")
)

type Config struct {
	Name     string
	Replicas int
	// TTL tears down a worker idle for longer than this. Zero keeps idle workers forever.
	TTL time.Duration
	// Lifetime bounds a worker's total age. Zero means unbounded.
	Lifetime time.Duration
	// AcquireTimeout is how long one attempt waits for a free worker.
	AcquireTimeout time.Duration
	AcquireRetries uint64
	RetryInterval  time.Duration
	CacheSize      int
}

func DefaultConfig() Config {
	return Config{
		Name:           "actor",
		Replicas:       1,
		TTL:            120 * time.Second,
		AcquireTimeout: 30 * time.Second,
		AcquireRetries: 3,
		RetryInterval:  200 * time.Millisecond,
		CacheSize:      DefaultCacheSize,
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("pool name is required")
	}
	if c.Replicas <= 0 {
		return fmt.Errorf("pool %s: replicas must be greater than zero", c.Name)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("pool %s: acquire timeout must be greater than zero", c.Name)
	}
	if c.TTL < 0 || c.Lifetime < 0 {
		return fmt.Errorf("pool %s: ttl and lifetime must not be negative", c.Name)
	}
	return nil
}

type slot struct {
	index  int
	worker *Worker
	busy   bool
}

type Stats struct {
	Replicas int
	Live     int
	Busy     int
}

type Pool struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	reapInt time.Duration

	mu     sync.Mutex
	slots  []*slot
	idle   chan *slot
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock replaces time.Now for TTL and lifetime decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithReapInterval sets how often idle workers are checked for expiry.
// A non-positive interval disables the background reaper; expiry is then
// only applied when a slot is next assigned.
func WithReapInterval(d time.Duration) Option {
	return func(p *Pool) { p.reapInt = d }
}

func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		log:     logger.GetDefault(),
		now:     time.Now,
		reapInt: cfg.TTL / 2,
		slots:   make([]*slot, cfg.Replicas),
		idle:    make(chan *slot, cfg.Replicas),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("pool", cfg.Name)
	for i := range p.slots {
		s := &slot{index: i}
		p.slots[i] = s
		p.idle <- s
	}
	if p.reapInt > 0 {
		p.wg.Add(1)
		go p.reap()
	}
	return p, nil
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) Config() Config { return p.cfg }

// Do runs fn on a warm worker. It waits for a free worker, retrying with
// backoff, and fails with ErrWorkerUnavailable once the retries are spent.
// A panic in fn is reported as ErrWorkerCrashed and the worker is replaced.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	s, err := p.acquireWithRetry(ctx)
	if err != nil {
		return err
	}
	w, err := p.prepare(s)
	if err != nil {
		p.release(s, true)
		return err
	}
	return p.run(ctx, s, w, fn)
}

func (p *Pool) acquireWithRetry(ctx context.Context) (*slot, error) {
	started := p.now()
	var (
		s        *slot
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		s, err = p.acquire(ctx)
		if errors.Is(err, ErrWorkerUnavailable) {
			p.log.Warn("no worker free", "attempt", attempts)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	b := backoff.WithMaxRetries(eb, p.cfg.AcquireRetries)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, ErrWorkerUnavailable) {
			return nil, fmt.Errorf("pool %s: %w after %d attempts", p.cfg.Name, ErrWorkerUnavailable, attempts)
		}
		return nil, err
	}
	p.metrics.AcquireWaited(p.cfg.Name, p.now().Sub(started).Seconds())
	return s, nil
}

func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case s := <-p.idle:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			p.idle <- s
			return nil, ErrPoolClosed
		}
		s.busy = true
		return s, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrWorkerUnavailable
	}
}

// prepare returns the slot's live worker, replacing it when expired.
func (p *Pool) prepare(s *slot) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if s.worker != nil {
		if reason := p.expired(s.worker, now); reason != "" {
			p.destroyLocked(s, reason)
		}
	}
	if s.worker == nil {
		w, err := newWorker(p.cfg.Name, now, p.cfg.CacheSize, func(hit bool) {
			p.metrics.CacheLookup(p.cfg.Name, hit)
		})
		if err != nil {
			return nil, err
		}
		s.worker = w
		p.log.Info("worker started", "worker", w.id, "slot", s.index)
		p.metrics.WorkersAlive(p.cfg.Name, p.liveLocked())
	}
	s.worker.calls++
	return s.worker, nil
}

func (p *Pool) run(ctx context.Context, s *slot, w *Worker, fn func(context.Context, *Worker) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: worker %s: %v", ErrWorkerCrashed, w.id, r)
			p.log.Error("worker crashed", "worker", w.id, "panic", r)
			p.release(s, true)
			return
		}
		p.release(s, false)
	}()
	return fn(withWorker(ctx, w), w)
}

func (p *Pool) release(s *slot, crashed bool) {
	p.mu.Lock()
	if s.worker != nil {
		switch {
		case crashed:
			p.destroyLocked(s, "crashed")
		case p.closed:
			p.destroyLocked(s, "pool closed")
		default:
			s.worker.lastActive = p.now()
		}
	}
	s.busy = false
	p.mu.Unlock()
	p.idle <- s
}

func (p *Pool) expired(w *Worker, now time.Time) string {
	if p.cfg.TTL > 0 && now.Sub(w.lastActive) > p.cfg.TTL {
		return "idle ttl elapsed"
	}
	if p.cfg.Lifetime > 0 && now.Sub(w.createdAt) > p.cfg.Lifetime {
		return "lifetime reached"
	}
	return ""
}

func (p *Pool) destroyLocked(s *slot, reason string) {
	w := s.worker
	s.worker = nil
	w.teardown()
	p.log.Info("worker torn down", "worker", w.id, "slot", s.index, "reason", reason, "calls", w.calls)
	p.metrics.WorkersAlive(p.cfg.Name, p.liveLocked())
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.worker != nil {
			n++
		}
	}
	return n
}

func (p *Pool) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reapInt)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Reap tears down idle workers past their TTL or lifetime and returns how many were removed.
func (p *Pool) Reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, s := range p.slots {
		if s.busy || s.worker == nil {
			continue
		}
		if reason := p.expired(s.worker, now); reason != "" {
			p.destroyLocked(s, reason)
			n++
		}
	}
	return n
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Replicas: len(p.slots)}
	for _, s := range p.slots {
		if s.worker != nil {
			st.Live++
		}
		if s.busy {
			st.Busy++
		}
	}
	return st
}

// Close stops the reaper and tears down idle workers. Busy workers are torn
// down when their call returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	for _, s := range p.slots {
		if !s.busy && s.worker != nil {
			p.destroyLocked(s, "pool closed")
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
