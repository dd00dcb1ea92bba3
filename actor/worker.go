package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Worker is a long-lived execution context owned by one pool slot. Calls on a
// worker never overlap, so its loaded state needs no locking.
type Worker struct {
	id         string
	pool       string
	createdAt  time.Time
	lastActive time.Time
	calls      uint64
	state      map[string]any
	cache      *Cache
}

func newWorker(pool string, now time.Time, cacheSize int, onLookup func(bool)) (*Worker, error) {
	cache, err := newCache(cacheSize, onLookup)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:         uuid.NewString(),
		pool:       pool,
		createdAt:  now,
		lastActive: now,
		state:      make(map[string]any),
		cache:      cache,
	}, nil
}

func (w *Worker) ID() string           { return w.id }
func (w *Worker) Pool() string         { return w.pool }
func (w *Worker) CreatedAt() time.Time { return w.createdAt }
func (w *Worker) Cache() *Cache        { return w.cache }

// Calls is the number of calls this worker has served, including the current one.
func (w *Worker) Calls() uint64 { return w.calls }

// Load returns the state stored under key, calling loader once to build it.
func (w *Worker) Load(key string, loader func() (any, error)) (any, error) {
	if v, ok := w.state[key]; ok {
		return v, nil
	}
	v, err := loader()
	if err != nil {
		return nil, fmt.Errorf("loading %s on worker %s: %w", key, w.id, err)
	}
	w.state[key] = v
	return v, nil
}

// Loaded reports whether key is already present in the worker's state.
func (w *Worker) Loaded(key string) bool {
	_, ok := w.state[key]
	return ok
}

func (w *Worker) teardown() {
	w.state = nil
	w.cache.purge()
}

type workerCtxKey struct{}

func withWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, w)
}

// WorkerFromContext returns the worker executing the current call, if any.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerCtxKey{}).(*Worker)
	return w, ok && w != nil
}
