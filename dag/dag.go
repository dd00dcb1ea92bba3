package dag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/metrics"
)

type NodeState string

const (
	StatePending   NodeState = "pending"
	StateRunning   NodeState = "running"
	StateSucceeded NodeState = "succeeded"
	StateFailed    NodeState = "failed"
	StateSkipped   NodeState = "skipped"
)

type NodeResult struct {
	ID          string
	Task        string
	State       NodeState
	Outputs     map[string]artifact.Artifact
	Fingerprint string
	// Cached is set when the outputs were reused from an earlier run.
	Cached   bool
	Attempts int
	Err      error
	Started  time.Time
	Finished time.Time
}

type Result struct {
	RunID    string
	Workflow string
	Nodes    map[string]*NodeResult
	// Order lists node ids in the order they were dispatched.
	Order []string
}

// Output returns the artifact published for a node output.
func (r *Result) Output(nodeID, output string) (artifact.Artifact, bool) {
	n, ok := r.Nodes[nodeID]
	if !ok {
		return artifact.Artifact{}, false
	}
	a, ok := n.Outputs[output]
	return a, ok
}

// Artifacts lists every artifact the run published, in dispatch order.
func (r *Result) Artifacts() []artifact.Artifact {
	var out []artifact.Artifact
	for _, id := range r.Order {
		n := r.Nodes[id]
		names := make([]string, 0, len(n.Outputs))
		for name := range n.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, n.Outputs[name])
		}
	}
	return out
}

// Executor runs workflows against a registry and an artifact store.
type Executor struct {
	registry    *Registry
	store       artifact.Store
	pools       map[string]*actor.Pool
	concurrency int
	log         logger.Logger
	metrics     *metrics.Metrics
	newBackOff  func() backoff.BackOff
}

type Option func(*Executor)

// WithConcurrency bounds how many nodes run at once.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPool makes a warm-worker pool available to tasks declaring its name.
func WithPool(p *actor.Pool) Option {
	return func(e *Executor) { e.pools[p.Name()] = p }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithBackOff sets the retry policy for idempotent tasks.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(e *Executor) { e.newBackOff = fn }
}

func NewExecutor(registry *Registry, store artifact.Store, opts ...Option) *Executor {
	e := &Executor{
		registry:    registry,
		store:       store,
		pools:       make(map[string]*actor.Pool),
		concurrency: runtime.NumCPU(),
		log:         logger.GetDefault(),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTask runs a single entry task with the given bindings.
func (e *Executor) RunTask(ctx context.Context, task string, binds ...Binding) (*Result, error) {
	wf := NewWorkflow(task)
	wf.Call(task, binds...)
	return e.Run(ctx, wf)
}

type completion struct {
	node     int
	outputs  map[string]artifact.Artifact
	fp       string
	cached   bool
	attempts int
	started  time.Time
	err      error
}

// Run builds the workflow's graph and executes it. Nodes whose inputs are all
// materialised are dispatched immediately, so independent branches run
// concurrently. A failed node halts its dependents while other branches keep
// going; the first failure is returned once everything in flight has settled.
func (e *Executor) Run(ctx context.Context, wf *Workflow) (*Result, error) {
	g, err := e.build(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("workflow %s cancelled: %w", wf.name, err)
	}

	res := &Result{
		RunID:    uuid.NewString(),
		Workflow: wf.name,
		Nodes:    make(map[string]*NodeResult, len(g.nodes)),
	}
	for _, n := range g.nodes {
		res.Nodes[n.id] = &NodeResult{ID: n.id, Task: n.def.Name, State: StatePending}
	}
	log := e.log.With("workflow", wf.name, "run", res.RunID)
	log.Info("workflow started", "nodes", len(g.nodes))

	remaining := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		remaining[i] = len(n.deps)
	}
	published := make([]map[string]artifact.Artifact, len(g.nodes))
	done := make(chan completion, len(g.nodes))

	var grp errgroup.Group
	grp.SetLimit(e.concurrency)
	inflight := 0

	dispatch := func(i int) {
		n := g.nodes[i]
		in := make(Inputs, len(n.def.Inputs))
		for p, v := range n.values {
			v.Data = bytes.Clone(v.Data)
			in[p] = v
		}
		for p, ed := range n.futures {
			a := published[ed.from][ed.output]
			in[p] = Value{Kind: a.Kind, Data: bytes.Clone(a.Payload), Ref: a.Ref()}
		}
		res.Nodes[n.id].State = StateRunning
		res.Order = append(res.Order, n.id)
		inflight++
		grp.Go(func() error {
			done <- e.execute(ctx, log, g, i, in)
			return nil
		})
	}

	var skip func(i int)
	skip = func(i int) {
		for _, d := range g.nodes[i].dependents {
			nr := res.Nodes[g.nodes[d].id]
			if nr.State == StatePending {
				nr.State = StateSkipped
				skip(d)
			}
		}
	}

	for _, i := range g.order {
		if remaining[i] == 0 {
			dispatch(i)
		}
	}

	var firstErr error
	for inflight > 0 {
		c := <-done
		inflight--
		n := g.nodes[c.node]
		nr := res.Nodes[n.id]
		nr.Fingerprint = c.fp
		nr.Cached = c.cached
		nr.Attempts = c.attempts
		nr.Started = c.started
		nr.Finished = time.Now()
		status := string(StateSucceeded)
		switch {
		case c.err != nil:
			status = string(StateFailed)
		case c.cached:
			status = "cached"
		}
		e.metrics.TaskFinished(n.def.Name, status, nr.Finished.Sub(nr.Started).Seconds())

		if c.err != nil {
			nr.State = StateFailed
			nr.Err = c.err
			if firstErr == nil {
				firstErr = c.err
			}
			log.Error("task failed", "node", n.id, "task", n.def.Name, "err", c.err)
			skip(c.node)
			continue
		}

		nr.State = StateSucceeded
		nr.Outputs = c.outputs
		published[c.node] = c.outputs
		if !c.cached {
			for _, a := range c.outputs {
				e.metrics.ArtifactCommitted(a.Kind)
			}
		}
		if ctx.Err() != nil {
			continue
		}
		for _, d := range n.dependents {
			remaining[d]--
			if remaining[d] == 0 && res.Nodes[g.nodes[d].id].State == StatePending {
				dispatch(d)
			}
		}
	}
	_ = grp.Wait()

	for _, nr := range res.Nodes {
		if nr.State == StatePending {
			nr.State = StateSkipped
		}
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = fmt.Errorf("workflow %s cancelled: %w", wf.name, ctx.Err())
	}
	if firstErr != nil {
		log.Error("workflow failed", "err", firstErr)
		return res, firstErr
	}
	log.Info("workflow finished", "artifacts", len(res.Artifacts()))
	return res, nil
}

// execute runs one node, retrying idempotent tasks, and commits its outputs
// as a single atomic batch.
func (e *Executor) execute(ctx context.Context, log logger.Logger, g *graph, i int, in Inputs) completion {
	n := g.nodes[i]
	def := n.def
	c := completion{node: i, fp: fingerprint(def, in), started: time.Now()}
	log = log.With("node", n.id, "task", def.Name)

	if def.CacheVersion != "" {
		if outputs, ok := e.recall(ctx, log, def, c.fp); ok {
			c.outputs = outputs
			c.cached = true
			log.Info("task cache hit", "fingerprint", c.fp, "outputs", len(outputs))
			return c
		}
	}

	fail := func(err error) completion {
		upstream := make(map[string]string, len(in))
		for p, v := range in {
			if v.Ref == "" {
				upstream[p] = "literal"
			} else {
				upstream[p] = v.Ref
			}
		}
		c.err = &TaskFailure{
			Task:        def.Name,
			Node:        n.id,
			Fingerprint: c.fp,
			Upstream:    upstream,
			Attempts:    c.attempts,
			Err:         err,
		}
		return c
	}

	var out Outputs
	op := func() error {
		c.attempts++
		log.Info("task started", "attempt", c.attempts, "cpu", def.Resources.CPU, "memory", def.Resources.Memory)
		callCtx := logger.ContextWithLogger(ctx, log)
		if def.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, def.Timeout)
			defer cancel()
		}
		var err error
		out, err = e.call(callCtx, def, in)
		if err != nil {
			log.Warn("task attempt failed", "attempt", c.attempts, "err", err)
			if errors.Is(err, ErrSchemaMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := checkOutputs(def, out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if def.Idempotent && def.MaxRetries > 0 {
		b = backoff.WithMaxRetries(e.newBackOff(), def.MaxRetries)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		// finished after cancellation: outputs are dropped, never published
		return fail(err)
	}

	drafts := make([]artifact.Draft, 0, len(def.Outputs))
	for _, p := range def.Outputs {
		name := p.Artifact
		if name == "" {
			name = g.workflow + "/" + n.id + "/" + p.Name
		}
		drafts = append(drafts, artifact.Draft{Name: name, Kind: p.Kind, Payload: out[p.Name], ProducedBy: n.id})
	}
	committed, err := e.store.Commit(ctx, drafts)
	if err != nil {
		return fail(fmt.Errorf("publishing outputs: %w", err))
	}
	c.outputs = make(map[string]artifact.Artifact, len(committed))
	for j, p := range def.Outputs {
		c.outputs[p.Name] = committed[j]
	}
	if def.CacheVersion != "" {
		refs := make(map[string]artifact.Ref, len(c.outputs))
		for name, a := range c.outputs {
			refs[name] = a.ID()
		}
		if err := e.store.Remember(ctx, c.fp, refs); err != nil {
			log.Warn("recording task cache entry failed", "err", err)
		}
	}
	log.Info("task finished", "attempts", c.attempts, "outputs", len(committed))
	return c
}

// recall returns the artifacts an earlier run published for fp. Any missing
// piece turns the lookup into a miss.
func (e *Executor) recall(ctx context.Context, log logger.Logger, def Definition, fp string) (map[string]artifact.Artifact, bool) {
	refs, err := e.store.Recall(ctx, fp)
	if err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			log.Warn("task cache lookup failed", "err", err)
		}
		return nil, false
	}
	outputs := make(map[string]artifact.Artifact, len(def.Outputs))
	for _, p := range def.Outputs {
		ref, ok := refs[p.Name]
		if !ok {
			return nil, false
		}
		a, err := e.store.Get(ctx, ref.Name, ref.Version)
		if err != nil || a.Kind != p.Kind {
			return nil, false
		}
		outputs[p.Name] = a
	}
	return outputs, true
}

// call invokes the task body, on a warm worker when the task names a pool.
func (e *Executor) call(ctx context.Context, def Definition, in Inputs) (out Outputs, err error) {
	if def.Pool == "" {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", def.Name, r)
			}
		}()
		return def.Run(ctx, in)
	}
	err = e.pools[def.Pool].Do(ctx, func(ctx context.Context, _ *actor.Worker) error {
		var runErr error
		out, runErr = def.Run(ctx, in)
		return runErr
	})
	return out, err
}

func checkOutputs(def Definition, out Outputs) error {
	for _, p := range def.Outputs {
		if _, ok := out[p.Name]; !ok {
			return mismatchf("task %s did not produce output %q", def.Name, p.Name)
		}
	}
	for name := range out {
		if _, ok := def.output(name); !ok {
			return mismatchf("task %s produced undeclared output %q", def.Name, name)
		}
	}
	return nil
}

// fingerprint hashes the task name and cache version with each input's kind
// and payload digest.
func fingerprint(def Definition, in Inputs) string {
	params := make([]string, 0, len(in))
	for p := range in {
		params = append(params, p)
	}
	sort.Strings(params)

	h := sha256.New()
	h.Write([]byte(def.Name))
	h.Write([]byte{0})
	h.Write([]byte(def.CacheVersion))
	for _, p := range params {
		v := in[p]
		h.Write([]byte{0})
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(v.Kind))
		h.Write([]byte{0})
		h.Write([]byte(artifact.Digest(v.Data)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
