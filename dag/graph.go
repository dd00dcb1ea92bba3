package dag

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/humblenginr/iris_pipeline/artifact"
)

// edge feeds one output of an upstream node into a parameter.
type edge struct {
	from   int
	output string
}

type graphNode struct {
	id  string
	def Definition
	// values holds inputs already materialised at build time (literals, queries).
	values map[string]Value
	// futures holds inputs produced by upstream nodes.
	futures    map[string]edge
	deps       []int
	dependents []int
}

// graph is the validated execution graph of one workflow run.
type graph struct {
	workflow string
	nodes    []*graphNode
	order    []int
}

// build resolves every node and binding and proves the graph acyclic. No task
// runs when build fails.
func (e *Executor) build(ctx context.Context, wf *Workflow) (*graph, error) {
	if len(wf.errs) > 0 {
		return nil, errors.Join(wf.errs...)
	}
	if len(wf.nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no calls", ErrInvalidWorkflow, wf.name)
	}

	g := &graph{workflow: wf.name, nodes: make([]*graphNode, len(wf.nodes))}
	index := make(map[string]int, len(wf.nodes))
	for i, n := range wf.nodes {
		def, err := e.registry.Resolve(n.task)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.id, err)
		}
		if def.Pool != "" && e.pools[def.Pool] == nil {
			return nil, notFoundf("node %s: worker pool %s", n.id, def.Pool)
		}
		g.nodes[i] = &graphNode{
			id:      n.id,
			def:     def,
			values:  make(map[string]Value),
			futures: make(map[string]edge),
		}
		index[n.id] = i
	}

	for i, n := range wf.nodes {
		gn := g.nodes[i]
		for _, b := range n.binds {
			if err := e.bind(ctx, g, index, gn, b); err != nil {
				return nil, fmt.Errorf("node %s: %w", n.id, err)
			}
		}
		for _, p := range gn.def.Inputs {
			_, lit := gn.values[p.Name]
			_, fut := gn.futures[p.Name]
			if !lit && !fut {
				return nil, mismatchf("node %s: input %q is not bound", n.id, p.Name)
			}
		}
		for _, ed := range gn.futures {
			if !slices.Contains(gn.deps, ed.from) {
				gn.deps = append(gn.deps, ed.from)
			}
		}
		slices.Sort(gn.deps)
		for _, d := range gn.deps {
			g.nodes[d].dependents = append(g.nodes[d].dependents, i)
		}
	}

	order := g.topoOrder()
	if len(order) != len(g.nodes) {
		return nil, cycleError(g.findCycle())
	}
	g.order = order
	return g, nil
}

func (e *Executor) bind(ctx context.Context, g *graph, index map[string]int, gn *graphNode, b Binding) error {
	param, ok := gn.def.input(b.Param)
	if !ok {
		return mismatchf("task %s has no input %q", gn.def.Name, b.Param)
	}
	_, lit := gn.values[b.Param]
	_, fut := gn.futures[b.Param]
	if lit || fut {
		return mismatchf("input %q bound twice", b.Param)
	}

	switch src := b.Source.(type) {
	case Future:
		from, ok := index[src.Node]
		if !ok {
			return notFoundf("upstream node %s", src.Node)
		}
		out, ok := g.nodes[from].def.output(src.Output)
		if !ok {
			return notFoundf("output %s.%s", src.Node, src.Output)
		}
		if out.Kind != param.Kind {
			return mismatchf("input %q wants %s, %s.%s is %s", b.Param, param.Kind, src.Node, src.Output, out.Kind)
		}
		gn.futures[b.Param] = edge{from: from, output: src.Output}
	case literal:
		if src.value.Kind != param.Kind {
			return mismatchf("input %q wants %s, literal is %s", b.Param, param.Kind, src.value.Kind)
		}
		gn.values[b.Param] = src.value
	case query:
		a, err := e.store.Get(ctx, src.name, src.version)
		if errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if err != nil {
			return err
		}
		if a.Kind != param.Kind {
			return mismatchf("input %q wants %s, %s is %s", b.Param, param.Kind, a.Ref(), a.Kind)
		}
		gn.values[b.Param] = Value{Kind: a.Kind, Data: a.Payload, Ref: a.Ref()}
	case nil:
		return mismatchf("input %q has no source", b.Param)
	default:
		return mismatchf("input %q has unsupported source %T", b.Param, src)
	}
	return nil
}

// topoOrder is Kahn's algorithm with ties broken by declaration order. A
// result shorter than the node count means the graph has a cycle.
func (g *graph) topoOrder() []int {
	indeg := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		indeg[i] = len(n.deps)
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range g.nodes[n].dependents {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return order
}

// findCycle returns one cycle as node ids, first id repeated at the end.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.nodes[u].dependents {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v .. u -> v
				cycle = append(cycle, u)
				for cur := parent[u]; cur != -1 && u != v; cur = parent[cur] {
					cycle = append(cycle, cur)
					if cur == v {
						break
					}
				}
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	slices.Reverse(cycle)
	path := make([]string, 0, len(cycle)+1)
	for _, i := range cycle {
		path = append(path, g.nodes[i].id)
	}
	return append(path, path[0])
}
