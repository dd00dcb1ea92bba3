package dag

import (
	"fmt"
	"strconv"
)

// Workflow is a declarative chain of task calls. Calls return nodes whose
// outputs are futures; nothing runs until the workflow is handed to an Executor.
type Workflow struct {
	name  string
	nodes []*Node
	byID  map[string]*Node
	errs  []error
}

type Node struct {
	id    string
	task  string
	binds []Binding
}

func NewWorkflow(name string) *Workflow {
	return &Workflow{name: name, byID: make(map[string]*Node)}
}

func (wf *Workflow) Name() string { return wf.name }

// Call adds an invocation of task. The node id defaults to the task name,
// suffixed with a counter when the task is called more than once.
func (wf *Workflow) Call(task string, binds ...Binding) *Node {
	id := task
	for i := 2; wf.byID[id] != nil; i++ {
		id = task + "-" + strconv.Itoa(i)
	}
	return wf.CallAs(id, task, binds...)
}

// CallAs adds an invocation of task under an explicit node id.
func (wf *Workflow) CallAs(id, task string, binds ...Binding) *Node {
	n := &Node{id: id, task: task, binds: binds}
	if id == "" {
		wf.errs = append(wf.errs, fmt.Errorf("%w: empty node id for task %s", ErrInvalidWorkflow, task))
		return n
	}
	if wf.byID[id] != nil {
		wf.errs = append(wf.errs, fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, id))
		return n
	}
	wf.byID[id] = n
	wf.nodes = append(wf.nodes, n)
	return n
}

// Ref refers to an output of the node with the given id, which may be added later.
func (wf *Workflow) Ref(nodeID, output string) Future {
	return Future{Node: nodeID, Output: output}
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Task() string { return n.task }

func (n *Node) Out(output string) Future {
	return Future{Node: n.id, Output: output}
}
