package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const KindInt = "int"

// Value is a materialised task input: either an upstream artifact or a literal.
type Value struct {
	Kind string
	Data []byte
	// Ref is name@version for values read from the artifact store, empty for literals.
	Ref string
}

type Inputs map[string]Value

// Decode unmarshals the JSON payload of input name into v.
func (in Inputs) Decode(name string, v any) error {
	val, ok := in[name]
	if !ok {
		return fmt.Errorf("%w: input %q", ErrNotFound, name)
	}
	if err := json.Unmarshal(val.Data, v); err != nil {
		return fmt.Errorf("decoding input %q: %w", name, err)
	}
	return nil
}

// Outputs maps declared output names to payloads.
type Outputs map[string][]byte

// Set stores the JSON form of v under name.
func (o Outputs) Set(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output %q: %w", name, err)
	}
	o[name] = raw
	return nil
}

type RunFunc func(ctx context.Context, in Inputs) (Outputs, error)

type Param struct {
	Name string
	Kind string
	// Artifact names the store entry an output is published under. Empty
	// publishes under <workflow>/<node>/<param>.
	Artifact string
}

// Resources is forwarded to placement; the executor only records it.
type Resources struct {
	CPU    string
	Memory string
}

type Definition struct {
	Name       string
	Inputs     []Param
	Outputs    []Param
	Resources  Resources
	Idempotent bool
	MaxRetries uint64
	Timeout    time.Duration
	// CacheVersion enables cross-run reuse of outputs for identical inputs.
	// Changing it invalidates earlier entries.
	CacheVersion string
	// Pool routes execution to the named warm-worker pool.
	Pool string
	Run  RunFunc
}

func (d Definition) input(name string) (Param, bool) {
	for _, p := range d.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func (d Definition) output(name string) (Param, bool) {
	for _, p := range d.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// TaskBuilder assembles a Definition.
type TaskBuilder struct {
	def Definition
}

func NewTask(name string) *TaskBuilder {
	return &TaskBuilder{def: Definition{Name: name}}
}

func (b *TaskBuilder) Input(name, kind string) *TaskBuilder {
	b.def.Inputs = append(b.def.Inputs, Param{Name: name, Kind: kind})
	return b
}

func (b *TaskBuilder) Output(name, kind string) *TaskBuilder {
	b.def.Outputs = append(b.def.Outputs, Param{Name: name, Kind: kind})
	return b
}

// OutputAs declares an output published under a fixed artifact name.
func (b *TaskBuilder) OutputAs(name, kind, artifactName string) *TaskBuilder {
	b.def.Outputs = append(b.def.Outputs, Param{Name: name, Kind: kind, Artifact: artifactName})
	return b
}

func (b *TaskBuilder) Resources(cpu, memory string) *TaskBuilder {
	b.def.Resources = Resources{CPU: cpu, Memory: memory}
	return b
}

// Idempotent allows the executor to re-run the task on failure.
func (b *TaskBuilder) Idempotent() *TaskBuilder {
	b.def.Idempotent = true
	return b
}

func (b *TaskBuilder) Retries(n uint64) *TaskBuilder {
	b.def.MaxRetries = n
	return b
}

func (b *TaskBuilder) Timeout(d time.Duration) *TaskBuilder {
	b.def.Timeout = d
	return b
}

// Cache lets a run reuse the artifacts an earlier run published for the same
// task, version and inputs instead of calling the task again.
func (b *TaskBuilder) Cache(version string) *TaskBuilder {
	b.def.CacheVersion = version
	return b
}

func (b *TaskBuilder) OnPool(name string) *TaskBuilder {
	b.def.Pool = name
	return b
}

func (b *TaskBuilder) Run(fn RunFunc) *TaskBuilder {
	b.def.Run = fn
	return b
}

func (b *TaskBuilder) Build() Definition {
	return b.def
}

// Input sources bound to task parameters.
type Input interface {
	source()
}

// Future refers to an output of another node that is materialised when that node finishes.
type Future struct {
	Node   string
	Output string
}

func (Future) source() {}

type literal struct {
	value Value
}

func (literal) source() {}

// Literal binds an inline value of the given kind.
func Literal(kind string, data []byte) Input {
	return literal{value: Value{Kind: kind, Data: data}}
}

func Int(n int) Input {
	return Literal(KindInt, []byte(strconv.Itoa(n)))
}

// JSON binds the JSON form of v. It panics if v cannot be marshalled, as
// literals are built from program constants.
func JSON(kind string, v any) Input {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("dag: literal of kind %s: %v", kind, err))
	}
	return Literal(kind, raw)
}

type query struct {
	name    string
	version uint64
}

func (query) source() {}

// Query binds a stored artifact, resolved when the graph is built. Version 0 selects the latest.
func Query(name string, version uint64) Input {
	return query{name: name, version: version}
}

type Binding struct {
	Param  string
	Source Input
}

func Bind(param string, src Input) Binding {
	return Binding{Param: param, Source: src}
}
