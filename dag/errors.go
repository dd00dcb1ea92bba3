package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrCycleDetected   = errors.New("cycle detected")
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidTask     = errors.New("invalid task definition")
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func mismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

func cycleError(path []string) error {
	return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
}

// TaskFailure carries what is needed to reproduce a failed call.
type TaskFailure struct {
	Task        string
	Node        string
	Fingerprint string
	// Upstream maps each input to name@version, or "literal".
	Upstream map[string]string
	Attempts int
	Err      error
}

func (f *TaskFailure) Error() string {
	params := make([]string, 0, len(f.Upstream))
	for p := range f.Upstream {
		params = append(params, p)
	}
	sort.Strings(params)
	inputs := make([]string, 0, len(params))
	for _, p := range params {
		inputs = append(inputs, p+"="+f.Upstream[p])
	}
	return fmt.Sprintf("task %s (node %s, fingerprint %.12s, inputs [%s]) failed after %d attempt(s): %v",
		f.Task, f.Node, f.Fingerprint, strings.Join(inputs, " "), f.Attempts, f.Err)
}

func (f *TaskFailure) Unwrap() error { return f.Err }
