// Package domain provides the task graph entities, schedule snapshot
// types and the error taxonomy shared by services and adapters.
package domain

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency insertion that would close a cycle.
// The graph is left unchanged when it is returned.
type CycleError struct {
	Path []TaskID // closed walk, first element repeated last
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	return "dependency would create a cycle: " + strings.Join(parts, " -> ")
}

// UnknownTaskError reports a reference to a task id absent from the graph.
type UnknownTaskError struct {
	ID TaskID
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", string(e.ID))
}

// DependentsExistError reports a removal blocked by remaining dependents.
type DependentsExistError struct {
	ID         TaskID
	Dependents []TaskID
}

func (e *DependentsExistError) Error() string {
	return fmt.Sprintf("task %q still has %d dependent task(s)", string(e.ID), len(e.Dependents))
}

// InvalidStateError reports an operation applied to a task in the
// wrong lifecycle state, e.g. recording an actual duration for a task
// that never started.
type InvalidStateError struct {
	ID     TaskID
	Status TaskStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %q in state %s", e.Op, string(e.ID), e.Status)
}

// EstimationUnavailableError reports an oracle query failure. The
// scheduler recovers by falling back to the last known estimate; only
// when none exists does the affected connected subgraph get skipped.
type EstimationUnavailableError struct {
	ID    TaskID
	Cause error
}

func (e *EstimationUnavailableError) Error() string {
	return fmt.Sprintf("no duration estimate available for task %q: %v", string(e.ID), e.Cause)
}

func (e *EstimationUnavailableError) Unwrap() error { return e.Cause }
