package domain

import (
	"iter"
	"sort"
	"time"
)

// TaskGraph owns the task entities and their dependency structure. It
// is not safe for concurrent use; the engine serializes all mutations
// through a single lock.
//
// Every structural mutation marks the downstream closure of the
// touched task dirty and invalidates the cached topological order.
type TaskGraph struct {
	tasks      map[TaskID]*Task
	successors map[TaskID][]TaskID
	order      []TaskID // insertion order
	nextSeq    int64

	dirty      map[TaskID]struct{}
	cachedTopo []TaskID // nil when invalidated
}

func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:      make(map[TaskID]*Task),
		successors: make(map[TaskID][]TaskID),
		dirty:      make(map[TaskID]struct{}),
	}
}

// AddTask inserts a task with the given id and attributes. The id is
// generated by the caller (the engine) so persistence reloads keep
// their identities.
func (g *TaskGraph) AddTask(id TaskID, attrs TaskAttributes, now time.Time) *Task {
	reqs := make(map[ResourceID]float64, len(attrs.Requirements))
	for rid, qty := range attrs.Requirements {
		reqs[rid] = qty
	}

	t := &Task{
		ID:           id,
		Name:         attrs.Name,
		Priority:     attrs.Priority,
		Requirements: reqs,
		Deadline:     attrs.Deadline,
		Status:       TaskStatusPending,
		Seq:          g.nextSeq,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.nextSeq++

	g.tasks[id] = t
	g.order = append(g.order, id)
	g.markDirty(id)
	return t
}

// AddDependency records pred -> succ. It fails with UnknownTaskError
// if either endpoint is absent and with CycleError (graph unchanged)
// if succ already reaches pred through successor edges.
func (g *TaskGraph) AddDependency(pred, succ TaskID) error {
	if _, ok := g.tasks[pred]; !ok {
		return &UnknownTaskError{ID: pred}
	}
	t, ok := g.tasks[succ]
	if !ok {
		return &UnknownTaskError{ID: succ}
	}
	if pred == succ {
		return &CycleError{Path: []TaskID{pred, pred}}
	}

	for _, existing := range t.Dependencies {
		if existing == pred {
			return nil // already recorded
		}
	}

	// Reachability check before insertion: a path succ ~> pred means
	// the new edge would close a cycle.
	if path := g.findPath(succ, pred); path != nil {
		return &CycleError{Path: append(path, succ)}
	}

	t.Dependencies = append(t.Dependencies, pred)
	g.successors[pred] = append(g.successors[pred], succ)
	g.markDirty(succ)
	return nil
}

// RemoveTask deletes a task. It fails while other tasks still depend
// on it.
func (g *TaskGraph) RemoveTask(id TaskID) error {
	if _, ok := g.tasks[id]; !ok {
		return &UnknownTaskError{ID: id}
	}
	if deps := g.successors[id]; len(deps) > 0 {
		return &DependentsExistError{ID: id, Dependents: append([]TaskID(nil), deps...)}
	}

	g.markDirty(id) // successors of predecessors stay valid, but windows freed
	t := g.tasks[id]
	for _, pred := range t.Dependencies {
		succs := g.successors[pred]
		for i, s := range succs {
			if s == id {
				g.successors[pred] = append(succs[:i], succs[i+1:]...)
				break
			}
		}
	}
	delete(g.tasks, id)
	delete(g.successors, id)
	delete(g.dirty, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.cachedTopo = nil
	return nil
}

// UpdateEstimate replaces a task's duration distribution and dirties
// its downstream closure.
func (g *TaskGraph) UpdateEstimate(id TaskID, mean, variance time.Duration, now time.Time) error {
	t, ok := g.tasks[id]
	if !ok {
		return &UnknownTaskError{ID: id}
	}
	t.Estimate = &Estimate{Mean: mean, Variance: variance, Confidence: 1.0}
	t.UpdatedAt = now
	g.markDirty(id)
	return nil
}

func (g *TaskGraph) Task(id TaskID) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *TaskGraph) Len() int { return len(g.tasks) }

// Tasks returns all tasks in insertion order.
func (g *TaskGraph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Successors returns the direct dependents of id.
func (g *TaskGraph) Successors(id TaskID) []TaskID {
	return append([]TaskID(nil), g.successors[id]...)
}

// TopologicalOrder yields task ids consistent with all dependency
// edges, ties broken by insertion order. The sequence is lazy and may
// be restarted; the underlying order is computed once and cached
// until the next structural mutation.
func (g *TaskGraph) TopologicalOrder() iter.Seq[TaskID] {
	return func(yield func(TaskID) bool) {
		for _, id := range g.topo() {
			if !yield(id) {
				return
			}
		}
	}
}

func (g *TaskGraph) topo() []TaskID {
	if g.cachedTopo != nil {
		return g.cachedTopo
	}

	inDegree := make(map[TaskID]int, len(g.tasks))
	for id, t := range g.tasks {
		inDegree[id] = len(t.Dependencies)
	}

	// Ready heap as a sorted slice keyed by insertion seq: small
	// graphs dominate here and determinism matters more than O(log n).
	var ready []TaskID
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]TaskID, 0, len(g.tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.tasks[ready[i]].Seq < g.tasks[ready[j]].Seq
		})
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, succ := range g.successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	g.cachedTopo = sorted
	return sorted
}

// DownstreamClosure returns id plus every task reachable from id by
// following successor edges.
func (g *TaskGraph) DownstreamClosure(id TaskID) map[TaskID]struct{} {
	closure := make(map[TaskID]struct{})
	var walk func(TaskID)
	walk = func(cur TaskID) {
		if _, seen := closure[cur]; seen {
			return
		}
		closure[cur] = struct{}{}
		for _, succ := range g.successors[cur] {
			walk(succ)
		}
	}
	walk(id)
	return closure
}

// TakeDirty returns the accumulated dirty set and resets it.
func (g *TaskGraph) TakeDirty() map[TaskID]struct{} {
	d := g.dirty
	g.dirty = make(map[TaskID]struct{})
	return d
}

// MarkDirty dirties id's downstream closure explicitly, used by the
// feedback loop after a completion report.
func (g *TaskGraph) MarkDirty(id TaskID) {
	g.markDirty(id)
}

func (g *TaskGraph) markDirty(id TaskID) {
	for tid := range g.DownstreamClosure(id) {
		g.dirty[tid] = struct{}{}
	}
	g.cachedTopo = nil
}

// findPath returns a path from -> to following successor edges, or
// nil when to is unreachable.
func (g *TaskGraph) findPath(from, to TaskID) []TaskID {
	visited := make(map[TaskID]struct{})
	var dfs func(cur TaskID) []TaskID
	dfs = func(cur TaskID) []TaskID {
		if cur == to {
			return []TaskID{cur}
		}
		visited[cur] = struct{}{}
		for _, succ := range g.successors[cur] {
			if _, seen := visited[succ]; seen {
				continue
			}
			if path := dfs(succ); path != nil {
				return append([]TaskID{cur}, path...)
			}
		}
		return nil
	}
	return dfs(from)
}

// Clone deep-copies the graph so a scheduling pass can run against an
// immutable view. The dirty set is not carried over.
func (g *TaskGraph) Clone() *TaskGraph {
	c := NewTaskGraph()
	c.nextSeq = g.nextSeq
	c.order = append([]TaskID(nil), g.order...)
	for id, t := range g.tasks {
		c.tasks[id] = t.Clone()
	}
	for id, succs := range g.successors {
		c.successors[id] = append([]TaskID(nil), succs...)
	}
	return c
}
