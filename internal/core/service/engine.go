// Package service provides the adaptive scheduling engine: the
// serialized mutation surface over the task graph, the two-phase
// constraint scheduler and the feedback calibration loop.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the stateful scheduling service. All mutations are
// serialized through one lock; read queries are served from an
// immutable snapshot swapped atomically after each completed pass.
// Recomputation runs asynchronously off a coalescing trigger, in
// mutation order.
type Engine struct {
	mu        sync.Mutex
	graph     *domain.TaskGraph
	resources map[domain.ResourceID]*domain.Resource
	// lastEstimates is the per-task fallback when an oracle query
	// fails mid-pass.
	lastEstimates map[domain.TaskID]domain.Estimate
	version       int64
	fullPass      bool // next pass recomputes the whole graph

	snapshot atomic.Pointer[domain.Schedule]
	trigger  chan struct{}

	scheduler  *Scheduler
	oracle     port.DurationOracle
	calibrator *Calibrator
	publisher  port.SchedulePublisher
	log        *zap.Logger

	// statusHook, when set, observes every committed status
	// transition. Register before Start.
	statusHook func(domain.TaskID, domain.TaskStatus)

	now func() time.Time
}

func NewEngine(
	cfg SchedulerConfig,
	oracle port.DurationOracle,
	calibrator *Calibrator,
	publisher port.SchedulePublisher,
	log *zap.Logger,
) *Engine {
	return &Engine{
		graph:         domain.NewTaskGraph(),
		resources:     make(map[domain.ResourceID]*domain.Resource),
		lastEstimates: make(map[domain.TaskID]domain.Estimate),
		trigger:       make(chan struct{}, 1),
		scheduler:     NewScheduler(cfg, log.Named("scheduler")),
		oracle:        oracle,
		calibrator:    calibrator,
		publisher:     publisher,
		log:           log,
		now:           time.Now,
		fullPass:      true,
	}
}

// Start runs the recompute worker until ctx is cancelled. Triggers
// are processed one at a time; multiple queued triggers for the same
// subgraph coalesce through the dirty set.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				e.log.Info("stopping recompute worker")
				return
			case <-e.trigger:
				if err := e.Recompute(ctx); err != nil {
					e.log.Error("scheduling pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// AddTask inserts a new task and triggers incremental recomputation.
func (e *Engine) AddTask(ctx context.Context, attrs domain.TaskAttributes) (domain.TaskID, error) {
	id := domain.TaskID(uuid.NewString())

	e.mu.Lock()
	e.graph.AddTask(id, attrs, e.now())
	e.mu.Unlock()

	e.log.Info("task added",
		zap.String("task_id", string(id)),
		zap.String("name", attrs.Name),
		zap.Int("priority", attrs.Priority))
	e.kick()
	return id, nil
}

// AddDependency records pred -> succ. Structural validation is
// synchronous: cycles and unknown ids are reported immediately and
// leave the graph unchanged.
func (e *Engine) AddDependency(ctx context.Context, pred, succ domain.TaskID) error {
	e.mu.Lock()
	err := e.graph.AddDependency(pred, succ)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.kick()
	return nil
}

// RemoveTask deletes a task; it fails while dependents remain.
func (e *Engine) RemoveTask(ctx context.Context, id domain.TaskID) error {
	e.mu.Lock()
	err := e.graph.RemoveTask(id)
	if err == nil {
		delete(e.lastEstimates, id)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.kick()
	return nil
}

// UpdateEstimate overrides a task's duration distribution, marking it
// explicitly invalidated for the oracle cache.
func (e *Engine) UpdateEstimate(ctx context.Context, id domain.TaskID, mean, variance time.Duration) error {
	e.mu.Lock()
	err := e.graph.UpdateEstimate(id, mean, variance, e.now())
	if err == nil {
		if t, ok := e.graph.Task(id); ok && t.Estimate != nil {
			e.lastEstimates[id] = *t.Estimate
		}
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.kick()
	return nil
}

// OnStatusChange registers a hook invoked after every committed
// status transition, outside the engine lock. Surrounding code uses it
// to persist transitions as they happen.
func (e *Engine) OnStatusChange(fn func(domain.TaskID, domain.TaskStatus)) {
	e.statusHook = fn
}

func (e *Engine) notifyStatus(id domain.TaskID, status domain.TaskStatus) {
	if e.statusHook != nil {
		e.statusHook(id, status)
	}
}

// MarkStarted transitions a task into execution.
func (e *Engine) MarkStarted(ctx context.Context, id domain.TaskID) error {
	e.mu.Lock()
	t, ok := e.graph.Task(id)
	if !ok {
		e.mu.Unlock()
		return &domain.UnknownTaskError{ID: id}
	}
	if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusScheduled {
		status := t.Status
		e.mu.Unlock()
		return &domain.InvalidStateError{ID: id, Status: status, Op: "start"}
	}
	t.Status = domain.TaskStatusInProgress
	t.UpdatedAt = e.now()
	e.mu.Unlock()

	e.notifyStatus(id, domain.TaskStatusInProgress)
	return nil
}

// HandleFeedback routes one queue report through the task lifecycle:
// start events move the task into execution, completion events close
// the calibration loop. A completion for a task that never started is
// still rejected with InvalidStateError.
func (e *Engine) HandleFeedback(ctx context.Context, report *domain.FeedbackReport) error {
	switch report.Event {
	case domain.FeedbackStarted:
		return e.MarkStarted(ctx, report.TaskID)
	default:
		return e.RecordActualDuration(ctx, report.TaskID, report.Actual)
	}
}

// RecordActualDuration closes the feedback loop for one task: the
// outcome lands in the append-only history ledger, the category
// calibration factor is updated, and the successors are dirtied for
// incremental recomputation. State validation is synchronous.
func (e *Engine) RecordActualDuration(ctx context.Context, id domain.TaskID, actual time.Duration) error {
	e.mu.Lock()
	t, ok := e.graph.Task(id)
	if !ok {
		e.mu.Unlock()
		return &domain.UnknownTaskError{ID: id}
	}
	if t.Status != domain.TaskStatusInProgress && t.Status != domain.TaskStatusDone {
		status := t.Status
		e.mu.Unlock()
		return &domain.InvalidStateError{ID: id, Status: status, Op: "record actual duration for"}
	}

	now := e.now()
	a := actual
	t.Actual = &a
	t.Status = domain.TaskStatusDone
	t.UpdatedAt = now
	recorded := t.Clone()

	for _, succ := range e.graph.Successors(id) {
		e.graph.MarkDirty(succ)
	}
	e.mu.Unlock()

	e.notifyStatus(id, domain.TaskStatusDone)

	if e.calibrator != nil {
		if err := e.calibrator.Record(ctx, recorded, actual, now); err != nil {
			return err
		}
	}
	e.kick()
	return nil
}

// AddResource registers capacity. Resource changes invalidate every
// window, so the next pass is a full recomputation.
func (e *Engine) AddResource(ctx context.Context, res domain.Resource) error {
	e.mu.Lock()
	r := res
	e.resources[res.ID] = &r
	e.fullPass = true
	e.mu.Unlock()
	e.kick()
	return nil
}

// RemoveResource drops capacity; like AddResource this is a
// graph-wide event.
func (e *Engine) RemoveResource(ctx context.Context, id domain.ResourceID) error {
	e.mu.Lock()
	delete(e.resources, id)
	e.fullPass = true
	e.mu.Unlock()
	e.kick()
	return nil
}

// Seed loads a persisted graph and resources into an empty engine.
// Called by surrounding code on startup, before Start.
func (e *Engine) Seed(tasks []*domain.Task, resources []*domain.Resource) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, res := range resources {
		r := *res
		e.resources[res.ID] = &r
	}
	for _, t := range tasks {
		added := e.graph.AddTask(t.ID, domain.TaskAttributes{
			Name:         t.Name,
			Priority:     t.Priority,
			Requirements: t.Requirements,
			Deadline:     t.Deadline,
		}, t.CreatedAt)
		added.Status = t.Status
		added.Estimate = t.Estimate
		added.Actual = t.Actual
		if t.Estimate != nil {
			e.lastEstimates[t.ID] = *t.Estimate
		}
	}
	for _, t := range tasks {
		for _, pred := range t.Dependencies {
			if err := e.graph.AddDependency(pred, t.ID); err != nil {
				e.log.Warn("dropping invalid persisted dependency",
					zap.String("pred", string(pred)),
					zap.String("succ", string(t.ID)),
					zap.Error(err))
			}
		}
	}
	e.fullPass = true
}

// Ingest merges externally submitted tasks into the live graph,
// skipping ids the engine already owns. It returns the number of new
// tasks; a positive count triggers recomputation. Dependencies naming
// tasks the engine has never seen are dropped with a warning, the same
// way Seed treats them.
func (e *Engine) Ingest(tasks []*domain.Task) int {
	e.mu.Lock()
	fresh := make(map[domain.TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		if _, known := e.graph.Task(t.ID); known {
			continue
		}
		added := e.graph.AddTask(t.ID, domain.TaskAttributes{
			Name:         t.Name,
			Priority:     t.Priority,
			Requirements: t.Requirements,
			Deadline:     t.Deadline,
		}, t.CreatedAt)
		added.Status = t.Status
		added.Estimate = t.Estimate
		if t.Estimate != nil {
			e.lastEstimates[t.ID] = *t.Estimate
		}
		fresh[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		if _, isNew := fresh[t.ID]; !isNew {
			continue
		}
		for _, pred := range t.Dependencies {
			if err := e.graph.AddDependency(pred, t.ID); err != nil {
				e.log.Warn("dropping invalid submitted dependency",
					zap.String("pred", string(pred)),
					zap.String("succ", string(t.ID)),
					zap.Error(err))
			}
		}
	}
	e.mu.Unlock()

	if len(fresh) > 0 {
		e.log.Info("tasks ingested", zap.Int("count", len(fresh)))
		e.kick()
	}
	return len(fresh)
}

// Tasks exports clones of the authoritative tasks, for persistence by
// surrounding code.
func (e *Engine) Tasks() []*domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := e.graph.Tasks()
	out := make([]*domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Resources exports clones of the registered capacity in id order, for
// persistence by surrounding code.
func (e *Engine) Resources() []*domain.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.Resource, 0, len(e.resources))
	for _, r := range e.resources {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSchedule returns the most recently completed snapshot, or nil
// before the first pass. Snapshots are immutable.
func (e *Engine) GetSchedule() *domain.Schedule {
	return e.snapshot.Load()
}

// GetCriticalPath returns the critical path of the current snapshot.
func (e *Engine) GetCriticalPath() []domain.TaskID {
	if s := e.snapshot.Load(); s != nil {
		return s.CriticalPath
	}
	return nil
}

// GetUnschedulable returns the violation set of the current snapshot.
// Violations are routine schedule data, not failures.
func (e *Engine) GetUnschedulable() []domain.Violation {
	if s := e.snapshot.Load(); s != nil {
		return s.Violations
	}
	return nil
}

// kick schedules an asynchronous recompute. The channel carries at
// most one pending trigger; the dirty set coalesces the rest.
func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Recompute runs one synchronous scheduling pass. On an internal
// consistency fault the stale snapshot is retained.
func (e *Engine) Recompute(ctx context.Context) error {
	e.mu.Lock()
	dirty := e.graph.TakeDirty()
	full := e.fullPass || e.snapshot.Load() == nil
	e.fullPass = false
	view := e.graph.Clone()
	resources := make(map[domain.ResourceID]*domain.Resource, len(e.resources))
	for id, r := range e.resources {
		c := *r
		resources[id] = &c
	}
	fallback := make(map[domain.TaskID]domain.Estimate, len(e.lastEstimates))
	for id, est := range e.lastEstimates {
		fallback[id] = est
	}
	e.version++
	version := e.version
	e.mu.Unlock()

	var cal *domain.CalibrationSnapshot
	if e.calibrator != nil {
		cal = e.calibrator.Snapshot()
	} else {
		cal = domain.EmptyCalibration()
	}

	estimates, skipped := e.resolveEstimates(ctx, view, cal, fallback, dirty)

	prior := e.snapshot.Load()
	var affected map[domain.TaskID]struct{}
	if !full && prior != nil {
		affected = e.expandAffected(view, prior, dirty)
	}

	in := PassInput{
		Graph:     view,
		Resources: resources,
		Estimates: estimates,
		Skipped:   skipped,
		Anchor:    e.now(),
		Prior:     prior,
		Affected:  affected,
		Version:   version,
	}

	sched, err := e.scheduler.Compute(ctx, in)
	if err != nil {
		// The pass consumed the dirty set. Hand it back so the next
		// trigger retries the same subgraph instead of freezing it.
		e.mu.Lock()
		for id := range dirty {
			e.graph.MarkDirty(id)
		}
		e.fullPass = e.fullPass || full
		e.mu.Unlock()
		if errors.Is(err, ErrInternalInconsistency) {
			e.log.Error("retaining previous snapshot after internal fault", zap.Error(err))
		}
		return err
	}

	// Write back estimates resolved during this pass so the next
	// failure has a fallback, then publish the snapshot.
	e.mu.Lock()
	for id, est := range estimates {
		e.lastEstimates[id] = est
		if t, ok := e.graph.Task(id); ok && t.Estimate == nil {
			cached := est
			t.Estimate = &cached
		}
	}
	now := e.now()
	transitions := make(map[domain.TaskID]domain.TaskStatus)
	for id := range sched.ByTask {
		t, ok := e.graph.Task(id)
		if ok && (t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusBlocked) {
			t.Status = domain.TaskStatusScheduled
			t.UpdatedAt = now
			transitions[id] = domain.TaskStatusScheduled
		}
	}
	for _, v := range sched.Violations {
		if v.Reason != domain.ViolationEstimateMissing {
			continue
		}
		t, ok := e.graph.Task(v.TaskID)
		if ok && (t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusScheduled) {
			t.Status = domain.TaskStatusBlocked
			t.UpdatedAt = now
			transitions[v.TaskID] = domain.TaskStatusBlocked
		}
	}
	e.snapshot.Store(sched)
	e.mu.Unlock()

	for id, status := range transitions {
		e.notifyStatus(id, status)
	}

	e.log.Info("schedule snapshot swapped",
		zap.Int64("version", sched.Version),
		zap.Int("assignments", len(sched.Assignments)),
		zap.Int("violations", len(sched.Violations)),
		zap.Duration("makespan", sched.Makespan),
		zap.Bool("incremental", affected != nil))

	if e.publisher != nil {
		if err := e.publisher.PublishSchedule(ctx, sched); err != nil {
			e.log.Warn("failed to publish schedule snapshot", zap.Error(err))
		}
	}
	return nil
}

// resolveEstimates produces one estimate per task for this pass. The
// oracle is queried at most once per task: tasks with an authoritative
// estimate reuse it, failed queries fall back to the last known
// estimate, and tasks with neither are skipped together with their
// downstream subgraph.
func (e *Engine) resolveEstimates(
	ctx context.Context,
	view *domain.TaskGraph,
	cal *domain.CalibrationSnapshot,
	fallback map[domain.TaskID]domain.Estimate,
	dirty map[domain.TaskID]struct{},
) (map[domain.TaskID]domain.Estimate, map[domain.TaskID]error) {
	estimates := make(map[domain.TaskID]domain.Estimate, view.Len())
	skipped := make(map[domain.TaskID]error)

	for _, t := range view.Tasks() {
		if t.Status == domain.TaskStatusDone {
			continue
		}
		if t.Estimate != nil {
			if _, isDirty := dirty[t.ID]; !isDirty || t.Estimate.Confidence >= 1.0 {
				// Caller-supplied or still-valid estimate.
				estimates[t.ID] = *t.Estimate
				continue
			}
		}

		est, err := e.oracle.Estimate(ctx, t, cal)
		if err != nil {
			if prev, ok := fallback[t.ID]; ok {
				e.log.Warn("oracle query failed, using last known estimate",
					zap.String("task_id", string(t.ID)), zap.Error(err))
				estimates[t.ID] = prev
				continue
			}
			skipped[t.ID] = &domain.EstimationUnavailableError{ID: t.ID, Cause: err}
			continue
		}
		estimates[t.ID] = est
	}
	return estimates, skipped
}

// expandAffected grows the dirty closure with every task whose prior
// assignment shares a resource window with an affected task, to a
// fixpoint, so freed or shifted windows propagate.
func (e *Engine) expandAffected(view *domain.TaskGraph, prior *domain.Schedule, dirty map[domain.TaskID]struct{}) map[domain.TaskID]struct{} {
	affected := make(map[domain.TaskID]struct{}, len(dirty))
	for id := range dirty {
		affected[id] = struct{}{}
	}

	for changed := true; changed; {
		changed = false
		for id := range affected {
			pa, ok := prior.ByTask[id]
			if !ok {
				continue
			}
			for otherID, oa := range prior.ByTask {
				if _, already := affected[otherID]; already {
					continue
				}
				if windowsOverlap(pa, oa) {
					affected[otherID] = struct{}{}
					changed = true
				}
			}
		}
	}
	return affected
}

// windowsOverlap reports whether two assignments hold a common
// resource over intersecting time windows.
func windowsOverlap(a, b *domain.Assignment) bool {
	if !a.Start.Before(b.End) || !b.Start.Before(a.End) {
		return false
	}
	for rid := range a.Resources {
		if _, ok := b.Resources[rid]; ok {
			return true
		}
	}
	return false
}
