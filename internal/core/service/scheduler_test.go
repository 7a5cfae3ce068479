package service

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var anchor = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type passBuilder struct {
	t         *testing.T
	graph     *domain.TaskGraph
	resources map[domain.ResourceID]*domain.Resource
	estimates map[domain.TaskID]domain.Estimate
	skipped   map[domain.TaskID]error
}

func newPass(t *testing.T) *passBuilder {
	return &passBuilder{
		t:         t,
		graph:     domain.NewTaskGraph(),
		resources: make(map[domain.ResourceID]*domain.Resource),
		estimates: make(map[domain.TaskID]domain.Estimate),
		skipped:   make(map[domain.TaskID]error),
	}
}

func (b *passBuilder) resource(id domain.ResourceID, capacity float64, pool string) *passBuilder {
	b.resources[id] = &domain.Resource{ID: id, Name: string(id), Capacity: capacity, Pool: pool}
	return b
}

func (b *passBuilder) task(id domain.TaskID, mean time.Duration, attrs domain.TaskAttributes) *passBuilder {
	if attrs.Name == "" {
		attrs.Name = string(id)
	}
	b.graph.AddTask(id, attrs, anchor)
	b.estimates[id] = domain.Estimate{Mean: mean, Confidence: 0.9}
	return b
}

func (b *passBuilder) dep(pred, succ domain.TaskID) *passBuilder {
	require.NoError(b.t, b.graph.AddDependency(pred, succ))
	return b
}

func (b *passBuilder) input() PassInput {
	return PassInput{
		Graph:     b.graph,
		Resources: b.resources,
		Estimates: b.estimates,
		Skipped:   b.skipped,
		Anchor:    anchor,
		Version:   1,
	}
}

func newTestScheduler(cfg SchedulerConfig) *Scheduler {
	return NewScheduler(cfg, zap.NewNop())
}

func TestScheduler_ChainPlacesSequentially(t *testing.T) {
	b := newPass(t).
		resource("cpu", 4, "").
		task("a", 2*time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"cpu": 1}}).
		task("b", 3*time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"cpu": 1}}).
		task("c", 1*time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"cpu": 1}}).
		dep("a", "b").
		dep("b", "c")

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)
	require.Len(t, sched.Assignments, 3)
	assert.Empty(t, sched.Violations)

	assert.Equal(t, anchor, sched.ByTask["a"].Start)
	assert.Equal(t, anchor.Add(2*time.Hour), sched.ByTask["b"].Start)
	assert.Equal(t, anchor.Add(5*time.Hour), sched.ByTask["c"].Start)
	assert.Equal(t, 6*time.Hour, sched.Makespan)
	assert.Equal(t, []domain.TaskID{"a", "b", "c"}, sched.CriticalPath)
}

func TestScheduler_UnitResourceNeverOverlaps(t *testing.T) {
	b := newPass(t).
		resource("r", 1, "").
		task("x", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("y", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}})

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)
	require.Len(t, sched.Assignments, 2)

	x, y := sched.ByTask["x"], sched.ByTask["y"]
	overlap := x.Start.Before(y.End) && y.Start.Before(x.End)
	assert.False(t, overlap, "unit resource held by two tasks at once: %v / %v", x, y)
	assert.Equal(t, 2*time.Hour, sched.Makespan)
}

func TestScheduler_SharedCapacityAllowsConcurrency(t *testing.T) {
	b := newPass(t).
		resource("r", 2, "").
		task("x", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("y", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}})

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	// both fit side by side, nothing forces serialization
	assert.Equal(t, anchor, sched.ByTask["x"].Start)
	assert.Equal(t, anchor, sched.ByTask["y"].Start)
}

func TestScheduler_DeadlineMissIsDataNotFailure(t *testing.T) {
	deadline := anchor.Add(30 * time.Minute)
	b := newPass(t).
		resource("r", 1, "").
		task("d", 2*time.Hour, domain.TaskAttributes{
			Priority:     7,
			Requirements: map[domain.ResourceID]float64{"r": 1},
			Deadline:     &deadline,
		})

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	// still placed, best achievable
	require.Contains(t, sched.ByTask, domain.TaskID("d"))
	require.Len(t, sched.Violations, 1)

	v := sched.Violations[0]
	assert.Equal(t, domain.TaskID("d"), v.TaskID)
	assert.Equal(t, domain.ViolationDeadlineMissed, v.Reason)
	assert.Equal(t, 90*time.Minute, v.Gap)
	assert.Greater(t, sched.Objective, 0.0)
}

func TestScheduler_RequirementBeyondTotalCapacity(t *testing.T) {
	b := newPass(t).
		resource("r", 2, "").
		task("big", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 5}}).
		task("after", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		dep("big", "after")

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	assert.NotContains(t, sched.ByTask, domain.TaskID("big"))
	require.Len(t, sched.Violations, 1)
	assert.Equal(t, domain.ViolationCapacityExhausted, sched.Violations[0].Reason)

	// the successor still schedules, bounded by the would-be finish
	require.Contains(t, sched.ByTask, domain.TaskID("after"))
	assert.Equal(t, anchor.Add(time.Hour), sched.ByTask["after"].Start)
}

func TestScheduler_MissingEstimateAbortsDownstreamOnly(t *testing.T) {
	b := newPass(t).
		resource("r", 4, "").
		task("u", 0, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("v", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("solo", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		dep("u", "v")
	delete(b.estimates, "u")
	b.skipped["u"] = &domain.EstimationUnavailableError{ID: "u"}

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	assert.NotContains(t, sched.ByTask, domain.TaskID("u"))
	assert.NotContains(t, sched.ByTask, domain.TaskID("v"))
	require.Contains(t, sched.ByTask, domain.TaskID("solo"))
	assert.Equal(t, anchor, sched.ByTask["solo"].Start)

	reasons := make(map[domain.TaskID]domain.ViolationReason)
	for _, v := range sched.Violations {
		reasons[v.TaskID] = v.Reason
	}
	assert.Equal(t, domain.ViolationEstimateMissing, reasons["u"])
	assert.Equal(t, domain.ViolationEstimateMissing, reasons["v"])
}

func TestScheduler_ImprovementNeverRegresses(t *testing.T) {
	// Contended setup with a tight deadline so Phase 2 has something to
	// chase: two long fillers compete with the deadline task for one
	// unit resource.
	build := func() PassInput {
		deadline := anchor.Add(90 * time.Minute)
		return newPass(t).
			resource("r", 1, "").
			task("filler1", 2*time.Hour, domain.TaskAttributes{Priority: 2, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			task("filler2", 2*time.Hour, domain.TaskAttributes{Priority: 2, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			task("urgent", time.Hour, domain.TaskAttributes{
				Priority:     9,
				Requirements: map[domain.ResourceID]float64{"r": 1},
				Deadline:     &deadline,
			}).
			input()
	}

	base, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), build())
	require.NoError(t, err)

	improved, err := newTestScheduler(SchedulerConfig{
		ImprovementBudget: 100 * time.Millisecond,
		MaxNonImproving:   10,
	}).Compute(context.Background(), build())
	require.NoError(t, err)

	assert.LessOrEqual(t, improved.Objective, base.Objective,
		"local search must never return a worse schedule than construction")
}

func TestScheduler_PooledAlternateRebind(t *testing.T) {
	// Both tasks declare gpu-1; gpu-2 is an interchangeable pool member.
	// Serialized on gpu-1 one of the two deadlines must slip, so the
	// search has to spread them across the pool.
	longDeadline := anchor.Add(3 * time.Hour)
	lateDeadline := anchor.Add(90 * time.Minute)
	build := func() PassInput {
		return newPass(t).
			resource("gpu-1", 1, "gpu").
			resource("gpu-2", 1, "gpu").
			task("long", 3*time.Hour, domain.TaskAttributes{
				Priority:     5,
				Requirements: map[domain.ResourceID]float64{"gpu-1": 1},
				Deadline:     &longDeadline,
			}).
			task("late", time.Hour, domain.TaskAttributes{
				Priority:     8,
				Requirements: map[domain.ResourceID]float64{"gpu-1": 1},
				Deadline:     &lateDeadline,
			}).
			input()
	}

	sched, err := newTestScheduler(SchedulerConfig{
		ImprovementBudget: 200 * time.Millisecond,
		MaxNonImproving:   20,
	}).Compute(context.Background(), build())
	require.NoError(t, err)
	assert.Empty(t, sched.Violations)

	long, late := sched.ByTask["long"], sched.ByTask["late"]
	require.NotNil(t, long)
	require.NotNil(t, late)
	assert.False(t, long.End.After(longDeadline))
	assert.False(t, late.End.After(lateDeadline))

	// one of them must have been rebound to the pool alternate
	_, longOnAlt := long.Resources["gpu-2"]
	_, lateOnAlt := late.Resources["gpu-2"]
	assert.True(t, longOnAlt || lateOnAlt, "expected a pooled rebind onto gpu-2")
}

func TestScheduler_IncrementalKeepsUnaffectedBitIdentical(t *testing.T) {
	// Two disjoint islands on separate resources. Dirtying one island
	// must leave the other island's assignments bit-identical.
	build := func() *passBuilder {
		return newPass(t).
			resource("r1", 1, "").
			resource("r2", 1, "").
			task("a1", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r1": 1}}).
			task("a2", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r1": 1}}).
			task("b1", 2*time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r2": 1}}).
			dep("a1", "a2")
	}

	s := newTestScheduler(SchedulerConfig{})

	prior, err := s.Compute(context.Background(), build().input())
	require.NoError(t, err)

	// a1's estimate doubles; only the r1 island is affected.
	b := build()
	b.estimates["a1"] = domain.Estimate{Mean: 2 * time.Hour, Confidence: 0.9}
	in := b.input()
	in.Prior = prior
	in.Affected = map[domain.TaskID]struct{}{"a1": {}, "a2": {}}
	in.Version = 2

	next, err := s.Compute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, *prior.ByTask["b1"], *next.ByTask["b1"], "unaffected assignment must not change")
	assert.Equal(t, anchor.Add(2*time.Hour), next.ByTask["a2"].Start)
	assert.Equal(t, int64(2), next.Version)
}

func TestScheduler_IncrementalMatchesFullRecompute(t *testing.T) {
	build := func(mean time.Duration) *passBuilder {
		return newPass(t).
			resource("r", 1, "").
			task("p", mean, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			task("q", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			dep("p", "q")
	}

	s := newTestScheduler(SchedulerConfig{})

	prior, err := s.Compute(context.Background(), build(time.Hour).input())
	require.NoError(t, err)

	// incremental: p's estimate changed, everything downstream affected
	incIn := build(90 * time.Minute).input()
	incIn.Prior = prior
	incIn.Affected = map[domain.TaskID]struct{}{"p": {}, "q": {}}
	incremental, err := s.Compute(context.Background(), incIn)
	require.NoError(t, err)

	full, err := s.Compute(context.Background(), build(90*time.Minute).input())
	require.NoError(t, err)

	require.Len(t, incremental.Assignments, len(full.Assignments))
	for id, fa := range full.ByTask {
		ia := incremental.ByTask[id]
		require.NotNil(t, ia)
		assert.Equal(t, fa.Start, ia.Start, "start of %s", id)
		assert.Equal(t, fa.End, ia.End, "end of %s", id)
	}
}

func TestScheduler_InProgressHoldsItsWindow(t *testing.T) {
	// waiting is inserted first and has the longer remaining path, so
	// list order alone would hand it the anchor window
	b := newPass(t).
		resource("r", 1, "").
		task("waiting", 2*time.Hour, domain.TaskAttributes{Priority: 9, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("running", time.Hour, domain.TaskAttributes{Priority: 2, Requirements: map[domain.ResourceID]float64{"r": 1}})
	rt, _ := b.graph.Task("running")
	rt.Status = domain.TaskStatusInProgress

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	assert.Equal(t, anchor, sched.ByTask["running"].Start)
	assert.Equal(t, anchor.Add(time.Hour), sched.ByTask["waiting"].Start)
}

func TestScheduler_DoneTasksConsumeNothing(t *testing.T) {
	b := newPass(t).
		resource("r", 1, "").
		task("done", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		task("next", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
		dep("done", "next")
	dt, _ := b.graph.Task("done")
	dt.Status = domain.TaskStatusDone

	sched, err := newTestScheduler(SchedulerConfig{}).Compute(context.Background(), b.input())
	require.NoError(t, err)

	assert.NotContains(t, sched.ByTask, domain.TaskID("done"))
	assert.Equal(t, anchor, sched.ByTask["next"].Start, "finished predecessor releases the window")
}

func TestScheduler_DeterministicAcrossRuns(t *testing.T) {
	build := func() PassInput {
		return newPass(t).
			resource("r", 2, "").
			task("t1", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			task("t2", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			task("t3", time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			input()
	}

	s := newTestScheduler(SchedulerConfig{})
	first, err := s.Compute(context.Background(), build())
	require.NoError(t, err)
	second, err := s.Compute(context.Background(), build())
	require.NoError(t, err)

	require.Len(t, second.Assignments, len(first.Assignments))
	for i := range first.Assignments {
		assert.Equal(t, first.Assignments[i].TaskID, second.Assignments[i].TaskID)
		assert.Equal(t, first.Assignments[i].Start, second.Assignments[i].Start)
	}
}

func TestScheduler_ObjectiveWeighsAlpha(t *testing.T) {
	build := func(alpha float64) (*Scheduler, PassInput) {
		in := newPass(t).
			resource("r", 1, "").
			task("only", 2*time.Hour, domain.TaskAttributes{Priority: 5, Requirements: map[domain.ResourceID]float64{"r": 1}}).
			input()
		return newTestScheduler(SchedulerConfig{Alpha: alpha}), in
	}

	s0, in0 := build(0)
	zeroAlpha, err := s0.Compute(context.Background(), in0)
	require.NoError(t, err)
	assert.Zero(t, zeroAlpha.Objective)

	s1, in1 := build(1)
	withAlpha, err := s1.Compute(context.Background(), in1)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, withAlpha.Objective, 1e-9) // makespan in minutes
}

func TestLedger_PeakUsageAtBoundaries(t *testing.T) {
	res := map[domain.ResourceID]*domain.Resource{
		"r": {ID: "r", Capacity: 2},
	}
	led := newLedger(res)

	led.claim("r", "a", 1, anchor, anchor.Add(2*time.Hour))
	led.claim("r", "b", 1, anchor.Add(time.Hour), anchor.Add(3*time.Hour))

	assert.Equal(t, 2.0, led.usedAt("r", anchor, anchor.Add(3*time.Hour)))
	assert.Equal(t, 1.0, led.usedAt("r", anchor, anchor.Add(30*time.Minute)))
	assert.False(t, led.fits("r", 1, anchor.Add(time.Hour), anchor.Add(90*time.Minute)))
	assert.True(t, led.fits("r", 1, anchor.Add(2*time.Hour), anchor.Add(3*time.Hour)))

	next := led.nextBoundary(anchor, []domain.ResourceID{"r"})
	assert.Equal(t, anchor.Add(2*time.Hour), next)
}
