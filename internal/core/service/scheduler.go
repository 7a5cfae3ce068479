package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// ErrInternalInconsistency flags a capacity overflow produced by the
// scheduler itself. It must never occur in correct operation; the
// engine logs it and keeps the previous snapshot unpublished-over.
var ErrInternalInconsistency = errors.New("scheduler produced an over-capacity assignment")

// SchedulerConfig tunes the optimization pass. Alpha weighs makespan
// against priority-weighted lateness in the objective; the improvement
// budget bounds Phase 2 wall-clock time.
type SchedulerConfig struct {
	Alpha             float64       `mapstructure:"alpha"`
	Horizon           time.Duration `mapstructure:"horizon"`
	ImprovementBudget time.Duration `mapstructure:"improvementBudget"`
	MaxNonImproving   int           `mapstructure:"maxNonImproving"`
}

// PassInput carries everything one scheduling pass needs. The graph is
// a cloned view; the pass never touches authoritative state.
type PassInput struct {
	Graph     *domain.TaskGraph
	Resources map[domain.ResourceID]*domain.Resource
	Estimates map[domain.TaskID]domain.Estimate
	// Skipped tasks had no estimate and no fallback; their placement
	// is aborted but the rest of the graph proceeds.
	Skipped map[domain.TaskID]error
	Anchor  time.Time
	// Prior and Affected drive incremental recomputation: tasks
	// outside Affected keep their prior assignment bit-identical.
	// A nil Affected means full recomputation.
	Prior    *domain.Schedule
	Affected map[domain.TaskID]struct{}
	Version  int64
}

type Scheduler struct {
	cfg SchedulerConfig
	log *zap.Logger
}

func NewScheduler(cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 180 * 24 * time.Hour
	}
	return &Scheduler{cfg: cfg, log: log}
}

// allocation is one claim on a resource's capacity over a window.
type allocation struct {
	start, end time.Time
	qty        float64
	task       domain.TaskID
}

// ledger tracks per-resource claims during a pass.
type ledger struct {
	resources map[domain.ResourceID]*domain.Resource
	claims    map[domain.ResourceID][]allocation
}

func newLedger(resources map[domain.ResourceID]*domain.Resource) *ledger {
	return &ledger{
		resources: resources,
		claims:    make(map[domain.ResourceID][]allocation),
	}
}

// usedAt returns the concurrent consumption of r over [start, end).
func (l *ledger) usedAt(r domain.ResourceID, start, end time.Time) float64 {
	// Peak usage over the window is reached at some claim start, so
	// checking claim boundaries is exact for interval sums.
	peak := 0.0
	points := []time.Time{start}
	for _, c := range l.claims[r] {
		if c.start.After(start) && c.start.Before(end) {
			points = append(points, c.start)
		}
	}
	for _, p := range points {
		sum := 0.0
		for _, c := range l.claims[r] {
			if !c.start.After(p) && c.end.After(p) {
				sum += c.qty
			}
		}
		if sum > peak {
			peak = sum
		}
	}
	return peak
}

func (l *ledger) fits(r domain.ResourceID, qty float64, start, end time.Time) bool {
	res, ok := l.resources[r]
	if !ok {
		return false
	}
	return l.usedAt(r, start, end)+qty <= res.Capacity+1e-9
}

func (l *ledger) claim(r domain.ResourceID, task domain.TaskID, qty float64, start, end time.Time) {
	l.claims[r] = append(l.claims[r], allocation{start: start, end: end, qty: qty, task: task})
}

// nextBoundary returns the earliest claim end strictly after t on any
// of the given resources, or zero time when none exists.
func (l *ledger) nextBoundary(t time.Time, rs []domain.ResourceID) time.Time {
	var next time.Time
	for _, r := range rs {
		for _, c := range l.claims[r] {
			if c.end.After(t) && (next.IsZero() || c.end.Before(next)) {
				next = c.end
			}
		}
	}
	return next
}

// Compute runs one full scheduling pass: Phase 1 rank-ordered list
// scheduling, then Phase 2 time-bounded local search. The returned
// snapshot is never worse than the Phase 1 feasible construction.
func (s *Scheduler) Compute(ctx context.Context, in PassInput) (*domain.Schedule, error) {
	ranks := s.computeRanks(in.Graph, in.Estimates)
	order := s.priorityOrder(in.Graph, ranks)

	best, err := s.construct(in, order, ranks, nil)
	if err != nil {
		return nil, err
	}

	s.improve(ctx, in, order, ranks, best)

	if err := s.verify(in, best); err != nil {
		return nil, err
	}

	best.Version = in.Version
	best.ComputedAt = time.Now()
	best.CriticalPath = s.criticalPath(in.Graph, ranks)
	return best, nil
}

// computeRanks returns each task's upward rank: the longest remaining
// mean-duration path from the task to a sink.
func (s *Scheduler) computeRanks(g *domain.TaskGraph, estimates map[domain.TaskID]domain.Estimate) map[domain.TaskID]time.Duration {
	ranks := make(map[domain.TaskID]time.Duration, g.Len())

	topo := make([]domain.TaskID, 0, g.Len())
	for id := range g.TopologicalOrder() {
		topo = append(topo, id)
	}

	for i := len(topo) - 1; i >= 0; i-- {
		id := topo[i]
		mean := estimates[id].Mean
		longest := time.Duration(0)
		for _, succ := range g.Successors(id) {
			if r := ranks[succ]; r > longest {
				longest = r
			}
		}
		ranks[id] = mean + longest
	}
	return ranks
}

// priorityOrder sorts tasks by decreasing rank, ties broken by earlier
// deadline then insertion order, so passes are deterministic.
func (s *Scheduler) priorityOrder(g *domain.TaskGraph, ranks map[domain.TaskID]time.Duration) []domain.TaskID {
	tasks := g.Tasks()
	order := make([]domain.TaskID, 0, len(tasks))
	for _, t := range tasks {
		order = append(order, t.ID)
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, _ := g.Task(order[i])
		b, _ := g.Task(order[j])
		if ranks[a.ID] != ranks[b.ID] {
			return ranks[a.ID] > ranks[b.ID]
		}
		switch {
		case a.Deadline != nil && b.Deadline == nil:
			return true
		case a.Deadline == nil && b.Deadline != nil:
			return false
		case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
			return a.Deadline.Before(*b.Deadline)
		}
		return a.Seq < b.Seq
	})
	return order
}

// construct is the Phase 1 feasible builder. It walks the priority
// order with a ready-list so precedence always holds, scans the
// resource ledger for the earliest feasible window, and collects
// deadline violations as data. overrides forces alternate resource
// bindings for Phase 2 move (c).
func (s *Scheduler) construct(in PassInput, order []domain.TaskID, ranks map[domain.TaskID]time.Duration, overrides map[domain.TaskID]map[domain.ResourceID]domain.ResourceID) (*domain.Schedule, error) {
	led := newLedger(in.Resources)
	sched := &domain.Schedule{
		Anchor: in.Anchor,
		ByTask: make(map[domain.TaskID]*domain.Assignment),
	}

	placedEnd := make(map[domain.TaskID]time.Time)
	placed := make(map[domain.TaskID]struct{})
	skipped := make(map[domain.TaskID]struct{})

	// Finished work, frozen tasks (incremental mode) and running tasks
	// go in first so their windows constrain everything else.
	for _, t := range in.Graph.Tasks() {
		switch {
		case t.Status == domain.TaskStatusDone:
			placedEnd[t.ID] = in.Anchor
			placed[t.ID] = struct{}{}
		case in.Affected != nil && s.frozen(in, t.ID):
			prior := *in.Prior.ByTask[t.ID]
			sched.ByTask[t.ID] = &prior
			for rid, qty := range prior.Resources {
				led.claim(rid, t.ID, qty, prior.Start, prior.End)
			}
			placedEnd[t.ID] = prior.End
			placed[t.ID] = struct{}{}
		case t.Status == domain.TaskStatusInProgress:
			// Already running: it holds its window from the anchor ahead
			// of any pending work, whatever its rank.
			dur := in.Estimates[t.ID].Mean
			bindings := s.resolveBindings(in, t, overrides[t.ID])
			if a, ok := s.place(led, t, bindings, in.Anchor, dur); ok {
				if t.Deadline != nil && a.End.After(*t.Deadline) {
					sched.Violations = append(sched.Violations, domain.Violation{
						TaskID:         t.ID,
						Reason:         domain.ViolationDeadlineMissed,
						Deadline:       t.Deadline,
						EarliestFinish: a.End,
						Gap:            a.End.Sub(*t.Deadline),
					})
				}
				sched.ByTask[t.ID] = a
				placedEnd[t.ID] = a.End
			} else {
				sched.Violations = append(sched.Violations, domain.Violation{
					TaskID:         t.ID,
					Reason:         domain.ViolationCapacityExhausted,
					Deadline:       t.Deadline,
					EarliestFinish: in.Anchor.Add(dur),
				})
				placedEnd[t.ID] = in.Anchor.Add(dur)
			}
			placed[t.ID] = struct{}{}
		}
	}

	// Estimation failures abort the downstream subgraph only.
	for id, cause := range in.Skipped {
		for down := range in.Graph.DownstreamClosure(id) {
			if _, done := placed[down]; done {
				continue
			}
			skipped[down] = struct{}{}
			if down == id {
				s.log.Warn("skipping subgraph, estimate unavailable",
					zap.String("task_id", string(id)), zap.Error(cause))
			}
			sched.Violations = append(sched.Violations, domain.Violation{
				TaskID:         down,
				Reason:         domain.ViolationEstimateMissing,
				EarliestFinish: in.Anchor,
			})
		}
	}

	remaining := make([]domain.TaskID, 0, len(order))
	for _, id := range order {
		_, isPlaced := placed[id]
		_, isSkipped := skipped[id]
		if !isPlaced && !isSkipped {
			remaining = append(remaining, id)
		}
	}

	for len(remaining) > 0 {
		// First ready task in priority order.
		pick := -1
		for i, id := range remaining {
			t, _ := in.Graph.Task(id)
			ready := true
			for _, pred := range t.Dependencies {
				if _, skippedPred := skipped[pred]; skippedPred {
					ready = false // upstream aborted; this one was marked too
					break
				}
				if _, ok := placedEnd[pred]; !ok {
					ready = false
					break
				}
			}
			if ready {
				pick = i
				break
			}
		}
		if pick < 0 {
			// Only skipped-upstream tasks remain.
			break
		}

		id := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		t, _ := in.Graph.Task(id)

		earliest := in.Anchor
		for _, pred := range t.Dependencies {
			if end := placedEnd[pred]; end.After(earliest) {
				earliest = end
			}
		}

		dur := in.Estimates[id].Mean
		bindings := s.resolveBindings(in, t, overrides[id])
		a, ok := s.place(led, t, bindings, earliest, dur)
		if !ok {
			sched.Violations = append(sched.Violations, domain.Violation{
				TaskID:         id,
				Reason:         domain.ViolationCapacityExhausted,
				Deadline:       t.Deadline,
				EarliestFinish: earliest.Add(dur),
			})
			placedEnd[id] = earliest.Add(dur) // successors still get a bound
			continue
		}

		if t.Deadline != nil && a.End.After(*t.Deadline) {
			sched.Violations = append(sched.Violations, domain.Violation{
				TaskID:         id,
				Reason:         domain.ViolationDeadlineMissed,
				Deadline:       t.Deadline,
				EarliestFinish: a.End,
				Gap:            a.End.Sub(*t.Deadline),
			})
		}

		sched.ByTask[id] = a
		placedEnd[id] = a.End
	}

	s.finalize(in, sched)
	return sched, nil
}

// resolveBindings maps each declared requirement to the resource that
// will satisfy it, honoring Phase 2 pool overrides.
func (s *Scheduler) resolveBindings(in PassInput, t *domain.Task, override map[domain.ResourceID]domain.ResourceID) map[domain.ResourceID]float64 {
	bindings := make(map[domain.ResourceID]float64, len(t.Requirements))
	for rid, qty := range t.Requirements {
		target := rid
		if alt, ok := override[rid]; ok {
			if want, haveWant := in.Resources[rid]; haveWant {
				if res, haveAlt := in.Resources[alt]; haveAlt && res.Satisfies(want) {
					target = alt
				}
			}
		}
		bindings[target] += qty
	}
	return bindings
}

// place finds the earliest window at or after earliest where every
// bound resource has spare capacity for the whole duration.
func (s *Scheduler) place(led *ledger, t *domain.Task, bindings map[domain.ResourceID]float64, earliest time.Time, dur time.Duration) (*domain.Assignment, bool) {
	rids := make([]domain.ResourceID, 0, len(bindings))
	for rid := range bindings {
		// A requirement beyond total capacity can never fit.
		res, ok := led.resources[rid]
		if !ok || bindings[rid] > res.Capacity+1e-9 {
			return nil, false
		}
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	horizon := earliest.Add(s.cfg.Horizon)
	start := earliest
	for !start.After(horizon) {
		end := start.Add(dur)
		ok := true
		for _, rid := range rids {
			if !led.fits(rid, bindings[rid], start, end) {
				ok = false
				break
			}
		}
		if ok {
			for _, rid := range rids {
				led.claim(rid, t.ID, bindings[rid], start, end)
			}
			return &domain.Assignment{
				TaskID:    t.ID,
				Start:     start,
				End:       end,
				Resources: copyBindings(bindings),
			}, true
		}

		next := led.nextBoundary(start, rids)
		if next.IsZero() {
			break
		}
		start = next
	}
	return nil, false
}

func copyBindings(b map[domain.ResourceID]float64) map[domain.ResourceID]float64 {
	out := make(map[domain.ResourceID]float64, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// finalize orders assignments deterministically and computes the
// objective and makespan for the snapshot.
func (s *Scheduler) finalize(in PassInput, sched *domain.Schedule) {
	sched.Assignments = sched.Assignments[:0]
	for _, a := range sched.ByTask {
		sched.Assignments = append(sched.Assignments, *a)
	}
	sort.Slice(sched.Assignments, func(i, j int) bool {
		ai, aj := sched.Assignments[i], sched.Assignments[j]
		if !ai.Start.Equal(aj.Start) {
			return ai.Start.Before(aj.Start)
		}
		ti, _ := in.Graph.Task(ai.TaskID)
		tj, _ := in.Graph.Task(aj.TaskID)
		return ti.Seq < tj.Seq
	})

	makespan := time.Duration(0)
	lateness := 0.0
	for i := range sched.Assignments {
		a := &sched.Assignments[i]
		if span := a.End.Sub(in.Anchor); span > makespan {
			makespan = span
		}
		t, _ := in.Graph.Task(a.TaskID)
		if t.Deadline != nil && a.End.After(*t.Deadline) {
			lateness += float64(t.Priority) * a.End.Sub(*t.Deadline).Minutes()
		}
	}
	sched.Makespan = makespan
	sched.Objective = lateness + s.cfg.Alpha*makespan.Minutes()
}

// frozen reports whether a task keeps its prior assignment untouched
// during an incremental pass.
func (s *Scheduler) frozen(in PassInput, id domain.TaskID) bool {
	if in.Prior == nil {
		return false
	}
	if _, affected := in.Affected[id]; affected {
		return false
	}
	_, had := in.Prior.ByTask[id]
	return had
}

// improve is Phase 2: time-bounded local search over the priority
// order and resource bindings. Only strictly improving, feasible moves
// are kept, so the result can never be worse than Phase 1.
func (s *Scheduler) improve(ctx context.Context, in PassInput, order []domain.TaskID, ranks map[domain.TaskID]time.Duration, best *domain.Schedule) {
	if s.cfg.ImprovementBudget <= 0 {
		return
	}
	deadline := time.Now().Add(s.cfg.ImprovementBudget)
	maxNonImproving := s.cfg.MaxNonImproving
	if maxNonImproving <= 0 {
		maxNonImproving = 25
	}

	current := append([]domain.TaskID(nil), order...)
	overrides := make(map[domain.TaskID]map[domain.ResourceID]domain.ResourceID)
	nonImproving := 0
	moves := 0

	for nonImproving < maxNonImproving && time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}
		target, ok := s.pickLateTask(in, best)
		if !ok {
			break
		}

		improved := false
		for _, cand := range s.moveCandidates(in, current, ranks, target) {
			trial := applyMove(current, cand)
			trialOverrides := s.applyOverrideMove(in, overrides, cand, target)

			next, err := s.construct(in, trial, ranks, trialOverrides)
			if err != nil {
				continue
			}
			if next.Objective < best.Objective {
				*best = *next
				current = trial
				overrides = trialOverrides
				improved = true
				moves++
				break
			}
		}

		if improved {
			nonImproving = 0
		} else {
			nonImproving++
		}
	}

	if moves > 0 {
		s.log.Debug("local search improved schedule",
			zap.Int("accepted_moves", moves),
			zap.Float64("objective", best.Objective))
	}
}

// pickLateTask selects the task with the largest deadline overrun in
// the current best schedule, ties by insertion order.
func (s *Scheduler) pickLateTask(in PassInput, sched *domain.Schedule) (domain.TaskID, bool) {
	var pick domain.TaskID
	worst := time.Duration(0)
	found := false
	for _, v := range sched.Violations {
		if v.Reason != domain.ViolationDeadlineMissed {
			continue
		}
		if !found || v.Gap > worst {
			pick, worst, found = v.TaskID, v.Gap, true
		}
	}
	return pick, found
}

type move struct {
	kind string // "swap", "shift", "rebind"
	i, j int    // order positions for swap/shift
	// rebind details
	task                   domain.TaskID
	requirement, alternate domain.ResourceID
}

// moveCandidates enumerates the neighborhood of the current order for
// one late task: swaps with earlier equal-or-lower-rank tasks sharing
// a resource, a one-position promotion, and pooled rebinds.
func (s *Scheduler) moveCandidates(in PassInput, order []domain.TaskID, ranks map[domain.TaskID]time.Duration, target domain.TaskID) []move {
	pos := -1
	for i, id := range order {
		if id == target {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}
	t, _ := in.Graph.Task(target)

	var out []move
	// (a) swap with an earlier task of equal or lower rank that shares
	// a required resource, provided no precedence ties them together.
	for i := pos - 1; i >= 0; i-- {
		other, _ := in.Graph.Task(order[i])
		if ranks[other.ID] > ranks[target] {
			continue
		}
		if !sharesResource(in, t, other) || related(in.Graph, target, other.ID) {
			continue
		}
		out = append(out, move{kind: "swap", i: i, j: pos})
	}
	// (b) shift one position earlier regardless of sharing; the
	// rebuild keeps precedence valid.
	if pos > 0 {
		out = append(out, move{kind: "shift", i: pos - 1, j: pos})
	}
	// (c) rebind each requirement to a pooled alternate.
	for rid := range t.Requirements {
		want, ok := in.Resources[rid]
		if !ok || want.Pool == "" {
			continue
		}
		alts := make([]domain.ResourceID, 0)
		for aid, res := range in.Resources {
			if aid != rid && res.Satisfies(want) {
				alts = append(alts, aid)
			}
		}
		sort.Slice(alts, func(i, j int) bool { return alts[i] < alts[j] })
		for _, alt := range alts {
			out = append(out, move{kind: "rebind", task: target, requirement: rid, alternate: alt})
		}
	}
	return out
}

func sharesResource(in PassInput, a, b *domain.Task) bool {
	for rid := range a.Requirements {
		if _, ok := b.Requirements[rid]; ok {
			return true
		}
	}
	return false
}

// related reports whether one task reaches the other through
// successor edges; swapping such a pair could only reorder a chain.
func related(g *domain.TaskGraph, a, b domain.TaskID) bool {
	if _, ok := g.DownstreamClosure(a)[b]; ok {
		return true
	}
	_, ok := g.DownstreamClosure(b)[a]
	return ok
}

func applyMove(order []domain.TaskID, m move) []domain.TaskID {
	out := append([]domain.TaskID(nil), order...)
	if m.kind == "swap" || m.kind == "shift" {
		out[m.i], out[m.j] = out[m.j], out[m.i]
	}
	return out
}

func (s *Scheduler) applyOverrideMove(in PassInput, overrides map[domain.TaskID]map[domain.ResourceID]domain.ResourceID, m move, target domain.TaskID) map[domain.TaskID]map[domain.ResourceID]domain.ResourceID {
	out := make(map[domain.TaskID]map[domain.ResourceID]domain.ResourceID, len(overrides))
	for id, ov := range overrides {
		inner := make(map[domain.ResourceID]domain.ResourceID, len(ov))
		for k, v := range ov {
			inner[k] = v
		}
		out[id] = inner
	}
	if m.kind == "rebind" {
		if out[m.task] == nil {
			out[m.task] = make(map[domain.ResourceID]domain.ResourceID)
		}
		out[m.task][m.requirement] = m.alternate
	}
	return out
}

// verify re-checks the capacity and precedence invariants on the final
// snapshot. A failure here is a scheduler defect, not caller input.
func (s *Scheduler) verify(in PassInput, sched *domain.Schedule) error {
	led := newLedger(in.Resources)
	for i := range sched.Assignments {
		a := &sched.Assignments[i]
		for rid, qty := range a.Resources {
			if !led.fits(rid, qty, a.Start, a.End) {
				s.log.Error("internal consistency fault: resource over-allocation",
					zap.String("task_id", string(a.TaskID)),
					zap.String("resource_id", string(rid)))
				return fmt.Errorf("task %s on resource %s: %w", a.TaskID, rid, ErrInternalInconsistency)
			}
			led.claim(rid, a.TaskID, qty, a.Start, a.End)
		}
	}
	for i := range sched.Assignments {
		a := &sched.Assignments[i]
		t, _ := in.Graph.Task(a.TaskID)
		for _, pred := range t.Dependencies {
			pa, ok := sched.ByTask[pred]
			if ok && pa.End.After(a.Start) {
				return fmt.Errorf("task %s starts before predecessor %s finishes: %w",
					a.TaskID, pred, ErrInternalInconsistency)
			}
		}
	}
	return nil
}

// criticalPath walks the highest-rank chain from the heaviest source.
func (s *Scheduler) criticalPath(g *domain.TaskGraph, ranks map[domain.TaskID]time.Duration) []domain.TaskID {
	var head domain.TaskID
	bestRank := time.Duration(math.MinInt64)
	for _, t := range g.Tasks() {
		if ranks[t.ID] > bestRank {
			head, bestRank = t.ID, ranks[t.ID]
		}
	}
	if bestRank == time.Duration(math.MinInt64) {
		return nil
	}

	path := []domain.TaskID{head}
	cur := head
	for {
		var next domain.TaskID
		found := false
		for _, succ := range g.Successors(cur) {
			if !found || ranks[succ] > ranks[next] {
				next, found = succ, true
				continue
			}
			if ranks[succ] == ranks[next] {
				a, _ := g.Task(succ)
				b, _ := g.Task(next)
				if a.Seq < b.Seq {
					next = succ
				}
			}
		}
		if !found {
			return path
		}
		path = append(path, next)
		cur = next
	}
}
