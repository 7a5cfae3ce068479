package domain

import "time"

// Assignment binds a task to a start/end window and the concrete
// resources it holds for that window. Bindings may differ from the
// declared requirement ids when a pooled alternate was chosen.
type Assignment struct {
	TaskID    TaskID                 `json:"task_id"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	Resources map[ResourceID]float64 `json:"resources"`
}

// ViolationReason classifies why a task landed in the unschedulable set.
type ViolationReason string

const (
	ViolationDeadlineMissed    ViolationReason = "DEADLINE_MISSED"
	ViolationEstimateMissing   ViolationReason = "ESTIMATE_UNAVAILABLE"
	ViolationCapacityExhausted ViolationReason = "CAPACITY_EXHAUSTED"
)

// Violation is feasibility data, not an error: the rest of the
// schedule stays valid around it.
type Violation struct {
	TaskID         TaskID          `json:"task_id"`
	Reason         ViolationReason `json:"reason"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	EarliestFinish time.Time       `json:"earliest_finish"`
	Gap            time.Duration   `json:"gap"` // earliest finish minus deadline
}

// Schedule is an immutable snapshot of one fully computed pass.
// Readers never observe a partially recomputed state; the engine swaps
// whole snapshots atomically.
type Schedule struct {
	Version      int64                  `json:"version"`
	ComputedAt   time.Time              `json:"computed_at"`
	Anchor       time.Time              `json:"anchor"` // time zero of the pass
	Assignments  []Assignment           `json:"assignments"` // ordered by start, then task seq
	ByTask       map[TaskID]*Assignment `json:"-"`
	Violations   []Violation            `json:"violations"`
	CriticalPath []TaskID               `json:"critical_path"`
	Objective    float64                `json:"objective"`
	Makespan     time.Duration          `json:"makespan"`
}

// Assignment returns the placement for id, if one exists in this snapshot.
func (s *Schedule) Assignment(id TaskID) (*Assignment, bool) {
	a, ok := s.ByTask[id]
	return a, ok
}

// HistoryRecord is an append-only calibration ledger entry. It is
// keyed by category signature, deliberately not by task identity.
type HistoryRecord struct {
	Category   string        `json:"category"`
	Estimated  time.Duration `json:"estimated"`
	Actual     time.Duration `json:"actual"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// FeedbackEvent classifies the lifecycle messages carried on the
// feedback queue.
type FeedbackEvent string

const (
	FeedbackStarted   FeedbackEvent = "STARTED"
	FeedbackCompleted FeedbackEvent = "COMPLETED"
)

// FeedbackReport is a lifecycle message arriving from external
// execution, typically over the queue. An empty Event reads as a
// completion report.
type FeedbackReport struct {
	TaskID   TaskID        `json:"task_id"`
	Event    FeedbackEvent `json:"event,omitempty"`
	Actual   time.Duration `json:"actual_duration"`
	Reported time.Time     `json:"reported_at"`
}
