package domain

import (
	"sort"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusScheduled  TaskStatus = "SCHEDULED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
)

// TaskID uniquely identifies a task inside the graph.
type TaskID string

// Estimate is a duration distribution produced by an oracle,
// after calibration has been applied.
type Estimate struct {
	Mean               time.Duration `json:"mean"`
	Variance           time.Duration `json:"variance"`
	Confidence         float64       `json:"confidence"` // 0..1
	HistoricalDataUsed bool          `json:"historical_data_used"`
}

// TaskAttributes is the caller-supplied part of a task. Dependencies
// are added separately through AddDependency so structural validation
// stays in one place.
type TaskAttributes struct {
	Name         string                 `json:"name"`
	Priority     int                    `json:"priority"` // 1 (Low) to 10 (Critical)
	Requirements map[ResourceID]float64 `json:"requirements"`
	Deadline     *time.Time             `json:"deadline,omitempty"`
}

// Task represents a unit of work to be scheduled
type Task struct {
	ID           TaskID                 `json:"id"`
	Name         string                 `json:"name"`
	Priority     int                    `json:"priority"`
	Requirements map[ResourceID]float64 `json:"requirements"`
	Deadline     *time.Time             `json:"deadline,omitempty"`
	Dependencies []TaskID               `json:"dependencies"`
	Status       TaskStatus             `json:"status"`
	Estimate     *Estimate              `json:"estimate,omitempty"`
	Actual       *time.Duration         `json:"actual,omitempty"`
	Seq          int64                  `json:"seq"` // insertion order, breaks scheduling ties
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Category derives the stable category signature used by the
// calibration ledger. It is a pure function of declared attributes,
// never of identity: first name token, a priority band, and the
// sorted set of required resources.
func (t *Task) Category() string {
	name := "task"
	if fields := strings.Fields(strings.ToLower(t.Name)); len(fields) > 0 {
		name = fields[0]
	}

	band := "low"
	switch {
	case t.Priority >= 8:
		band = "critical"
	case t.Priority >= 4:
		band = "normal"
	}

	resources := make([]string, 0, len(t.Requirements))
	for id := range t.Requirements {
		resources = append(resources, string(id))
	}
	sort.Strings(resources)

	return name + "/" + band + "/" + strings.Join(resources, "+")
}

// Clone returns a deep copy so scheduling passes can work against a
// stable view while the authoritative task keeps mutating.
func (t *Task) Clone() *Task {
	c := *t
	c.Requirements = make(map[ResourceID]float64, len(t.Requirements))
	for id, qty := range t.Requirements {
		c.Requirements[id] = qty
	}
	c.Dependencies = append([]TaskID(nil), t.Dependencies...)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.Estimate != nil {
		e := *t.Estimate
		c.Estimate = &e
	}
	if t.Actual != nil {
		a := *t.Actual
		c.Actual = &a
	}
	return &c
}
