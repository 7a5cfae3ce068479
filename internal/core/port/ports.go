// Package port provides the behavior interfaces that connect the core
// services to their adapters and to consumed collaborators.
package port

import (
	"context"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
)

// DurationOracle estimates a task's duration distribution. The
// calibration snapshot is passed into every query; implementations
// return already-calibrated estimates (domain.CalibrationSnapshot.Adjust).
// The scheduler treats Estimate as a pure query and never issues it
// more than once per task per pass.
type DurationOracle interface {
	Estimate(ctx context.Context, task *domain.Task, cal *domain.CalibrationSnapshot) (domain.Estimate, error)
}

// GraphRepository persists the authoritative graph and resources.
type GraphRepository interface {
	SaveTask(ctx context.Context, task *domain.Task) error
	SaveDependency(ctx context.Context, pred, succ domain.TaskID) error
	DeleteTask(ctx context.Context, id domain.TaskID) error
	UpdateTaskStatus(ctx context.Context, id domain.TaskID, status domain.TaskStatus) error
	SaveResource(ctx context.Context, res *domain.Resource) error
	LoadGraph(ctx context.Context) ([]*domain.Task, []*domain.Resource, error)
	// ListPending returns tasks still awaiting intake in submission
	// order, dependencies populated. The runtime poll loop feeds them
	// to the engine.
	ListPending(ctx context.Context) ([]*domain.Task, error)
}

// HistoryRepository is the append-only calibration ledger store.
type HistoryRepository interface {
	Append(ctx context.Context, rec *domain.HistoryRecord) error
	ListByCategory(ctx context.Context, category string, limit int) ([]*domain.HistoryRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.HistoryRecord, error)
}

// CalibrationStore persists versioned calibration snapshots (Redis).
type CalibrationStore interface {
	Save(ctx context.Context, snap *domain.CalibrationSnapshot) error
	Load(ctx context.Context) (*domain.CalibrationSnapshot, error)
}

// SchedulePublisher announces freshly swapped schedule snapshots.
type SchedulePublisher interface {
	PublishSchedule(ctx context.Context, schedule *domain.Schedule) error
}

// FeedbackSource delivers completion reports from external execution.
type FeedbackSource interface {
	ConsumeFeedback(ctx context.Context, handler func(report *domain.FeedbackReport) error) error
}

// Decomposer is the external decomposition service: given a project
// description it returns candidate subtasks with rough attributes.
// The core never calls it; surrounding application code does.
type Decomposer interface {
	Decompose(ctx context.Context, projectDescription string) ([]domain.TaskAttributes, error)
}
