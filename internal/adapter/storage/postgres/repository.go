package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type graphRepository struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewGraphRepository creates a new postgres graph repository
func NewGraphRepository(db *pgxpool.Pool, log *zap.Logger) port.GraphRepository {
	return &graphRepository{
		db:  db,
		log: log,
	}
}

func (r *graphRepository) SaveTask(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, name, priority, requirements, deadline, status, estimate_mean_ns, estimate_variance_ns, actual_ns, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			estimate_mean_ns = EXCLUDED.estimate_mean_ns,
			estimate_variance_ns = EXCLUDED.estimate_variance_ns,
			actual_ns = EXCLUDED.actual_ns,
			updated_at = EXCLUDED.updated_at
	`
	var meanNS, varianceNS, actualNS *int64
	if task.Estimate != nil {
		m, v := int64(task.Estimate.Mean), int64(task.Estimate.Variance)
		meanNS, varianceNS = &m, &v
	}
	if task.Actual != nil {
		a := int64(*task.Actual)
		actualNS = &a
	}

	reqs := make(map[string]float64, len(task.Requirements))
	for rid, qty := range task.Requirements {
		reqs[string(rid)] = qty
	}

	_, err := r.db.Exec(ctx, query,
		task.ID, task.Name, task.Priority, reqs, task.Deadline, task.Status,
		meanNS, varianceNS, actualNS, task.Seq, task.CreatedAt, task.UpdatedAt)

	if err != nil {
		r.log.Error("Failed to save task", zap.Error(err))
		return err
	}
	return nil
}

func (r *graphRepository) SaveDependency(ctx context.Context, pred, succ domain.TaskID) error {
	query := `
		INSERT INTO task_dependencies (predecessor_id, successor_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, pred, succ)
	return err
}

func (r *graphRepository) DeleteTask(ctx context.Context, id domain.TaskID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM task_dependencies WHERE predecessor_id = $1 OR successor_id = $1`, id); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

func (r *graphRepository) UpdateTaskStatus(ctx context.Context, id domain.TaskID, status domain.TaskStatus) error {
	query := `UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.Exec(ctx, query, status, time.Now(), id)
	return err
}

func (r *graphRepository) SaveResource(ctx context.Context, res *domain.Resource) error {
	query := `
		INSERT INTO resources (id, name, capacity, pool)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET capacity = EXCLUDED.capacity, pool = EXCLUDED.pool
	`
	_, err := r.db.Exec(ctx, query, res.ID, res.Name, res.Capacity, res.Pool)
	return err
}

var taskColumns = []string{"id", "name", "priority", "requirements", "deadline", "status",
	"estimate_mean_ns", "estimate_variance_ns", "actual_ns", "seq", "created_at", "updated_at"}

func scanTask(rows pgx.Rows) (*domain.Task, error) {
	var t domain.Task
	var reqs map[string]float64
	var meanNS, varianceNS, actualNS *int64
	if err := rows.Scan(&t.ID, &t.Name, &t.Priority, &reqs, &t.Deadline, &t.Status,
		&meanNS, &varianceNS, &actualNS, &t.Seq, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Requirements = make(map[domain.ResourceID]float64, len(reqs))
	for rid, qty := range reqs {
		t.Requirements[domain.ResourceID(rid)] = qty
	}
	if meanNS != nil {
		t.Estimate = &domain.Estimate{Mean: time.Duration(*meanNS), Confidence: 1.0}
		if varianceNS != nil {
			t.Estimate.Variance = time.Duration(*varianceNS)
		}
	}
	if actualNS != nil {
		a := time.Duration(*actualNS)
		t.Actual = &a
	}
	return &t, nil
}

// ListPending returns tasks still in PENDING in submission order with
// their dependency edges, for the runtime intake poll.
func (r *graphRepository) ListPending(ctx context.Context) ([]*domain.Task, error) {
	query, args, err := psql.
		Select(taskColumns...).
		From("tasks").
		Where(squirrel.Eq{"status": domain.TaskStatusPending}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[domain.TaskID]*domain.Task)
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		byID[t.ID] = t
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]domain.TaskID, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	depQuery, depArgs, err := psql.
		Select("predecessor_id", "successor_id").
		From("task_dependencies").
		Where(squirrel.Eq{"successor_id": ids}).
		ToSql()
	if err != nil {
		return nil, err
	}
	depRows, err := r.db.Query(ctx, depQuery, depArgs...)
	if err != nil {
		return nil, err
	}
	defer depRows.Close()

	for depRows.Next() {
		var pred, succ domain.TaskID
		if err := depRows.Scan(&pred, &succ); err != nil {
			return nil, err
		}
		if t, ok := byID[succ]; ok {
			t.Dependencies = append(t.Dependencies, pred)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *graphRepository) LoadGraph(ctx context.Context) ([]*domain.Task, []*domain.Resource, error) {
	taskQuery, args, err := psql.
		Select(taskColumns...).
		From("tasks").
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.Query(ctx, taskQuery, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byID := make(map[domain.TaskID]*domain.Task)
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, nil, err
		}
		byID[t.ID] = t
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	depQuery, depArgs, err := psql.
		Select("predecessor_id", "successor_id").
		From("task_dependencies").
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	depRows, err := r.db.Query(ctx, depQuery, depArgs...)
	if err != nil {
		return nil, nil, err
	}
	defer depRows.Close()

	for depRows.Next() {
		var pred, succ domain.TaskID
		if err := depRows.Scan(&pred, &succ); err != nil {
			return nil, nil, err
		}
		if t, ok := byID[succ]; ok {
			t.Dependencies = append(t.Dependencies, pred)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, nil, err
	}

	resQuery, resArgs, err := psql.
		Select("id", "name", "capacity", "pool").
		From("resources").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	resRows, err := r.db.Query(ctx, resQuery, resArgs...)
	if err != nil {
		return nil, nil, err
	}
	defer resRows.Close()

	var resources []*domain.Resource
	for resRows.Next() {
		var res domain.Resource
		if err := resRows.Scan(&res.ID, &res.Name, &res.Capacity, &res.Pool); err != nil {
			return nil, nil, err
		}
		resources = append(resources, &res)
	}
	if err := resRows.Err(); err != nil {
		return nil, nil, err
	}

	r.log.Info("graph loaded from storage",
		zap.Int("tasks", len(tasks)),
		zap.Int("resources", len(resources)))
	return tasks, resources, nil
}
