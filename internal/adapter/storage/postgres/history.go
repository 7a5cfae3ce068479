package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type historyRepository struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewHistoryRepository creates the append-only calibration ledger
// store. Records are never updated or deleted.
func NewHistoryRepository(db *pgxpool.Pool, log *zap.Logger) port.HistoryRepository {
	return &historyRepository{
		db:  db,
		log: log,
	}
}

func (r *historyRepository) Append(ctx context.Context, rec *domain.HistoryRecord) error {
	query := `
		INSERT INTO history_records (category, estimated_ns, actual_ns, recorded_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, rec.Category, int64(rec.Estimated), int64(rec.Actual), rec.RecordedAt)
	if err != nil {
		r.log.Error("Failed to append history record", zap.Error(err))
		return err
	}
	return nil
}

func (r *historyRepository) ListByCategory(ctx context.Context, category string, limit int) ([]*domain.HistoryRecord, error) {
	query, args, err := psql.
		Select("category", "estimated_ns", "actual_ns", "recorded_at").
		From("history_records").
		Where(squirrel.Eq{"category": category}).
		OrderBy("recorded_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.scan(ctx, query, args)
}

func (r *historyRepository) ListRecent(ctx context.Context, limit int) ([]*domain.HistoryRecord, error) {
	query, args, err := psql.
		Select("category", "estimated_ns", "actual_ns", "recorded_at").
		From("history_records").
		OrderBy("recorded_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.scan(ctx, query, args)
}

func (r *historyRepository) scan(ctx context.Context, query string, args []interface{}) ([]*domain.HistoryRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var estimatedNS, actualNS int64
		if err := rows.Scan(&rec.Category, &estimatedNS, &actualNS, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Estimated = time.Duration(estimatedNS)
		rec.Actual = time.Duration(actualNS)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
