package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// CalibratorConfig tunes the exponentially weighted mean of the
// actual/estimated ratio. Weight is the influence of one new sample.
type CalibratorConfig struct {
	Weight       float64 `mapstructure:"weight"`
	RestoreLimit int     `mapstructure:"restoreLimit"`
}

// Calibrator is the feedback loop's learning half. It owns the
// calibration table, appends to the history ledger and never edits
// prior records; corrections only apply going forward.
type Calibrator struct {
	mu      sync.Mutex
	version int64
	factors map[string]domain.CalibrationFactor

	cfg     CalibratorConfig
	history port.HistoryRepository
	store   port.CalibrationStore
	log     *zap.Logger
}

func NewCalibrator(cfg CalibratorConfig, history port.HistoryRepository, store port.CalibrationStore, log *zap.Logger) *Calibrator {
	if cfg.Weight <= 0 || cfg.Weight > 1 {
		cfg.Weight = 0.3
	}
	if cfg.RestoreLimit <= 0 {
		cfg.RestoreLimit = 500
	}
	return &Calibrator{
		factors: make(map[string]domain.CalibrationFactor),
		cfg:     cfg,
		history: history,
		store:   store,
		log:     log,
	}
}

// Record appends one completion outcome to the ledger and folds it
// into the category factor. The first sample sets the factor outright,
// later samples blend in with the configured weight.
func (c *Calibrator) Record(ctx context.Context, task *domain.Task, actual time.Duration, now time.Time) error {
	if task.Estimate == nil || task.Estimate.Mean <= 0 {
		return nil // nothing to learn against
	}

	rec := &domain.HistoryRecord{
		Category:   task.Category(),
		Estimated:  task.Estimate.Mean,
		Actual:     actual,
		RecordedAt: now,
	}
	if c.history != nil {
		if err := c.history.Append(ctx, rec); err != nil {
			return err
		}
	}

	c.apply(rec)

	if c.store != nil {
		if err := c.store.Save(ctx, c.Snapshot()); err != nil {
			c.log.Warn("failed to persist calibration snapshot", zap.Error(err))
		}
	}

	c.log.Info("calibration updated",
		zap.String("category", rec.Category),
		zap.Duration("estimated", rec.Estimated),
		zap.Duration("actual", rec.Actual),
		zap.Float64("factor", c.Snapshot().Factor(rec.Category)))
	return nil
}

func (c *Calibrator) apply(rec *domain.HistoryRecord) {
	ratio := float64(rec.Actual) / float64(rec.Estimated)

	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.factors[rec.Category]
	if !ok {
		f = domain.CalibrationFactor{Ratio: ratio, Samples: 1, UpdatedAt: rec.RecordedAt}
	} else {
		f.Ratio = (1-c.cfg.Weight)*f.Ratio + c.cfg.Weight*ratio
		f.Samples++
		f.UpdatedAt = rec.RecordedAt
	}
	c.factors[rec.Category] = f
	c.version++
}

// Snapshot returns an immutable copy of the calibration table.
func (c *Calibrator) Snapshot() *domain.CalibrationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	factors := make(map[string]domain.CalibrationFactor, len(c.factors))
	for k, v := range c.factors {
		factors[k] = v
	}
	return &domain.CalibrationSnapshot{Version: c.version, Factors: factors}
}

// Restore warm-starts the table: the persisted snapshot wins, else the
// history ledger is replayed oldest-first.
func (c *Calibrator) Restore(ctx context.Context) error {
	if c.store != nil {
		snap, err := c.store.Load(ctx)
		if err != nil {
			return err
		}
		if snap != nil && len(snap.Factors) > 0 {
			c.mu.Lock()
			c.version = snap.Version
			c.factors = make(map[string]domain.CalibrationFactor, len(snap.Factors))
			for k, v := range snap.Factors {
				c.factors[k] = v
			}
			c.mu.Unlock()
			c.log.Info("calibration restored from store", zap.Int("categories", len(snap.Factors)))
			return nil
		}
	}

	if c.history == nil {
		return nil
	}
	records, err := c.history.ListRecent(ctx, c.cfg.RestoreLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Recent records name the active categories; each category then
	// replays its own tail, so a busy category cannot crowd a quiet
	// one out of the warm start.
	seen := make(map[string]struct{}, len(records))
	categories := make([]string, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- { // ListRecent is newest-first
		cat := records[i].Category
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		categories = append(categories, cat)
	}

	replayed := 0
	for _, cat := range categories {
		recs, err := c.history.ListByCategory(ctx, cat, c.cfg.RestoreLimit)
		if err != nil {
			return err
		}
		for i := len(recs) - 1; i >= 0; i-- { // newest-first from storage
			c.apply(recs[i])
			replayed++
		}
	}
	c.log.Info("calibration replayed from history",
		zap.Int("records", replayed),
		zap.Int("categories", len(categories)))
	return nil
}
