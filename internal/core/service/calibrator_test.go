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

func calTask(name string) *domain.Task {
	return &domain.Task{
		ID:       domain.TaskID(name),
		Name:     name,
		Priority: 5,
		Estimate: &domain.Estimate{Mean: time.Hour, Confidence: 0.8},
	}
}

func TestCalibrator_FirstSampleSetsFactor(t *testing.T) {
	history := &memoryHistory{}
	c := NewCalibrator(CalibratorConfig{Weight: 0.3}, history, nil, zap.NewNop())

	require.NoError(t, c.Record(context.Background(), calTask("deploy"), 90*time.Minute, anchor))

	snap := c.Snapshot()
	assert.InDelta(t, 1.5, snap.Factor("deploy/normal/"), 1e-9)
	require.Len(t, history.recs, 1)
	assert.Equal(t, time.Hour, history.recs[0].Estimated)
	assert.Equal(t, 90*time.Minute, history.recs[0].Actual)
}

func TestCalibrator_EWMAConvergence(t *testing.T) {
	c := NewCalibrator(CalibratorConfig{Weight: 0.5}, &memoryHistory{}, nil, zap.NewNop())
	ctx := context.Background()

	// first sample 2.0, then 1.0: 0.5*2.0 + 0.5*1.0 = 1.5
	require.NoError(t, c.Record(ctx, calTask("deploy"), 2*time.Hour, anchor))
	require.NoError(t, c.Record(ctx, calTask("deploy"), time.Hour, anchor.Add(time.Minute)))

	snap := c.Snapshot()
	assert.InDelta(t, 1.5, snap.Factor("deploy/normal/"), 1e-9)
	assert.Equal(t, 2, snap.Factors["deploy/normal/"].Samples)
	assert.Equal(t, int64(2), snap.Version)
}

func TestCalibrator_CategoriesAreIndependent(t *testing.T) {
	c := NewCalibrator(CalibratorConfig{}, &memoryHistory{}, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, calTask("deploy"), 2*time.Hour, anchor))
	require.NoError(t, c.Record(ctx, calTask("build"), 30*time.Minute, anchor))

	snap := c.Snapshot()
	assert.InDelta(t, 2.0, snap.Factor("deploy/normal/"), 1e-9)
	assert.InDelta(t, 0.5, snap.Factor("build/normal/"), 1e-9)
	assert.Equal(t, 1.0, snap.Factor("untouched/normal/"))
}

func TestCalibrator_NothingToLearnWithoutEstimate(t *testing.T) {
	history := &memoryHistory{}
	c := NewCalibrator(CalibratorConfig{}, history, nil, zap.NewNop())

	bare := &domain.Task{ID: "bare", Name: "bare", Priority: 5}
	require.NoError(t, c.Record(context.Background(), bare, time.Hour, anchor))

	assert.Empty(t, history.recs)
	assert.Empty(t, c.Snapshot().Factors)
}

func TestCalibrator_SnapshotIsImmutableCopy(t *testing.T) {
	c := NewCalibrator(CalibratorConfig{}, &memoryHistory{}, nil, zap.NewNop())
	require.NoError(t, c.Record(context.Background(), calTask("deploy"), 2*time.Hour, anchor))

	snap := c.Snapshot()
	snap.Factors["deploy/normal/"] = domain.CalibrationFactor{Ratio: 99}

	assert.InDelta(t, 2.0, c.Snapshot().Factor("deploy/normal/"), 1e-9, "mutating a snapshot must not reach the table")
}

func TestCalibrator_RestorePrefersStore(t *testing.T) {
	store := &memoryCalStore{snap: &domain.CalibrationSnapshot{
		Version: 7,
		Factors: map[string]domain.CalibrationFactor{"deploy/normal/": {Ratio: 1.4, Samples: 3}},
	}}
	history := &memoryHistory{}
	history.recs = append(history.recs, &domain.HistoryRecord{
		Category: "deploy/normal/", Estimated: time.Hour, Actual: 3 * time.Hour, RecordedAt: anchor,
	})

	c := NewCalibrator(CalibratorConfig{}, history, store, zap.NewNop())
	require.NoError(t, c.Restore(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, int64(7), snap.Version)
	assert.InDelta(t, 1.4, snap.Factor("deploy/normal/"), 1e-9, "store snapshot wins over ledger replay")
}

func TestCalibrator_RestoreReplaysLedgerOldestFirst(t *testing.T) {
	history := &memoryHistory{}
	// oldest first in storage order; ListRecent returns newest first
	history.recs = append(history.recs,
		&domain.HistoryRecord{Category: "deploy/normal/", Estimated: time.Hour, Actual: 2 * time.Hour, RecordedAt: anchor},
		&domain.HistoryRecord{Category: "deploy/normal/", Estimated: time.Hour, Actual: time.Hour, RecordedAt: anchor.Add(time.Hour)},
	)

	c := NewCalibrator(CalibratorConfig{Weight: 0.5}, history, &memoryCalStore{}, zap.NewNop())
	require.NoError(t, c.Restore(context.Background()))

	// 2.0 then blended with 1.0 at weight 0.5, same as live order
	assert.InDelta(t, 1.5, c.Snapshot().Factor("deploy/normal/"), 1e-9)
}

func TestCalibrator_RestoreBackfillsBusyCategories(t *testing.T) {
	history := &memoryHistory{}
	history.recs = append(history.recs,
		&domain.HistoryRecord{Category: "deploy/normal/", Estimated: time.Hour, Actual: 2 * time.Hour, RecordedAt: anchor},
		&domain.HistoryRecord{Category: "deploy/normal/", Estimated: time.Hour, Actual: time.Hour, RecordedAt: anchor.Add(time.Hour)},
		&domain.HistoryRecord{Category: "build/normal/", Estimated: time.Hour, Actual: 30 * time.Minute, RecordedAt: anchor.Add(2 * time.Hour)},
	)

	// the recent window spans only the last two records, but each
	// category named there replays its own full tail
	c := NewCalibrator(CalibratorConfig{Weight: 0.5, RestoreLimit: 2}, history, &memoryCalStore{}, zap.NewNop())
	require.NoError(t, c.Restore(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Factors["deploy/normal/"].Samples, "older deploy sample recovered through the category tail")
	assert.InDelta(t, 1.5, snap.Factor("deploy/normal/"), 1e-9)
	assert.InDelta(t, 0.5, snap.Factor("build/normal/"), 1e-9)
}

func TestCalibrator_RecordPersistsSnapshot(t *testing.T) {
	store := &memoryCalStore{}
	c := NewCalibrator(CalibratorConfig{}, &memoryHistory{}, store, zap.NewNop())

	require.NoError(t, c.Record(context.Background(), calTask("deploy"), 2*time.Hour, anchor))

	require.NotNil(t, store.snap)
	assert.InDelta(t, 2.0, store.snap.Factor("deploy/normal/"), 1e-9)
}
