package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_CategoryIsAttributeDerived(t *testing.T) {
	deadline := testNow.Add(time.Hour)
	a := &Task{
		ID:       "task-1",
		Name:     "Render preview frames",
		Priority: 5,
		Requirements: map[ResourceID]float64{
			"gpu-1": 1,
			"cpu-1": 2,
		},
		Deadline: &deadline,
	}
	b := &Task{
		ID:       "task-2",
		Name:     "render final frames",
		Priority: 6,
		Requirements: map[ResourceID]float64{
			"cpu-1": 4,
			"gpu-1": 1,
		},
	}

	// same first name token, same band, same resource set: same category
	// regardless of identity, deadline or quantities
	assert.Equal(t, "render/normal/cpu-1+gpu-1", a.Category())
	assert.Equal(t, a.Category(), b.Category())
}

func TestTask_CategoryBands(t *testing.T) {
	mk := func(prio int) *Task { return &Task{Name: "build", Priority: prio} }

	assert.Equal(t, "build/low/", mk(1).Category())
	assert.Equal(t, "build/normal/", mk(4).Category())
	assert.Equal(t, "build/critical/", mk(8).Category())
}

func TestTask_CloneIsDeep(t *testing.T) {
	deadline := testNow
	actual := 3 * time.Hour
	orig := &Task{
		ID:           "t",
		Requirements: map[ResourceID]float64{"cpu": 1},
		Dependencies: []TaskID{"p"},
		Deadline:     &deadline,
		Estimate:     &Estimate{Mean: time.Hour, Confidence: 0.8},
		Actual:       &actual,
	}

	c := orig.Clone()
	c.Requirements["cpu"] = 99
	c.Dependencies[0] = "other"
	*c.Deadline = testNow.Add(time.Hour)
	c.Estimate.Mean = 0
	*c.Actual = 0

	assert.Equal(t, 1.0, orig.Requirements["cpu"])
	assert.Equal(t, TaskID("p"), orig.Dependencies[0])
	assert.Equal(t, testNow, *orig.Deadline)
	assert.Equal(t, time.Hour, orig.Estimate.Mean)
	assert.Equal(t, 3*time.Hour, *orig.Actual)
}

func TestCalibration_AdjustScalesEstimate(t *testing.T) {
	snap := EmptyCalibration()
	snap.Factors["render/normal/"] = CalibrationFactor{Ratio: 1.5, Samples: 3}

	raw := Estimate{Mean: 60 * time.Minute, Variance: 10 * time.Minute, Confidence: 0.9}

	adjusted := snap.Adjust("render/normal/", raw)
	assert.Equal(t, 90*time.Minute, adjusted.Mean)
	assert.Equal(t, 15*time.Minute, adjusted.Variance)
	assert.Equal(t, 0.9, adjusted.Confidence)
	assert.True(t, adjusted.HistoricalDataUsed)

	// unknown category passes through untouched
	same := snap.Adjust("build/low/", raw)
	assert.Equal(t, raw, same)

	// nil snapshot behaves like an empty one
	var nilSnap *CalibrationSnapshot
	assert.Equal(t, 1.0, nilSnap.Factor("anything"))
}

func TestResource_SatisfiesPool(t *testing.T) {
	want := &Resource{ID: "gpu-1", Capacity: 2, Pool: "gpu"}
	alt := &Resource{ID: "gpu-2", Capacity: 4, Pool: "gpu"}
	other := &Resource{ID: "cpu-1", Capacity: 8, Pool: "cpu"}
	unpooled := &Resource{ID: "license", Capacity: 1}

	assert.True(t, want.Satisfies(want), "a resource always satisfies itself")
	assert.True(t, alt.Satisfies(want))
	assert.False(t, other.Satisfies(want), "different pool cannot stand in")
	assert.False(t, alt.Satisfies(unpooled), "unpooled requirements bind exactly")
}
