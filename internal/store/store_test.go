package store

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/filtercal/internal/calibrate"
	"github.com/banshee-data/filtercal/internal/estimate"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/search"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/timeutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calibrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(created time.Time) *calibrate.Result {
	maxP := 0.05
	win := scorer.Score{
		Precision:     0.031,
		LagSamples:    10,
		LagSeconds:    10.0 / 60,
		AxisPrecision: signal.Vec3{0.031, 0.029, 0.030},
		AxisLag:       [3]int{10, 9, 10},
		Settled:       true,
	}
	return &calibrate.Result{
		ID:         uuid.NewString(),
		Label:      "bench",
		CreatedAt:  created,
		Candidate:  grid.Candidate{Jitter: 0.1, Cutoff: 0.2},
		Precision:  win.Precision,
		LagSeconds: win.LagSeconds,
		Score:      win,
		Noise: estimate.NoiseEstimate{
			StdDev:  signal.Vec3{0.1, 0.1, 0.1},
			Mean:    signal.Vec3{0, 9.81, 0},
			CI95:    signal.Vec3{0.008, 0.008, 0.008},
			Samples: 300,
		},
		Speed: estimate.SpeedEstimate{
			Rate:            signal.Vec3{5, 5, 5},
			MaxDelta:        signal.Vec3{5.0 / 60, 5.0 / 60, 5.0 / 60},
			IntervalSeconds: 1.0 / 60,
			Samples:         120,
		},
		Objective:  search.ObjectiveMinLag,
		Criterion:  search.Criterion{Objective: search.ObjectiveMinLag, Weights: search.DefaultObjectiveWeights(), MaxPrecision: &maxP},
		SampleRate: 60,
		Seed:       1,
		Evaluated:  2,
		Feasible:   1,
		Evaluations: []search.Evaluation{
			{Index: 0, Candidate: grid.Candidate{Jitter: 0.1, Cutoff: 1}, Score: scorer.Score{Precision: 0.1, Settled: true}, Fitness: math.Inf(1)},
			{Index: 1, Candidate: grid.Candidate{Jitter: 0.1, Cutoff: 0.2}, Score: win, Feasible: true, Fitness: win.LagSeconds},
		},
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// reapplying is a no-op
	assert.NoError(t, s.MigrateUp())
}

func TestMigrateDownAndTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibrations.db")
	s, err := OpenUnmigrated(path)
	require.NoError(t, err)
	defer s.Close()

	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	latest, err := LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	require.NoError(t, s.MigrateTo(1))
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.MigrateUp())
	require.NoError(t, s.MigrateDown())
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// label column is gone at version 1
	_, err = s.db.Exec(`SELECT label FROM calibration_runs`)
	assert.Error(t, err)

	require.NoError(t, s.MigrateForce(2))
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestSaveAndGetResult(t *testing.T) {
	s := openTestStore(t)
	want := sampleResult(time.Date(2025, 6, 1, 9, 30, 0, 123456789, time.UTC))
	require.NoError(t, s.SaveResult(want))

	got, err := s.GetResult(want.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetResult mismatch (-want +got):\n%s", diff)
	}
}

func TestGetResultUnknown(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetResult("missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveResultRejectsDuplicatesAndMissingID(t *testing.T) {
	s := openTestStore(t)
	res := sampleResult(time.Now().UTC())
	require.NoError(t, s.SaveResult(res))
	assert.Error(t, s.SaveResult(res))

	res.ID = ""
	assert.Error(t, s.SaveResult(res))
	assert.Error(t, s.SaveResult(nil))
}

func TestListAndDeleteResults(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		res := sampleResult(base.Add(time.Duration(i) * time.Hour))
		ids = append(ids, res.ID)
		require.NoError(t, s.SaveResult(res))
	}

	all, err := s.ListResults(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)
	assert.Equal(t, "bench", all[0].Label)
	assert.Equal(t, grid.Candidate{Jitter: 0.1, Cutoff: 0.2}, all[0].Candidate)
	assert.Equal(t, 2, all[0].Evaluated)

	top, err := s.ListResults(1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, ids[2], top[0].ID)

	require.NoError(t, s.DeleteResult(ids[1]))
	got, err := s.GetResult(ids[1])
	require.NoError(t, err)
	assert.Nil(t, got)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM calibration_evaluations WHERE run_id = ?`, ids[1]).Scan(&n))
	assert.Equal(t, 0, n, "evaluations should cascade")

	err = s.DeleteResult(ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListResultsOrdersSubSecondTimes(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	// 120ms formats with fewer fraction digits than 123ms under RFC3339Nano
	older := sampleResult(base.Add(120 * time.Millisecond))
	newer := sampleResult(base.Add(123 * time.Millisecond))
	whole := sampleResult(base.Add(time.Second))
	for _, res := range []*calibrate.Result{newer, whole, older} {
		require.NoError(t, s.SaveResult(res))
	}

	all, err := s.ListResults(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, whole.ID, all[0].ID)
	assert.Equal(t, newer.ID, all[1].ID)
	assert.Equal(t, older.ID, all[2].ID)
	assert.True(t, all[1].CreatedAt.Equal(newer.CreatedAt))

	got, err := s.GetResult(older.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(older.CreatedAt))
}

func TestRetryOnBusy(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := &Store{clock: clock}

	calls := 0
	err := s.retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{busyBackoff, 2 * busyBackoff}, clock.Sleeps())

	calls = 0
	other := errors.New("constraint failed")
	err = s.retryOnBusy(func() error {
		calls++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)

	calls = 0
	err = s.retryOnBusy(func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	assert.Error(t, err)
	assert.Equal(t, busyRetries, calls)
}
