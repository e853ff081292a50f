package search

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/synth"
)

// tableScorer returns canned scores keyed by candidate.
type tableScorer struct {
	mu     sync.Mutex
	scores map[grid.Candidate]scorer.Score
	calls  int
}

func (s *tableScorer) Score(_ scorer.Filter, c grid.Candidate, _ synth.Traces) scorer.Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.scores[c]
}

type nopFilter struct{}

func (nopFilter) Reset() {}
func (nopFilter) Step(raw signal.Vec3, _ grid.Candidate) signal.Vec3 { return raw }

func newNop() scorer.Filter { return nopFilter{} }

func score(precision, lagSeconds float64) scorer.Score {
	return scorer.Score{
		Precision:  precision,
		LagSeconds: lagSeconds,
		LagSamples: int(math.Round(lagSeconds * 60)),
		Settled:    true,
	}
}

func mustGrid(t *testing.T, cands ...grid.Candidate) *grid.Grid {
	t.Helper()
	g, err := grid.New(60, cands)
	require.NoError(t, err)
	return g
}

var traces60 = synth.Traces{SampleRate: 60}

func TestSearchPicksStrictlyBetter(t *testing.T) {
	a := grid.Candidate{Cutoff: 1, Beta: 0.1}
	b := grid.Candidate{Cutoff: 2, Beta: 0.1}
	sc := &tableScorer{scores: map[grid.Candidate]scorer.Score{
		a: score(0.01, 0.10),
		b: score(0.02, 0.05),
	}}
	o := NewOptimizer(sc, newNop)

	res, err := o.Search(context.Background(), mustGrid(t, a, b), traces60, MinLagBelow(0.03))
	require.NoError(t, err)
	assert.Equal(t, b, res.Best.Candidate)
	assert.Equal(t, ObjectiveMinLag, res.Objective)
	assert.Len(t, res.Evaluations, 2)
	assert.Equal(t, 2, sc.calls)

	// tightening precision excludes b
	res, err = o.Search(context.Background(), mustGrid(t, a, b), traces60, MinLagBelow(0.015))
	require.NoError(t, err)
	assert.Equal(t, a, res.Best.Candidate)
	assert.False(t, res.Evaluations[1].Feasible)
	assert.True(t, math.IsInf(res.Evaluations[1].Fitness, 1))
}

func TestSearchThresholdIsStrict(t *testing.T) {
	a := grid.Candidate{Cutoff: 1}
	sc := &tableScorer{scores: map[grid.Candidate]scorer.Score{a: score(0.05, 0.1)}}

	_, err := NewOptimizer(sc, newNop).Search(context.Background(), mustGrid(t, a), traces60, MinLagBelow(0.05))
	var nf *NoFeasibleCandidateError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 1, nf.Evaluated)
	assert.Contains(t, err.Error(), "precision < 0.05")
}

func TestSearchTieBreakIsDeterministic(t *testing.T) {
	cands := []grid.Candidate{
		{Jitter: 0.2, Cutoff: 3, Beta: 0.5},
		{Jitter: 0.2, Cutoff: 1, Beta: 0.9},
		{Jitter: 0.1, Cutoff: 1, Beta: 0.9},
		{Jitter: 0.2, Cutoff: 1, Beta: 0.3},
		{Jitter: 0.3, Cutoff: 1, Beta: 0.3},
	}
	scores := make(map[grid.Candidate]scorer.Score, len(cands))
	for _, c := range cands {
		scores[c] = score(0.01, 0.05)
	}
	want := grid.Candidate{Jitter: 0.2, Cutoff: 1, Beta: 0.3}

	for _, workers := range []int{1, 2, 3, 8} {
		for run := 0; run < 5; run++ {
			o := NewOptimizer(&tableScorer{scores: scores}, newNop)
			o.Workers = workers
			res, err := o.Search(context.Background(), mustGrid(t, cands...), traces60, MinLagBelow(1))
			require.NoError(t, err)
			assert.Equal(t, want, res.Best.Candidate, "workers=%d run=%d", workers, run)
			assert.Equal(t, 3, res.Best.Index)
		}
	}
}

func TestSearchResultIndependentOfWorkers(t *testing.T) {
	g, err := grid.FromRanges(60, "0.1:0.3:0.1", "0.5:2:0.5", "0:0.4:0.1")
	require.NoError(t, err)
	scores := make(map[grid.Candidate]scorer.Score, g.Len())
	for i, c := range g.Candidates() {
		// precision falls and lag rises with cutoff index, with a few exact ties
		scores[c] = score(0.1/float64(1+i%7), 0.01*float64(i%5))
	}

	var first Result
	for i, workers := range []int{1, 4, 16} {
		o := NewOptimizer(&tableScorer{scores: scores}, newNop)
		o.Workers = workers
		crit := Criterion{Objective: ObjectiveWeighted, Weights: DefaultObjectiveWeights()}
		res, err := o.Search(context.Background(), g, traces60, crit)
		require.NoError(t, err)
		if i == 0 {
			first = res
			continue
		}
		if diff := cmp.Diff(first, res); diff != "" {
			t.Errorf("workers=%d result mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestSearchEmptyGrid(t *testing.T) {
	o := NewOptimizer(&tableScorer{}, newNop)

	_, err := o.Search(context.Background(), mustGrid(t), traces60, MinLagBelow(1))
	var eg *EmptyGridError
	assert.ErrorAs(t, err, &eg)

	_, err = o.Search(context.Background(), nil, traces60, MinLagBelow(1))
	assert.ErrorAs(t, err, &eg)
}

func TestSearchRejectsRateMismatch(t *testing.T) {
	a := grid.Candidate{Cutoff: 1}
	o := NewOptimizer(&tableScorer{scores: map[grid.Candidate]scorer.Score{a: score(0.01, 0.1)}}, newNop)

	_, err := o.Search(context.Background(), mustGrid(t, a), synth.Traces{SampleRate: 100}, MinLagBelow(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60 Hz")
}

func TestSearchUnknownObjective(t *testing.T) {
	a := grid.Candidate{Cutoff: 1}
	o := NewOptimizer(&tableScorer{scores: map[grid.Candidate]scorer.Score{a: score(0.01, 0.1)}}, newNop)

	_, err := o.Search(context.Background(), mustGrid(t, a), traces60, Criterion{Objective: "fastest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fastest"`)
}

func TestSearchInvalidCriterion(t *testing.T) {
	a := grid.Candidate{Cutoff: 1}
	o := NewOptimizer(&tableScorer{}, newNop)
	neg := -1.0

	_, err := o.Search(context.Background(), mustGrid(t, a), traces60, Criterion{Objective: ObjectiveMinLag, MaxPrecision: &neg})
	assert.ErrorContains(t, err, "max_precision")
}

func TestSearchCancelled(t *testing.T) {
	g, err := grid.FromRanges(60, "", "0.5:5:0.5", "0:1:0.1")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewOptimizer(&tableScorer{}, newNop).Search(ctx, g, traces60, MinLagBelow(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSearchMinPrecision(t *testing.T) {
	a := grid.Candidate{Cutoff: 1}
	b := grid.Candidate{Cutoff: 2}
	sc := &tableScorer{scores: map[grid.Candidate]scorer.Score{
		a: score(0.03, 0.01),
		b: score(0.02, 0.30),
	}}
	maxLag := 0.5
	crit := Criterion{Objective: ObjectiveMinPrecision, MaxLagSeconds: &maxLag}

	res, err := NewOptimizer(sc, newNop).Search(context.Background(), mustGrid(t, a, b), traces60, crit)
	require.NoError(t, err)
	assert.Equal(t, b, res.Best.Candidate)

	maxLag = 0.2
	res, err = NewOptimizer(sc, newNop).Search(context.Background(), mustGrid(t, a, b), traces60, crit)
	require.NoError(t, err)
	assert.Equal(t, a, res.Best.Candidate)
}

func TestRank(t *testing.T) {
	evals := []Evaluation{
		{Index: 0, Candidate: grid.Candidate{Cutoff: 1}, Fitness: math.Inf(1)},
		{Index: 1, Candidate: grid.Candidate{Cutoff: 2}, Fitness: 0.5, Feasible: true},
		{Index: 2, Candidate: grid.Candidate{Cutoff: 3}, Fitness: 0.1, Feasible: true},
		{Index: 3, Candidate: grid.Candidate{Cutoff: 0.5}, Fitness: 0.5, Feasible: true},
	}
	got := Rank(evals)

	var order []int
	for _, e := range got {
		order = append(order, e.Index)
	}
	assert.Equal(t, []int{2, 3, 1, 0}, order)
	assert.Equal(t, 0, evals[0].Index, "input must not be reordered")
}

func TestEvaluationJSONInfeasible(t *testing.T) {
	in := []Evaluation{
		{Index: 0, Candidate: grid.Candidate{Cutoff: 1}, Score: score(0.2, 0), Fitness: math.Inf(1)},
		{Index: 1, Candidate: grid.Candidate{Cutoff: 2}, Score: score(0.01, 0.1), Feasible: true, Fitness: 0.1},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fitness":null`)

	var out []Evaluation
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, math.IsInf(out[0].Fitness, 1))
	assert.Equal(t, in[1], out[1])
}
