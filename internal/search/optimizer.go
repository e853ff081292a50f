// Package search evaluates every candidate of a parameter grid against the
// synthetic traces and selects the best one under a caller-supplied
// criterion.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/monitoring"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/synth"
)

// EmptyGridError is returned when there are no candidates to search.
type EmptyGridError struct{}

func (*EmptyGridError) Error() string { return "parameter grid is empty" }

// NoFeasibleCandidateError is returned when no candidate satisfies the
// criterion's hard thresholds.
type NoFeasibleCandidateError struct {
	Evaluated int
	Criterion Criterion
}

func (e *NoFeasibleCandidateError) Error() string {
	msg := fmt.Sprintf("none of %d candidates satisfies", e.Evaluated)
	if e.Criterion.MaxPrecision != nil {
		msg += fmt.Sprintf(" precision < %g", *e.Criterion.MaxPrecision)
	}
	if e.Criterion.MaxLagSeconds != nil {
		msg += fmt.Sprintf(" lag < %gs", *e.Criterion.MaxLagSeconds)
	}
	return msg
}

// Evaluation is the outcome of scoring one grid candidate.
type Evaluation struct {
	Index     int            `json:"index"`
	Candidate grid.Candidate `json:"candidate"`
	Score     scorer.Score   `json:"score"`
	Feasible  bool           `json:"feasible"`
	// Fitness is the objective cost; +Inf for infeasible candidates.
	Fitness float64 `json:"fitness"`
}

type evaluationJSON struct {
	Index     int            `json:"index"`
	Candidate grid.Candidate `json:"candidate"`
	Score     scorer.Score   `json:"score"`
	Feasible  bool           `json:"feasible"`
	Fitness   *float64       `json:"fitness"`
}

// MarshalJSON writes a non-finite fitness as null.
func (e Evaluation) MarshalJSON() ([]byte, error) {
	out := evaluationJSON{Index: e.Index, Candidate: e.Candidate, Score: e.Score, Feasible: e.Feasible}
	if !math.IsInf(e.Fitness, 0) && !math.IsNaN(e.Fitness) {
		f := e.Fitness
		out.Fitness = &f
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null fitness back as +Inf.
func (e *Evaluation) UnmarshalJSON(data []byte) error {
	var in evaluationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Evaluation{Index: in.Index, Candidate: in.Candidate, Score: in.Score, Feasible: in.Feasible, Fitness: math.Inf(1)}
	if in.Fitness != nil {
		e.Fitness = *in.Fitness
	}
	return nil
}

// Result is the winner plus every evaluation in grid order.
type Result struct {
	Best        Evaluation   `json:"best"`
	Objective   string       `json:"objective"`
	Bounds      Bounds       `json:"bounds"`
	Evaluations []Evaluation `json:"evaluations"`
}

// CandidateScorer measures one candidate. *scorer.Scorer implements it.
type CandidateScorer interface {
	Score(f scorer.Filter, c grid.Candidate, tr synth.Traces) scorer.Score
}

// Optimizer runs an exhaustive grid search. NewFilter is called once per
// worker; the scorer resets the filter before every candidate.
type Optimizer struct {
	Scorer    CandidateScorer
	NewFilter func() scorer.Filter
	Workers   int
	Registry  *ObjectiveRegistry
}

// NewOptimizer returns an optimizer using the default objective registry
// and one worker per CPU.
func NewOptimizer(s CandidateScorer, newFilter func() scorer.Filter) *Optimizer {
	return &Optimizer{
		Scorer:    s,
		NewFilter: newFilter,
		Registry:  DefaultObjectiveRegistry(),
	}
}

// Search scores every candidate of g against tr and returns the best under
// crit. Cancellation is observed between candidate evaluations.
func (o *Optimizer) Search(ctx context.Context, g *grid.Grid, tr synth.Traces, crit Criterion) (Result, error) {
	if g == nil || g.Len() == 0 {
		return Result{}, &EmptyGridError{}
	}
	if g.SampleRate() != tr.SampleRate {
		return Result{}, fmt.Errorf("grid is tabulated for %g Hz but traces are at %g Hz", g.SampleRate(), tr.SampleRate)
	}
	if err := crit.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid criterion: %w", err)
	}
	reg := o.Registry
	if reg == nil {
		reg = DefaultObjectiveRegistry()
	}
	def, ok := reg.Get(crit.Objective)
	if !ok {
		return Result{}, fmt.Errorf("unknown objective %q", crit.Objective)
	}

	evals, err := o.evaluate(ctx, g, tr)
	if err != nil {
		return Result{}, err
	}

	var feasible []int
	for i := range evals {
		evals[i].Feasible = CheckAcceptance(evals[i].Score, crit)
		evals[i].Fitness = math.Inf(1)
		if evals[i].Feasible {
			feasible = append(feasible, i)
		}
	}
	if len(feasible) == 0 {
		return Result{}, &NoFeasibleCandidateError{Evaluated: len(evals), Criterion: crit}
	}

	bounds := feasibleBounds(evals, feasible)
	for _, i := range feasible {
		f := def.Fitness(evals[i].Score, bounds, crit.Weights)
		if math.IsNaN(f) {
			f = math.Inf(1)
		}
		evals[i].Fitness = f
	}

	best := evals[feasible[0]]
	for _, i := range feasible[1:] {
		if Better(evals[i], best) {
			best = evals[i]
		}
	}

	monitoring.Logf("search: %d candidates, %d feasible, objective=%s, best %s (precision=%.5g lag=%.4gs)",
		len(evals), len(feasible), def.Name, best.Candidate, best.Score.Precision, best.Score.LagSeconds)

	return Result{Best: best, Objective: def.Name, Bounds: bounds, Evaluations: evals}, nil
}

func (o *Optimizer) evaluate(ctx context.Context, g *grid.Grid, tr synth.Traces) ([]Evaluation, error) {
	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, g.Len())

	evals := make([]Evaluation, g.Len())
	eg, egctx := errgroup.WithContext(ctx)
	next := make(chan int)

	eg.Go(func() error {
		defer close(next)
		for i := 0; i < g.Len(); i++ {
			select {
			case next <- i:
			case <-egctx.Done():
				return egctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		f := o.NewFilter()
		eg.Go(func() error {
			for i := range next {
				if err := egctx.Err(); err != nil {
					return err
				}
				c := g.At(i)
				evals[i] = Evaluation{Index: i, Candidate: c, Score: o.Scorer.Score(f, c, tr)}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("search cancelled: %w", err)
	}
	return evals, nil
}

func feasibleBounds(evals []Evaluation, feasible []int) Bounds {
	p := make([]float64, len(feasible))
	l := make([]float64, len(feasible))
	for k, i := range feasible {
		p[k] = evals[i].Score.Precision
		l[k] = evals[i].Score.LagSeconds
	}
	return Bounds{
		MinPrecision:  floats.Min(p),
		MaxPrecision:  floats.Max(p),
		MinLagSeconds: floats.Min(l),
		MaxLagSeconds: floats.Max(l),
	}
}

// Better reports whether a ranks ahead of b: lower fitness, then lower
// cutoff, then lower beta, then lower jitter, then earlier grid position.
// The order is total, so the winner does not depend on evaluation order.
func Better(a, b Evaluation) bool {
	switch {
	case a.Fitness != b.Fitness:
		return a.Fitness < b.Fitness
	case a.Candidate.Cutoff != b.Candidate.Cutoff:
		return a.Candidate.Cutoff < b.Candidate.Cutoff
	case a.Candidate.Beta != b.Candidate.Beta:
		return a.Candidate.Beta < b.Candidate.Beta
	case a.Candidate.Jitter != b.Candidate.Jitter:
		return a.Candidate.Jitter < b.Candidate.Jitter
	default:
		return a.Index < b.Index
	}
}

// Rank returns the evaluations sorted best first. Infeasible candidates sort
// last.
func Rank(evals []Evaluation) []Evaluation {
	out := make([]Evaluation, len(evals))
	copy(out, evals)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feasible != out[j].Feasible {
			return out[i].Feasible
		}
		return Better(out[i], out[j])
	})
	return out
}
