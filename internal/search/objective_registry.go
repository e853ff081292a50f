package search

import (
	"sort"
	"sync"

	"github.com/banshee-data/filtercal/internal/scorer"
)

// Built-in objective names.
const (
	ObjectiveMinLag       = "min_lag"
	ObjectiveMinPrecision = "min_precision"
	ObjectiveWeighted     = "weighted"
)

// ObjectiveDefinition describes a registered objective.
type ObjectiveDefinition struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	// Fitness maps a score to a cost; lower is better.
	Fitness func(s scorer.Score, b Bounds, w ObjectiveWeights) float64 `json:"-"`
}

// ObjectiveRegistry holds registered objective definitions.
type ObjectiveRegistry struct {
	mu         sync.RWMutex
	objectives map[string]*ObjectiveDefinition
}

// ObjectiveInfo is a summary of a registered objective.
type ObjectiveInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// NewObjectiveRegistry creates a new empty objective registry.
func NewObjectiveRegistry() *ObjectiveRegistry {
	return &ObjectiveRegistry{
		objectives: make(map[string]*ObjectiveDefinition),
	}
}

// Register adds an objective definition to the registry.
// If an objective with the same name already exists, it is replaced.
func (r *ObjectiveRegistry) Register(def *ObjectiveDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectives[def.Name] = def
}

// Get retrieves an objective definition by name.
func (r *ObjectiveRegistry) Get(name string) (*ObjectiveDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.objectives[name]
	return def, ok
}

// List returns every registered objective sorted by name.
func (r *ObjectiveRegistry) List() []ObjectiveInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ObjectiveInfo, 0, len(r.objectives))
	for _, def := range r.objectives {
		infos = append(infos, ObjectiveInfo{
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DefaultObjectiveRegistry returns a registry pre-loaded with the built-in
// objectives.
func DefaultObjectiveRegistry() *ObjectiveRegistry {
	reg := NewObjectiveRegistry()

	reg.Register(&ObjectiveDefinition{
		Name:        ObjectiveMinLag,
		Version:     "v1",
		Description: "Minimise edge lag among candidates that satisfy the thresholds.",
		Fitness: func(s scorer.Score, _ Bounds, _ ObjectiveWeights) float64 {
			return s.LagSeconds
		},
	})

	reg.Register(&ObjectiveDefinition{
		Name:        ObjectiveMinPrecision,
		Version:     "v1",
		Description: "Minimise residual jitter among candidates that satisfy the thresholds.",
		Fitness: func(s scorer.Score, _ Bounds, _ ObjectiveWeights) float64 {
			return s.Precision
		},
	})

	reg.Register(&ObjectiveDefinition{
		Name:    ObjectiveWeighted,
		Version: "v1",
		Description: "Weighted sum of precision and lag, each min-max normalised " +
			"over the feasible candidates.",
		Fitness: WeightedFitness,
	})

	return reg
}
