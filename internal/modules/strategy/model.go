// Package strategy provides the score models that turn price history into
// per-asset conviction scores in [-1, 1].
//
// Models are strictly causal: they receive a price window ending at the
// decision epoch and never see anything newer. The backtest harness
// enforces this by always passing PriceHistory.Window(epoch).
package strategy

import (
	"fmt"
	"sort"

	"github.com/aristath/helmsman/internal/domain"
)

// Model scores the assets in a price window. Assets without enough history
// for the model are simply absent from the result map; the translator
// treats absence as a missing score.
type Model interface {
	// Name identifies the model in run metadata and the registry.
	Name() string

	// Scores returns per-asset scores in [-1, 1] for the final epoch of the
	// given window.
	Scores(history domain.PriceHistory) (map[string]float64, error)
}

// Registry holds the configured score models by name.
type Registry struct {
	models map[string]Model
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register adds a model under its own name. Registering the same name
// twice replaces the earlier model.
func (r *Registry) Register(m Model) {
	r.models[m.Name()] = m
}

// Get returns the named model or an error listing what is available.
func (r *Registry) Get(name string) (Model, error) {
	if m, ok := r.models[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown strategy model %q (available: %v)", name, r.Names())
}

// Names returns the registered model names sorted ascending.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry builds the standard three models from configuration
// values: momentum, trend, and their blend.
func DefaultRegistry(momentumWindow, trendWindow int, blendMomentum float64) *Registry {
	r := NewRegistry()

	momentum := &MomentumModel{Window: momentumWindow}
	trend := &TrendModel{Window: trendWindow}

	r.Register(momentum)
	r.Register(trend)
	r.Register(&BlendModel{
		Momentum:       momentum,
		Trend:          trend,
		MomentumWeight: blendMomentum,
	})

	return r
}
