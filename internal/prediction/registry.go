// Package prediction implements the inference-engine clients. The direct and
// queued submission modes sit behind model.Predictor and are selected by name
// from a backend registry.
package prediction

import (
	"fmt"
	"sort"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Factory creates a predictor from the prediction configuration.
type Factory func(cfg config.PredictionConfig) (model.Predictor, error)

// registry holds the mapping of backend names to their factory functions.
var registry = make(map[string]Factory)

// RegisterBackend registers a new prediction backend with its factory function.
func RegisterBackend(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("prediction backend '%s' already registered", name))
	}
	registry[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the predictor selected by cfg.Backend.
func New(cfg config.PredictionConfig) (model.Predictor, error) {
	logging.Component("prediction").Info("creating prediction backend", "backend", cfg.Backend, "url", cfg.BaseURL)

	factory, ok := registry[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown prediction backend: '%s'", cfg.Backend)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating prediction backend '%s': %w", cfg.Backend, err)
	}
	return p, nil
}
