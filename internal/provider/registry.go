package provider

import (
	"errors"
	"fmt"
	"sort"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Registry maps public model ids onto backend endpoints. It is built once
// and never mutated, so it is safe for concurrent use without locking.
type Registry struct {
	models       map[string]models.Model
	order        []string
	defaultModel string
}

// NewRegistry builds a registry from the backend configuration.
func NewRegistry(cfg config.BackendConfig) (*Registry, error) {
	r := &Registry{
		models:       make(map[string]models.Model, len(cfg.Models)+len(cfg.Aliases)),
		defaultModel: cfg.DefaultModel,
	}

	for _, mc := range cfg.Models {
		if _, exists := r.models[mc.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, mc.ID)
		}
		r.models[mc.ID] = models.Model{
			ID: mc.ID,
			Endpoints: models.BackendEndpoints{
				SubmitURL:     mc.SubmitURL,
				StatusBaseURL: mc.StatusBaseURL,
			},
			Default: mc.ID == cfg.DefaultModel,
		}
		r.order = append(r.order, mc.ID)
	}

	if _, ok := r.models[cfg.DefaultModel]; !ok {
		return nil, fmt.Errorf("%w: default model %s", ErrUnknownModel, cfg.DefaultModel)
	}

	aliases := make([]string, 0, len(cfg.Aliases))
	for alias := range cfg.Aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		target := cfg.Aliases[alias]
		if _, exists := r.models[alias]; exists {
			return nil, fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		targetModel, ok := r.models[target]
		if !ok {
			return nil, fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		r.models[alias] = models.Model{
			ID:        alias,
			Endpoints: targetModel.Endpoints,
			AliasOf:   target,
		}
		r.order = append(r.order, alias)
	}

	return r, nil
}

// Resolve returns the endpoints for modelID. Unknown ids fall back to the
// default model; fallback reports whether that happened.
func (r *Registry) Resolve(modelID string) (endpoints models.BackendEndpoints, fallback bool) {
	if m, ok := r.models[modelID]; ok {
		return m.Endpoints, false
	}
	return r.models[r.defaultModel].Endpoints, true
}

// LookupModel returns the metadata for a registered id without fallback.
func (r *Registry) LookupModel(modelID string) (models.Model, error) {
	m, ok := r.models[modelID]
	if !ok {
		return models.Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return m, nil
}

// DefaultModel returns the id used for unknown and missing model names.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}

// Models lists configured models followed by aliases, in configuration order.
func (r *Registry) Models() []models.Model {
	out := make([]models.Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}
