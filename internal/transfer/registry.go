package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
)

// Factory builds a Transferer for an endpoint, reading files from src
type Factory func(ctx context.Context, ep Endpoint, src card.FS, log *logging.Logger) (Transferer, error)

// Registry maps endpoint types to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for an endpoint type. Types are case-insensitive.
func (r *Registry) Register(endpointType string, factory Factory) {
	r.factories[strings.ToLower(endpointType)] = factory
}

// Types lists the registered endpoint types
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Supports reports whether endpointType has a factory
func (r *Registry) Supports(endpointType string) bool {
	_, ok := r.factories[strings.ToLower(endpointType)]
	return ok
}

// Build creates the Transferer for ep
func (r *Registry) Build(ctx context.Context, ep Endpoint, src card.FS, log *logging.Logger) (Transferer, error) {
	factory, ok := r.factories[strings.ToLower(ep.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedEndpoint, ep.Type, strings.Join(r.Types(), ", "))
	}
	if log == nil {
		log = logging.Discard()
	}

	t, err := factory(ctx, ep, src, log)
	if err != nil {
		return nil, fmt.Errorf("create %s transfer: %w", ep.Type, err)
	}
	log.Info("Using %s endpoint %s", ep.Type, ep.URL)
	return t, nil
}
