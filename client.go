package rafale

import (
	"context"
	"fmt"
)

// Client is the one contract a source must satisfy: given a phrase and a
// result cap, return a finite batch of hits. Implementations should honor
// the context; the engine's tier timeout is the only backstop when they
// don't.
type Client interface {
	Search(ctx context.Context, phrase string, max int) ([]RawResult, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, phrase string, max int) ([]RawResult, error)

// Search calls the wrapped function.
func (f ClientFunc) Search(ctx context.Context, phrase string, max int) ([]RawResult, error) {
	return f(ctx, phrase, max)
}

// Factory builds a Client from a source's wiring fields. Factories close
// over whatever shared plumbing they need (HTTP pool, archive handles).
type Factory func(src Source) (Client, error)

// Registry maps strategy names to factories. Registration is explicit, at
// wiring time; there is no init magic and no default registry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a strategy name to a factory, replacing any previous
// binding.
func (r *Registry) Register(strategy string, f Factory) {
	r.factories[strategy] = f
}

// Clients instantiates one client per source using each source's Strategy.
// Unknown strategies fail construction; a half-wired registry is a config
// bug, not a runtime condition.
func (r *Registry) Clients(sources []Source) (map[string]Client, error) {
	clients := make(map[string]Client, len(sources))
	for _, src := range sources {
		f, ok := r.factories[src.Strategy]
		if !ok {
			return nil, fmt.Errorf("rafale: source %s: no factory for strategy %q", src.Code, src.Strategy)
		}
		c, err := f(src)
		if err != nil {
			return nil, fmt.Errorf("rafale: source %s: %w", src.Code, err)
		}
		clients[src.Code] = c
	}
	return clients, nil
}
