// Package embed defines the Embedder interface and its plugin
// registry, so the text-to-vector backend (a local model, OpenAI, a
// disabled no-op) can be selected by name at startup.
package embed

import (
	"context"
	"fmt"
)

// Embedder turns text into fixed-dimension vectors for semantic
// search and episodic memory indexing.
type Embedder interface {
	// EmbedTexts returns one embedding per input text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimension() int
}

// Loader constructs an Embedder once its backend's configuration has
// been resolved.
type Loader func(ctx context.Context) (Embedder, error)

// Plugin names one embedder implementation.
type Plugin struct {
	Name   string
	Loader Loader
}

type registry struct {
	order  []string
	byName map[string]Loader
}

func (r *registry) add(name string, loader Loader) {
	if r.byName == nil {
		r.byName = map[string]Loader{}
	}
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = loader
}

var plugins registry

// Register adds an embedder plugin, typically from an init() in the
// plugin's own package.
func Register(p Plugin) {
	plugins.add(p.Name, p.Loader)
}

// Names lists every registered embedder plugin, in registration order.
func Names() []string {
	out := make([]string, len(plugins.order))
	copy(out, plugins.order)
	return out
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	loader, ok := plugins.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
	}
	return loader, nil
}
