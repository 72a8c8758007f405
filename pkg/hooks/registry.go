package hooks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownVariant is returned by New for names that were never registered.
var ErrUnknownVariant = errors.New("unknown hooks variant")

// Factory builds a fresh Hooks instance for one transition.
type Factory func(env Env) (Hooks, error)

// Built-in variant names.
const (
	VariantBase = "base"
	VariantFade = "fade"
)

//nolint:gochecknoglobals // Factory pattern requires global registry
var variants = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{
		VariantBase: func(env Env) (Hooks, error) { return NewBase(env.Frames), nil },
		VariantFade: func(env Env) (Hooks, error) { return NewFade(env), nil },
	},
}

// Register adds or replaces a named variant.
func Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("hooks variant needs a name and a factory")
	}
	variants.mu.Lock()
	defer variants.mu.Unlock()
	variants.factories[name] = factory
	return nil
}

// New instantiates the variant registered under name.
func New(name string, env Env) (Hooks, error) {
	factory, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	h, err := factory(env.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to create hooks variant %s: %w", name, err)
	}
	return h, nil
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	variants.mu.RLock()
	defer variants.mu.RUnlock()
	factory, ok := variants.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
	}
	return factory, nil
}

// Variants lists the registered names in sorted order.
func Variants() []string {
	variants.mu.RLock()
	defer variants.mu.RUnlock()
	names := make([]string, 0, len(variants.factories))
	for name := range variants.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
