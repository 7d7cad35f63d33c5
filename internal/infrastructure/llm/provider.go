package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Provider is one wire codec over a chat-completion backend.
type Provider interface {
	// Name returns the backend instance name (not the provider type).
	Name() string

	// Complete sends a prompt and returns the generated string.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// CompleteStream sends a prompt and pushes token fragments into
	// tokens as they arrive, returning the accumulated string. The
	// channel is not closed by the provider.
	CompleteStream(ctx context.Context, prompt string, opts Options, tokens chan<- string) (string, error)
}

// BatchCompleter is optionally implemented by providers with a native
// n-completions call.
type BatchCompleter interface {
	CompleteN(ctx context.Context, prompt string, n int, opts Options) ([]string, error)
}

// CompleteN generates n completions, using the provider's native batch
// call when available and falling back to n independent Complete calls.
func CompleteN(ctx context.Context, p Provider, prompt string, n int, opts Options) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if bc, ok := p.(BatchCompleter); ok {
		return bc.CompleteN(ctx, prompt, n, opts)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := p.Complete(ctx, prompt, opts)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// --- Provider factory registry ---
// Providers register themselves via init() in their own package.
// Adding a provider type = implement Provider + RegisterFactory("type", New).

// Factory creates a Provider from a backend config.
type Factory func(cfg BackendConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a provider factory for the given type name.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// NewProvider creates a Provider using the registered factory for
// cfg.Provider. An empty type defaults to "openai".
func NewProvider(cfg BackendConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Provider
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}

	return factory(cfg, logger), nil
}
