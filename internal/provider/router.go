package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider means a choice names a provider that was never registered.
// It is a configuration problem, so retrying cannot help.
var ErrNoProvider = errors.New("no provider registered")

// Router maps backend choices onto registered providers.
type Router struct {
	providers map[string]Provider
	localID   string // provider serving local choices
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(localID string, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		localID:   localID,
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetLocal sets the provider that serves local choices.
func (r *Router) SetLocal(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localID = providerID
}

// Resolve returns the provider for a choice.
func (r *Router) Resolve(choice BackendChoice) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := choice.Provider
	if choice.IsLocal() {
		id = r.localID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, choice)
	}
	return p, nil
}

// Route sends a chat request to the provider behind choice. The model in
// req is overwritten with the chosen model id.
func (r *Router) Route(ctx context.Context, choice BackendChoice, req *ChatRequest) (*ChatResponse, error) {
	p, err := r.Resolve(choice)
	if err != nil {
		return nil, err
	}
	req.Model = choice.ModelID
	resp, err := p.Chat(ctx, req)
	if err != nil {
		r.logger.Debug("provider call failed",
			zap.String("backend", choice.String()), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", choice, err)
	}
	return resp, nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// New builds a provider from config.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "ollama", "local", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
