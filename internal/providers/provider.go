package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"llm_wallet/internal/models"
)

// ErrUnknownProvider is returned when no provider is registered under a name
var ErrUnknownProvider = errors.New("unknown provider")

// CompletionRequest is a provider-agnostic chat completion request.
// MaxTokens is the hard output ceiling the provider must honour.
type CompletionRequest struct {
	Model     string
	Messages  []models.Message
	MaxTokens int
	User      string
}

// Completion is a provider response together with the token counts the
// provider reported. Billing always uses these counts, never estimates.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Provider is implemented by each concrete LLM provider (OpenAI, Anthropic, ...).
type Provider interface {
	// Name returns the identifier the pricing file uses for this provider
	Name() string

	// Complete sends one chat completion request
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Router resolves provider names to providers
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRouter creates a router. The first provider registered becomes the
// fallback for models whose price entry names no provider.
func NewRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get returns the provider registered under name. An empty name selects
// the fallback provider.
func (r *Router) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered providers
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
