package providers

import (
	"sort"
	"strings"

	"github.com/jschibelli/ai-create-assistant/internal/gateway/breaker"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
)

// prefixes maps model identifier prefixes to provider names
var prefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt", "openai"},
	{"claude", "anthropic"},
}

// Route is a resolved provider together with the breaker guarding it
type Route struct {
	Provider Provider
	Breaker  *breaker.Breaker
	Model    ModelInfo
}

// Manager owns the configured providers, each with its own circuit breaker
type Manager struct {
	providers map[string]Provider
	breakers  map[string]*breaker.Breaker
}

// NewManager creates an empty manager. Register providers with Add.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*breaker.Breaker),
	}
}

// Add registers a provider and the breaker that protects it
func (m *Manager) Add(p Provider, b *breaker.Breaker) {
	m.providers[p.Name()] = p
	m.breakers[p.Name()] = b
}

// ProviderFor returns the provider name a model routes to, or "" for an unknown prefix
func ProviderFor(model string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider
		}
	}
	return ""
}

// Resolve finds the provider, breaker and static metadata for a model
func (m *Manager) Resolve(model string) (*Route, error) {
	name := ProviderFor(model)
	if name == "" {
		return nil, apierr.Validation("unsupported model: %s", model)
	}

	provider, ok := m.providers[name]
	if !ok {
		return nil, apierr.Configuration("provider %s not configured (check API key)", name)
	}

	info, err := provider.ModelInfo(model)
	if err != nil {
		return nil, apierr.Validation("unsupported model: %s", model)
	}

	return &Route{
		Provider: provider,
		Breaker:  m.breakers[name],
		Model:    info,
	}, nil
}

// Breakers returns every registered breaker ordered by provider name
func (m *Manager) Breakers() []*breaker.Breaker {
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*breaker.Breaker, 0, len(names))
	for _, name := range names {
		out = append(out, m.breakers[name])
	}
	return out
}

// Len reports how many providers are configured
func (m *Manager) Len() int {
	return len(m.providers)
}
