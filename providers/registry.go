package providers

import (
	"fmt"
	"sort"
	"sync"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
)

// Factory builds an adapter from its configuration.
type Factory func(cfg Config, deps Deps) (Provider, error)

// Registry maps provider names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.ProviderName]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ProviderName]Factory)}
}

// NewDefaultRegistry registers every built-in adapter. The stub adapter gets
// its own in-memory ledger.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.ProviderRazorpay, NewRazorpayProvider)
	r.Register(models.ProviderStripe, NewStripeProvider)
	r.Register(models.ProviderInstamojo, NewInstamojoProvider)
	r.Register(models.ProviderPhonePe, NewPhonePeProvider)
	r.Register(models.ProviderCashfree, NewCashfreeProvider)
	r.Register(models.ProviderPayU, NewPayUProvider)
	r.Register(models.ProviderPaytm, NewPaytmProvider)
	RegisterStub(r, NewStubLedger())
	return r
}

// RegisterStub registers the stub adapter backed by ledger.
func RegisterStub(r *Registry, ledger *StubLedger) {
	r.Register(models.ProviderStub, func(cfg Config, deps Deps) (Provider, error) {
		return NewStubProvider(cfg, deps, ledger)
	})
}

func (r *Registry) Register(name models.ProviderName, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build constructs the adapter named by cfg.Provider.
func (r *Registry) Build(cfg Config, deps Deps) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Configuration(fmt.Sprintf("unknown payment provider %q", cfg.Provider), nil)
	}
	return f(cfg, deps)
}

// Names lists registered providers in alphabetical order.
func (r *Registry) Names() []models.ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]models.ProviderName, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *Registry) Has(name models.ProviderName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
