package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/model"
)

// Constructor builds a provider from the POS configuration. It returns
// (nil, nil) when the provider is disabled there.
type Constructor func(cfg *config.POSConfig, hc *http.Client) (Provider, error)

var (
	constructorsMu sync.RWMutex
	constructors   = map[string]Constructor{
		ZiraatName: func(cfg *config.POSConfig, hc *http.Client) (Provider, error) {
			if !cfg.Ziraat.Enabled {
				return nil, nil
			}
			return NewZiraat(cfg.Ziraat, hc)
		},
		PaytenName: func(cfg *config.POSConfig, hc *http.Client) (Provider, error) {
			if !cfg.Payten.Enabled {
				return nil, nil
			}
			return NewPayten(cfg.Payten, hc)
		},
	}
)

// RegisterConstructor makes a gateway available to New and NewRegistry.
func RegisterConstructor(name string, c Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	constructors[name] = c
}

// New builds the named provider. A disabled or unknown provider is an error.
func New(name string, cfg *config.POSConfig, hc *http.Client) (Provider, error) {
	constructorsMu.RLock()
	c, ok := constructors[name]
	constructorsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	p, err := c(cfg, hc)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("provider %q is disabled", name)
	}
	return p, nil
}

// Registry holds the configured providers. It is read-only after startup.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry(cfg *config.POSConfig, hc *http.Client) (*Registry, error) {
	constructorsMu.RLock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	constructorsMu.RUnlock()
	sort.Strings(names)

	var ps []Provider
	for _, name := range names {
		constructorsMu.RLock()
		c := constructors[name]
		constructorsMu.RUnlock()
		p, err := c(cfg, hc)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		log.Info().Str("provider", name).Strs("capabilities", p.Capabilities().List()).Msg("provider enabled")
		ps = append(ps, p)
	}
	return NewStaticRegistry(cfg.DefaultProvider, ps...), nil
}

// NewStaticRegistry wraps already-built providers.
func NewStaticRegistry(fallback string, ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps)), fallback: fallback}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Get resolves name, or the default provider when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, model.Validationf("provider", "provider %q is not available", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Default() string {
	return r.fallback
}
