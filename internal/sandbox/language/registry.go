package language

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Info describes a registered language for listings.
type Info struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Aliases []string `json:"aliases,omitempty"`
}

type entry struct {
	adapter Adapter
	info    Info
}

// Registry maps language identifiers and aliases to adapters.
// Lookups are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	aliases map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		aliases: make(map[string]string),
	}
}

// NewRegistryFromSpecs builds and registers an adapter for every spec.
func NewRegistryFromSpecs(specs []LanguageSpec, defaults Defaults) (*Registry, error) {
	reg := NewRegistry()
	for _, lang := range specs {
		adapter, err := NewAdapter(lang, defaults)
		if err != nil {
			return nil, err
		}
		name := lang.Name
		if name == "" {
			name = lang.ID
		}
		info := Info{ID: lang.ID, Name: name, Kind: lang.Kind, Aliases: lang.Aliases}
		if err := reg.Register(adapter, info); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds an adapter under its ID and the aliases in info.
func (r *Registry) Register(adapter Adapter, info Info) error {
	id := normalize(adapter.ID())
	if id == "" {
		return fmt.Errorf("language id is required")
	}
	info.ID = adapter.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(id) {
		return fmt.Errorf("language %s already registered", id)
	}
	for _, alias := range info.Aliases {
		if a := normalize(alias); a == "" || r.taken(a) {
			return fmt.Errorf("language alias %q is invalid or taken", alias)
		}
	}
	r.entries[id] = entry{adapter: adapter, info: info}
	for _, alias := range info.Aliases {
		r.aliases[normalize(alias)] = id
	}
	return nil
}

// Get resolves an identifier or alias.
func (r *Registry) Get(id string) (Adapter, bool) {
	key := normalize(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// List returns registered languages ordered by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) taken(key string) bool {
	_, isEntry := r.entries[key]
	_, isAlias := r.aliases[key]
	return isEntry || isAlias
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
