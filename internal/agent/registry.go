package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskloop/taskloop/internal/config"
)

// Registry maps adapter ids to launch descriptors. It is an explicit
// value threaded through construction rather than process-global
// state; entries are insert-only.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Descriptor
	defaultID string
	strict    bool
}

// NewRegistry seeds the builtin catalog and overlays user-registered
// adapters from the global config. A nil config gives builtins only,
// with the canonical default adapter.
func NewRegistry(cfg *config.GlobalConfig) *Registry {
	r := &Registry{entries: builtinDescriptors(), defaultID: DefaultAdapter}
	if cfg != nil {
		if cfg.DefaultAgent != "" {
			r.defaultID = cfg.DefaultAgent
		}
		r.strict = cfg.StrictAdapters
		for id, a := range cfg.Adapters {
			r.entries[id] = Descriptor{
				Command:     a.Command,
				Args:        a.Args,
				Env:         a.Env,
				Description: a.Description,
			}
		}
	}
	return r
}

// Register inserts or replaces a descriptor at runtime.
func (r *Registry) Register(id string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = d
}

// Resolve maps an adapter id to its launch descriptor. An empty id
// resolves to the configured default agent, falling back to the
// canonical default. An unknown id synthesizes an ad-hoc package
// launch, so resolution never fails unless the user opted into
// strict adapters.
func (r *Registry) Resolve(id string) (string, Descriptor, error) {
	if id == "" {
		id = r.defaultID
	}
	r.mu.RLock()
	d, ok := r.entries[id]
	strict := r.strict
	r.mu.RUnlock()
	if ok {
		return id, d, nil
	}
	if strict {
		return id, Descriptor{}, fmt.Errorf("agent: unknown adapter %q (strict_adapters is set)", id)
	}
	return id, AdHoc(id), nil
}

// Known returns the registered adapter ids, sorted.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the descriptor registered for id, without ad-hoc
// fallback.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[id]
	return d, ok
}
