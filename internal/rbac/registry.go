package rbac

import (
	"fmt"
	"sync"
)

// Descriptor declares an app-level capability contributed by a plugin:
// which minimum role it requires and which node kinds it applies to.
type Descriptor struct {
	Plugin     string
	Capability Capability
	MinRole    Role
	Kinds      []NodeKind
}

// Registry is the capability gate plugins register against. The
// permission resolver consults it for any capability outside the fixed
// table.
type Registry struct {
	mu      sync.RWMutex
	entries map[Capability]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Capability]Descriptor)}
}

func (r *Registry) Register(desc Descriptor) error {
	if desc.Plugin == "" {
		return fmt.Errorf("register capability: plugin identifier is required")
	}
	if desc.Capability == "" {
		return fmt.Errorf("register capability: capability name is required")
	}
	if Known(desc.Capability) {
		return fmt.Errorf("register capability %q: shadows a built-in capability", desc.Capability)
	}
	if !Valid(desc.MinRole) {
		return fmt.Errorf("register capability %q: unknown role %q", desc.Capability, desc.MinRole)
	}
	if len(desc.Kinds) == 0 {
		return fmt.Errorf("register capability %q: at least one node kind is required", desc.Capability)
	}
	for _, kind := range desc.Kinds {
		if kind != KindCategory && kind != KindProject {
			return fmt.Errorf("register capability %q: unknown node kind %q", desc.Capability, kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[desc.Capability]; ok && existing.Plugin != desc.Plugin {
		return fmt.Errorf("register capability %q: already registered by plugin %q", desc.Capability, existing.Plugin)
	}
	r.entries[desc.Capability] = desc
	return nil
}

func (r *Registry) Lookup(cap Capability) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.entries[cap]
	return desc, ok
}

// Can resolves a capability against the fixed table first, then the
// plugin entries. Plugin capabilities additionally gate on node kind.
func (r *Registry) Can(role Role, cap Capability, kind NodeKind) bool {
	if Known(cap) {
		return Can(role, cap)
	}
	desc, ok := r.Lookup(cap)
	if !ok {
		return false
	}
	applies := false
	for _, k := range desc.Kinds {
		if k == kind {
			applies = true
			break
		}
	}
	if !applies {
		return false
	}
	return AtLeast(role, desc.MinRole)
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, desc := range r.entries {
		out = append(out, desc)
	}
	return out
}
