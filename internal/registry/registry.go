// Package registry tracks the subsystem modules available to the
// orchestration layer. Modules are registered once at construction from a
// fixed catalog and looked up by dot-namespaced key ("memory.store",
// "vision.analyzer"). The registry records lifecycle metadata per module:
// status, version, and last access time.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/logging"
)

// Status is a module lifecycle status. Transitions are not validated; any
// status may follow any other.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Module is the capability interface every registered subsystem satisfies.
// Each category (adapter, connector, store) provides its own concrete type;
// the registry never inspects beyond this interface.
type Module interface {
	// ModuleName returns the human-readable name of the module.
	ModuleName() string
}

// Metadata describes a registry entry.
type Metadata struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Status     Status    `json:"status"`
	LastActive time.Time `json:"last_active"`
}

// Entry pairs a module handle with its metadata.
type Entry struct {
	Key      string   `json:"key"`
	Module   Module   `json:"-"`
	Metadata Metadata `json:"metadata"`
}

// Registration seeds one catalog entry at construction time.
type Registration struct {
	Key     string
	Module  Module
	Name    string
	Version string
}

// Registry is the keyed store of module handles. All mutation goes through
// Register/UpdateStatus/Unregister; reads never create entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     zerolog.Logger
}

// New builds a registry pre-populated from the given catalog. Every entry
// starts active with LastActive stamped at registration.
func New(catalog []Registration) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry, len(catalog)),
		log:     logging.WithComponent("registry"),
	}
	for _, reg := range catalog {
		r.Register(reg.Key, reg.Module, Metadata{Name: reg.Name, Version: reg.Version, Status: StatusActive})
	}
	return r
}

// Register upserts a module under the given key and stamps LastActive.
func (r *Registry) Register(key string, module Module, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta.LastActive = time.Now().UTC()
	if meta.Status == "" {
		meta.Status = StatusActive
	}
	r.entries[key] = &Entry{Key: key, Module: module, Metadata: meta}
	r.log.Debug().Str("key", key).Str("name", meta.Name).Msg("module registered")
}

// Get returns the module registered under key. As a side effect the entry's
// LastActive is refreshed; Get is last-access tracking, not a pure read.
func (r *Registry) Get(key string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	entry.Metadata.LastActive = time.Now().UTC()
	return entry.Module, true
}

// Has reports whether a module is registered under key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Unregister removes the entry under key, if any.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Keys returns all registered keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// GetAll returns a snapshot of every entry.
func (r *Registry) GetAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// UpdateStatus sets the status of the module under key. Transition legality
// is not checked.
func (r *Registry) UpdateStatus(key string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	entry.Metadata.Status = status
	return true
}

// HealthCheck reports, per key, whether the module's status is active.
// This is a shallow liveness proxy derived from bookkeeping, not a probe.
func (r *Registry) HealthCheck() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make(map[string]bool, len(r.entries))
	for key, entry := range r.entries {
		health[key] = entry.Metadata.Status == StatusActive
	}
	return health
}

// Stats aggregates entry counts by status and by key namespace prefix (the
// segment before the first dot).
type Stats struct {
	Total      int               `json:"total"`
	ByStatus   map[Status]int    `json:"by_status"`
	ByCategory map[string]int    `json:"by_category"`
}

// GetStats returns aggregate counts for observability.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:      len(r.entries),
		ByStatus:   make(map[Status]int),
		ByCategory: make(map[string]int),
	}
	for key, entry := range r.entries {
		stats.ByStatus[entry.Metadata.Status]++
		category := key
		if i := strings.Index(key, "."); i >= 0 {
			category = key[:i]
		}
		stats.ByCategory[category]++
	}
	return stats
}
