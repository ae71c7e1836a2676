package broker

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Metadata is the opaque blob an endpoint supplies at registration.
// The broker keeps it for diagnostics and never uses it for access control.
type Metadata struct {
	Password string
	Info     json.RawMessage
}

// Entry binds an endpoint identifier to the connection that owns it.
type Entry struct {
	ID           string
	Conn         *Conn
	Meta         Metadata
	RegisteredAt time.Time
}

// Registry maps endpoint identifiers to live connections.
// Lookups share a read lock; every mutation takes the write lock, so a
// mutation is visible to the next lookup that acquires the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Register inserts or overwrites the entry for id. The last registration
// wins; the previous owner, if any, is returned so the caller can log it.
func (r *Registry) Register(id string, conn *Conn, meta Metadata) (previous *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.entries[id]; exists && old.Conn != conn {
		previous = old.Conn
	}
	r.entries[id] = &Entry{
		ID:           id,
		Conn:         conn,
		Meta:         meta,
		RegisteredAt: r.now(),
	}
	return previous
}

// Lookup returns the connection currently registered under id.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	return entry.Conn, true
}

// LookupPair resolves two identifiers under one read lock so both results
// describe the same registry state.
func (r *Registry) LookupPair(a, b string) (connA, connB *Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[a]; ok {
		connA = entry.Conn
	}
	if entry, ok := r.entries[b]; ok {
		connB = entry.Conn
	}
	return connA, connB
}

// UnregisterIfOwner removes the entry for id only when conn still owns it.
// It reports whether an entry was removed.
func (r *Registry) UnregisterIfOwner(id string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists || entry.Conn != conn {
		return false
	}
	delete(r.entries, id)
	return true
}

// IDs returns a sorted snapshot of registered identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all entries sorted by identifier.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered identifiers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
